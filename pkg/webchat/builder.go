package webchat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forge/pkg/bubble"
	"github.com/go-go-golems/forge/pkg/generation"
	"github.com/go-go-golems/forge/pkg/grammar"
	"github.com/go-go-golems/forge/pkg/models"
	"github.com/go-go-golems/forge/pkg/persistence/chatstore"
	"github.com/go-go-golems/forge/pkg/preview"
	"github.com/go-go-golems/forge/pkg/redisstream"
	"github.com/go-go-golems/forge/pkg/session"
	"github.com/go-go-golems/forge/pkg/transcript"
)

var (
	ErrBuilderBusy     = errors.New("builder session is busy")
	ErrChatMismatch    = errors.New("builder session is bound to another chat")
	ErrBuilderShutdown = errors.New("builder session is closed")
)

// SubmitInput is one prompt posted to a builder session.
type SubmitInput struct {
	Text    string
	ModelID string
	Initial bool
	// UserID and ChatID are set when the exchange is persisted.
	UserID int64
	ChatID int64
}

// Builder is the server-side host view of one builder session: the streaming
// session, its preview renderer and the websocket clients watching it.
type Builder struct {
	ID string

	sess     *session.Session
	renderer *preview.Renderer
	pool     *ConnectionPool
	bus      *redisstream.Bus
	store    chatstore.Store
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	relay  <-chan struct{}

	running atomic.Bool
	wg      sync.WaitGroup

	// lifeMu orders accepted submits against retirement.
	lifeMu    sync.Mutex
	retired   bool
	closeOnce sync.Once

	// emitMu keeps seq order equal to publish order.
	emitMu sync.Mutex
	seq    uint64

	mu           sync.Mutex
	modelID      string
	chatID       int64
	lastActivity time.Time
	lastErr      string
}

type builderDeps struct {
	Backend         generation.Backend
	Bus             *redisstream.Bus
	Store           chatstore.Store
	Sandbox         *preview.Sandbox
	PreviewFallback time.Duration
	IdleTimeout     time.Duration
	OnIdle          func(id string)
}

func newBuilder(parent context.Context, id string, deps builderDeps) (*Builder, error) {
	if deps.Bus == nil {
		return nil, errors.New("frame bus is nil")
	}
	ctx, cancel := context.WithCancel(parent)
	b := &Builder{
		ID:           id,
		bus:          deps.Bus,
		store:        deps.Store,
		logger:       log.With().Str("component", "webchat").Str("session_id", id).Logger(),
		ctx:          ctx,
		cancel:       cancel,
		modelID:      models.DefaultID,
		lastActivity: time.Now(),
	}
	var onIdle func()
	if deps.OnIdle != nil {
		onIdle = func() { deps.OnIdle(id) }
	}
	b.pool = NewConnectionPool(id, deps.IdleTimeout, onIdle)
	b.renderer = preview.NewRenderer(preview.RendererConfig{
		Sandbox:   deps.Sandbox,
		Fallback:  deps.PreviewFallback,
		OnMessage: b.onPreviewMessage,
	})

	sess, err := session.New(session.Config{
		ID:          id,
		Backend:     deps.Backend,
		Transcript:  transcript.NewStore(),
		Model:       b.ModelID,
		Publisher:   session.CodePublisherFunc(b.publishCode),
		Observer:    b,
		InitialCode: grammar.DefaultCode(),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	b.sess = sess

	relay, err := deps.Bus.Relay(ctx, redisstream.TopicForSession(id), b.pool.Broadcast)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "relay builder frames")
	}
	b.relay = relay

	b.renderer.Publish(grammar.DefaultCode())
	return b, nil
}

func (b *Builder) Session() *session.Session { return b.sess }

func (b *Builder) Renderer() *preview.Renderer { return b.renderer }

func (b *Builder) Pool() *ConnectionPool { return b.pool }

func (b *Builder) ModelID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modelID
}

func (b *Builder) ChatID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chatID
}

// Running is true from an accepted submit until its turn settled or failed.
func (b *Builder) Running() bool { return b.running.Load() }

func (b *Builder) touch() {
	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()
}

func (b *Builder) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

// BindChat attaches a stored chat. The first bind of an empty session restores
// the stored messages.
func (b *Builder) BindChat(chatID int64, msgs []chatstore.Message) error {
	b.mu.Lock()
	bound := b.chatID
	b.mu.Unlock()
	if bound == chatID {
		return nil
	}
	if bound != 0 {
		return ErrChatMismatch
	}
	if b.running.Load() {
		return ErrBuilderBusy
	}
	if b.sess.Transcript().Len() == 0 && len(msgs) > 0 {
		restored := make([]generation.Message, 0, len(msgs))
		for _, m := range msgs {
			restored = append(restored, generation.Message{Role: transcript.Role(m.Role), Content: m.Content})
		}
		if err := b.sess.Restore(restored); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.chatID = chatID
	b.mu.Unlock()
	return nil
}

// Start accepts in and runs the exchange in the background. It returns
// session.ErrDuplicateInitialPrompt for a repeated initial prompt and
// ErrBuilderBusy while another exchange is running.
func (b *Builder) Start(in SubmitInput) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return session.ErrEmptyPrompt
	}
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.retired || b.ctx.Err() != nil {
		return ErrBuilderShutdown
	}
	if in.Initial && b.guardSeen(in.Text) {
		return session.ErrDuplicateInitialPrompt
	}
	if !b.running.CompareAndSwap(false, true) {
		return ErrBuilderBusy
	}
	if in.ModelID != "" {
		b.mu.Lock()
		b.modelID = models.Resolve(in.ModelID).ID
		b.mu.Unlock()
	}
	b.touch()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.running.Store(false)
		defer b.touch()
		b.run(in)
	}()
	return nil
}

// retire marks the builder closed when ok reports true. A nil ok always
// retires. Once retired, Start refuses every submit.
func (b *Builder) retire(ok func() bool) bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.retired {
		return false
	}
	if ok != nil && !ok() {
		return false
	}
	b.retired = true
	return true
}

func (b *Builder) guardSeen(text string) bool {
	return b.sess.Guard().Seen(text)
}

func (b *Builder) run(in SubmitInput) {
	var (
		res session.Result
		err error
	)
	if in.Initial {
		res, err = b.sess.SubmitInitial(b.ctx, in.Text)
	} else {
		res, err = b.sess.Submit(b.ctx, in.Text)
	}
	if err != nil {
		msg := "Failed to generate response"
		if errors.Is(err, session.ErrDuplicateInitialPrompt) {
			return
		}
		if errors.Is(err, session.ErrBusy) {
			msg = "A response is still streaming"
		}
		b.mu.Lock()
		b.lastErr = msg
		b.mu.Unlock()
		b.emit(FrameSessionError, ErrorData{Message: msg})
		return
	}
	b.mu.Lock()
	b.lastErr = ""
	b.mu.Unlock()
	b.persist(in, res)
}

func (b *Builder) persist(in SubmitInput, res session.Result) {
	if b.store == nil || in.UserID == 0 || in.ChatID == 0 {
		return
	}
	logger := b.logger.With().Int64("chat_id", in.ChatID).Logger()
	ctx := context.WithoutCancel(b.ctx)
	if _, err := b.store.AddMessage(ctx, in.UserID, in.ChatID, string(transcript.RoleUser), res.UserTurn.Text()); err != nil {
		logger.Error().Err(err).Msg("persist user turn")
		return
	}
	text := res.AssistantTurn.Text()
	if text == "" {
		return
	}
	if _, err := b.store.AddMessage(ctx, in.UserID, in.ChatID, string(transcript.RoleAssistant), text); err != nil {
		logger.Error().Err(err).Msg("persist assistant turn")
	}
}

// StateChanged implements session.Observer.
func (b *Builder) StateChanged(_ string, st session.State) {
	b.emit(FrameSessionState, StateData{State: st})
}

// Updated implements session.Observer.
func (b *Builder) Updated(_ string, u session.Update) {
	b.emit(FrameSessionUpdate, UpdateData{Update: u, View: bubble.FromDocument(u.Text, u.Document)})
}

func (b *Builder) publishCode(code string) {
	inst, created := b.renderer.Publish(code)
	if !created {
		return
	}
	b.emit(FramePreviewReplace, PreviewReplaceData{InstanceID: inst.ID, URL: previewURL(b.ID, inst.ID)})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		out := inst.Wait(b.ctx)
		if out.TimedOut && !inst.Closed() && b.ctx.Err() == nil {
			b.emit(FramePreviewSettled, PreviewSettledData{InstanceID: inst.ID, TimedOut: true})
		}
	}()
}

func (b *Builder) onPreviewMessage(inst *preview.Instance, msg preview.Message) {
	b.emit(previewFrame(msg), PreviewMessageData{InstanceID: inst.ID, Message: msg.Message})
}

func previewURL(sessionID, instanceID string) string {
	return "/preview/" + sessionID + "?v=" + instanceID
}

func (b *Builder) emit(typ string, data any) {
	if b.ctx.Err() != nil {
		return
	}
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.seq++
	payload, err := encodeFrame(Frame{Type: typ, SessionID: b.ID, Seq: b.seq, Data: data})
	if err != nil {
		b.logger.Error().Err(err).Str("frame", typ).Msg("encode frame")
		return
	}
	if err := b.bus.Publish(redisstream.TopicForSession(b.ID), payload); err != nil {
		b.logger.Warn().Err(err).Str("frame", typ).Msg("publish frame")
	}
}

// Snapshot is the JSON view of a builder session.
type Snapshot struct {
	SessionID string            `json:"sessionId"`
	State     session.State     `json:"state"`
	ModelID   string            `json:"modelId"`
	ChatID    int64             `json:"chatId,omitempty"`
	Code      string            `json:"code"`
	Turns     []transcript.Turn `json:"turns"`
	// Views holds one rendered view per assistant turn, in turn order.
	Views     []bubble.View     `json:"views"`
	View      *bubble.View      `json:"view,omitempty"`
	Preview   PreviewSnapshot   `json:"preview"`
	Error     string            `json:"error,omitempty"`
}

type PreviewSnapshot struct {
	InstanceID string           `json:"instanceId,omitempty"`
	URL        string           `json:"url,omitempty"`
	Loading    bool             `json:"loading"`
	Message    *preview.Message `json:"message,omitempty"`
}

func (b *Builder) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID: b.ID,
		State:     b.sess.State(),
		ModelID:   b.ModelID(),
		ChatID:    b.ChatID(),
		Code:      b.sess.Code(),
		Turns:     b.sess.Transcript().Turns(),
	}
	b.mu.Lock()
	snap.Error = b.lastErr
	b.mu.Unlock()
	snap.Views = []bubble.View{}
	for _, t := range snap.Turns {
		if t.Role == transcript.RoleAssistant {
			snap.Views = append(snap.Views, bubble.Render(t.Text()))
		}
	}
	if n := len(snap.Views); n > 0 {
		snap.View = &snap.Views[n-1]
	}
	if inst := b.renderer.Current(); inst != nil {
		snap.Preview = PreviewSnapshot{InstanceID: inst.ID, URL: previewURL(b.ID, inst.ID), Loading: inst.Loading()}
		if res, ok := inst.Result(); ok {
			snap.Preview.Message = res.Message
		}
	}
	return snap
}

func (b *Builder) hello() HelloData {
	h := HelloData{State: b.sess.State(), ModelID: b.ModelID(), ServerTime: time.Now().UnixMilli()}
	if inst := b.renderer.Current(); inst != nil {
		h.InstanceID = inst.ID
	}
	return h
}

// Close stops the builder: the running exchange is cancelled, the preview torn
// down and every client disconnected.
func (b *Builder) Close() {
	b.retire(nil)
	b.closeOnce.Do(func() {
		b.cancel()
		b.renderer.Close()
		b.pool.CloseAll()
		b.wg.Wait()
		if b.relay != nil {
			<-b.relay
		}
	})
}
