package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/forge/pkg/generation"
	"github.com/go-go-golems/forge/pkg/models"
	"github.com/go-go-golems/forge/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const response = "## Plan\nA counter\n## Building\n[TOOL:create_component] Counter\n## Code\n```jsx\nexport default function App(){return <button>+</button>}\n```\n## Summary\nDone\n"

type recorder struct {
	mu      sync.Mutex
	states  []State
	updates []Update
}

func (r *recorder) StateChanged(_ string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) Updated(_ string, u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

type publisher struct {
	mu    sync.Mutex
	codes []string
}

func (p *publisher) Publish(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes = append(p.codes, code)
}

func newSession(t *testing.T, backend generation.Backend, cfg Config) (*Session, *recorder, *publisher) {
	t.Helper()
	rec := &recorder{}
	pub := &publisher{}
	cfg.ID = "s1"
	cfg.Backend = backend
	cfg.Observer = rec
	cfg.Publisher = pub
	s, err := New(cfg)
	require.NoError(t, err)
	return s, rec, pub
}

func TestSubmitStreamsAndSettles(t *testing.T) {
	backend := &generation.ScriptedBackend{Chunks: strings.SplitAfter(response, "\n")}
	s, rec, pub := newSession(t, backend, Config{Model: func() string { return "claude-opus-4-5" }})

	res, err := s.Submit(context.Background(), "  make a counter ")
	require.NoError(t, err)
	require.False(t, res.Interrupted)
	require.Equal(t, "make a counter", res.UserTurn.Text())
	require.Equal(t, response, res.AssistantTurn.Text())
	require.Equal(t, "A counter", *res.Document.Plan)

	require.Equal(t, []State{StateSubmitted, StateStreaming, StateSettled}, rec.states)
	require.Len(t, rec.updates, res.Chunks+1)
	require.True(t, rec.updates[len(rec.updates)-1].Final)
	for _, u := range rec.updates[:len(rec.updates)-1] {
		require.False(t, u.Final)
	}

	code := "export default function App(){return <button>+</button>}\n"
	require.Equal(t, []string{code}, pub.codes)
	require.Equal(t, code, s.Code())
	require.Equal(t, StateSettled, s.State())
	require.Equal(t, 2, s.Transcript().Len())

	reqs := backend.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "claude-opus-4-5", reqs[0].ModelID)
	require.Equal(t, []generation.Message{{Role: transcript.RoleUser, Content: "make a counter"}}, reqs[0].Messages)
}

func TestSecondSubmitCarriesHistoryAndSkipsUnchangedCode(t *testing.T) {
	backend := &generation.ScriptedBackend{Chunks: strings.SplitAfter(response, "\n")}
	s, _, pub := newSession(t, backend, Config{Model: func() string { return "retired-model" }})

	_, err := s.Submit(context.Background(), "first")
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), "second")
	require.NoError(t, err)

	require.Len(t, pub.codes, 1)

	reqs := backend.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, models.DefaultID, reqs[1].ModelID)
	require.Len(t, reqs[1].Messages, 3)
	require.Equal(t, transcript.RoleAssistant, reqs[1].Messages[1].Role)
	require.Equal(t, "second", reqs[1].Messages[2].Content)
}

func TestSubmitInitialIsIdempotent(t *testing.T) {
	backend := &generation.ScriptedBackend{Chunks: []string{"## Plan\nx\n"}}
	guard := NewPromptGuard()
	s, _, _ := newSession(t, backend, Config{Guard: guard})

	_, err := s.SubmitInitial(context.Background(), "landing page")
	require.NoError(t, err)
	_, err = s.SubmitInitial(context.Background(), "landing page")
	require.ErrorIs(t, err, ErrDuplicateInitialPrompt)
	require.Len(t, backend.Requests(), 1)
	require.True(t, guard.Seen("landing page"))

	// A remounted view shares the guard.
	other, _, _ := newSession(t, backend, Config{Guard: guard})
	_, err = other.SubmitInitial(context.Background(), "landing page")
	require.ErrorIs(t, err, ErrDuplicateInitialPrompt)
	require.Len(t, backend.Requests(), 1)
}

func TestSubmitRejectsEmpty(t *testing.T) {
	s, rec, _ := newSession(t, &generation.ScriptedBackend{}, Config{})
	_, err := s.Submit(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyPrompt)
	require.Empty(t, rec.states)
}

func TestTransportFailureBeforeFirstChunk(t *testing.T) {
	for name, backend := range map[string]*generation.ScriptedBackend{
		"rejected":   {OpenErr: errors.New("502")},
		"first recv": {Chunks: []string{"never"}, Err: errors.New("reset"), FailAfter: 0},
	} {
		t.Run(name, func(t *testing.T) {
			s, rec, pub := newSession(t, backend, Config{})
			_, err := s.Submit(context.Background(), "hello")
			require.ErrorIs(t, err, ErrTransport)
			var te *TransportError
			require.True(t, errors.As(err, &te))
			require.Equal(t, StateIdle, s.State())
			require.Equal(t, 0, s.Transcript().Len())
			require.Equal(t, []State{StateSubmitted, StateIdle}, rec.states)
			require.Empty(t, pub.codes)
		})
	}
}

func TestMidStreamFailureKeepsPartial(t *testing.T) {
	backend := &generation.ScriptedBackend{
		Chunks:    []string{"## Plan\n", "Half a plan", "never"},
		Err:       errors.New("connection reset"),
		FailAfter: 2,
	}
	s, rec, _ := newSession(t, backend, Config{})

	res, err := s.Submit(context.Background(), "go")
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	require.Equal(t, "## Plan\nHalf a plan", res.AssistantTurn.Text())
	require.Equal(t, StateSettled, s.State())

	last := rec.updates[len(rec.updates)-1]
	require.True(t, last.Final)
	require.True(t, last.Interrupted)

	turns := s.Transcript().Turns()
	require.Len(t, turns, 2)
	require.Equal(t, "## Plan\nHalf a plan", turns[1].Text())
}

func TestEmptyStreamSettles(t *testing.T) {
	s, rec, _ := newSession(t, &generation.ScriptedBackend{}, Config{})
	res, err := s.Submit(context.Background(), "go")
	require.NoError(t, err)
	require.Equal(t, "", res.AssistantTurn.Text())
	require.Equal(t, 0, res.Chunks)
	require.Equal(t, []State{StateSubmitted, StateSettled}, rec.states)
	require.Equal(t, 2, s.Transcript().Len())
}

type gatedStream struct {
	release chan struct{}
	sent    bool
}

func (g *gatedStream) Recv() (string, error) {
	if !g.sent {
		g.sent = true
		return "## Plan\n", nil
	}
	<-g.release
	return "", io.EOF
}

func (g *gatedStream) Close() error { return nil }

type gatedBackend struct {
	stream *gatedStream
}

func (b *gatedBackend) Stream(context.Context, generation.Request) (generation.Stream, error) {
	return b.stream, nil
}

func TestSubmitWhileStreamingIsRejected(t *testing.T) {
	gate := &gatedStream{release: make(chan struct{})}
	s, _, _ := newSession(t, &gatedBackend{stream: gate}, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "first")
		done <- err
	}()

	require.Eventually(t, func() bool { return s.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	require.True(t, s.Busy())
	_, err := s.Submit(context.Background(), "second")
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, s.Restore(nil), ErrBusy)

	close(gate.release)
	require.NoError(t, <-done)
	require.False(t, s.Busy())
	require.Equal(t, 2, s.Transcript().Len())
}

func TestRestoreShowsLastCode(t *testing.T) {
	s, _, pub := newSession(t, &generation.ScriptedBackend{}, Config{InitialCode: "default"})
	require.Equal(t, "default", s.Code())

	require.NoError(t, s.Restore([]generation.Message{
		{Role: transcript.RoleUser, Content: "make a counter"},
		{Role: transcript.RoleAssistant, Content: response},
	}))
	require.Equal(t, StateSettled, s.State())
	require.Len(t, pub.codes, 1)
	require.Contains(t, s.Code(), "<button>+</button>")
	require.Equal(t, 2, s.Transcript().Len())
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ID: "x"})
	require.Error(t, err)
	_, err = New(Config{Backend: &generation.ScriptedBackend{}})
	require.Error(t, err)
}
