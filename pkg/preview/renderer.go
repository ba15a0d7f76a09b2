package preview

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultFallback flips the loading indicator off when no message arrived.
const DefaultFallback = time.Second

// Outcome is what a host observes for one instance.
type Outcome struct {
	Message  *Message `json:"message,omitempty"`
	TimedOut bool     `json:"timedOut"`
	Markup   string   `json:"markup,omitempty"`
}

// Instance is one rendered code string. It is never mutated after creation;
// new code means a new Instance.
type Instance struct {
	ID   string
	Code string

	fallback time.Duration
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	msgs     chan Message
	done     chan struct{}

	mu       sync.Mutex
	closed   bool
	loading  bool
	script   string
	result   Result
	buildErr error
}

// Messages yields at most one message. It is never closed; use Wait.
func (i *Instance) Messages() <-chan Message {
	return i.msgs
}

// Done is closed once the run finished.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Loading is true until a message arrived or the fallback elapsed.
func (i *Instance) Loading() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loading
}

func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Result returns the sandbox result once the run finished.
func (i *Instance) Result() (Result, bool) {
	select {
	case <-i.done:
	default:
		return Result{}, false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result, true
}

// Wait blocks until the run finished or the fallback elapsed, whichever is
// first. A timed-out outcome carries no message.
func (i *Instance) Wait(ctx context.Context) Outcome {
	timer := time.NewTimer(i.fallback)
	defer timer.Stop()
	select {
	case <-i.done:
		i.mu.Lock()
		defer i.mu.Unlock()
		i.loading = false
		return Outcome{Message: i.result.Message, Markup: i.result.Markup}
	case <-timer.C:
	case <-ctx.Done():
	}
	i.mu.Lock()
	i.loading = false
	i.mu.Unlock()
	return Outcome{TimedOut: true}
}

// Close tears the instance down. A running script is interrupted and any
// message it still produces is dropped.
func (i *Instance) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.mu.Unlock()
	i.cancel()
}

func (i *Instance) run(sandbox *Sandbox, onMessage func(*Instance, Message)) {
	defer close(i.done)

	script, err := Build(i.Code)
	if err != nil {
		i.mu.Lock()
		i.buildErr = err
		i.mu.Unlock()
		i.logger.Debug().Err(err).Msg("transpile failed")
		i.deliver(Failed(err.Error()), Result{}, onMessage)
		return
	}
	i.mu.Lock()
	i.script = script
	i.mu.Unlock()

	res, err := sandbox.Run(i.ctx, script)
	if err != nil {
		i.logger.Error().Err(err).Msg("sandbox failed")
		i.deliver(Failed("preview runtime unavailable"), Result{}, onMessage)
		return
	}
	if res.Message == nil {
		i.mu.Lock()
		i.result = res
		i.mu.Unlock()
		return
	}
	i.deliver(*res.Message, res, onMessage)
}

func (i *Instance) deliver(msg Message, res Result, onMessage func(*Instance, Message)) {
	i.mu.Lock()
	if res.Message == nil {
		res.Message = &msg
	}
	i.result = res
	if i.closed {
		i.mu.Unlock()
		i.logger.Debug().Str("type", msg.Type).Msg("dropping message of replaced instance")
		return
	}
	i.loading = false
	i.mu.Unlock()

	i.msgs <- msg
	if onMessage != nil {
		onMessage(i, msg)
	}
}

// ScriptSource returns the transpiled script, or "" when transpiling failed.
func (i *Instance) ScriptSource() string {
	<-i.done
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.script
}

// BuildError is the transpile error, if any.
func (i *Instance) BuildError() error {
	<-i.done
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.buildErr
}

type RendererConfig struct {
	Sandbox  *Sandbox
	Fallback time.Duration
	// OnMessage is called from the instance goroutine for every delivered
	// message of a live instance.
	OnMessage func(*Instance, Message)
}

// Renderer owns the single live Instance of a host view.
type Renderer struct {
	sandbox   *Sandbox
	fallback  time.Duration
	onMessage func(*Instance, Message)

	mu      sync.Mutex
	current *Instance
}

func NewRenderer(cfg RendererConfig) *Renderer {
	sb := cfg.Sandbox
	if sb == nil {
		sb = NewSandbox(0)
	}
	fb := cfg.Fallback
	if fb <= 0 {
		fb = DefaultFallback
	}
	return &Renderer{sandbox: sb, fallback: fb, onMessage: cfg.OnMessage}
}

// Publish shows code. Publishing the code that is already shown is a no-op and
// returns the live instance with false. Otherwise the previous instance is
// closed and a new one starts running.
func (r *Renderer) Publish(code string) (*Instance, bool) {
	r.mu.Lock()
	if r.current != nil && r.current.Code == code {
		cur := r.current
		r.mu.Unlock()
		return cur, false
	}
	if r.current != nil {
		r.current.Close()
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	inst := &Instance{
		ID:       id,
		Code:     code,
		fallback: r.fallback,
		logger:   log.With().Str("component", "preview").Str("instance_id", id).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		msgs:     make(chan Message, 1),
		done:     make(chan struct{}),
		loading:  true,
	}
	r.current = inst
	r.mu.Unlock()

	go inst.run(r.sandbox, r.onMessage)
	return inst, true
}

// Current returns the live instance, or nil before the first Publish.
func (r *Renderer) Current() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Close tears down the live instance.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.current.Close()
	}
}
