package preview

import (
	"context"
	_ "embed"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed js/runtime.js
var runtimeJS string

var runtimeProgram = goja.MustCompile("forge-runtime.js", runtimeJS, false)

const (
	DefaultRunTimeout = 2 * time.Second
	maxCallStackSize  = 1024
)

// Result is what one sandbox run produced.
type Result struct {
	// Message is nil when the script finished without posting anything.
	Message *Message
	// Markup is the static HTML of #root after the run.
	Markup string
}

// Sandbox runs mount scripts. Every Run uses a new goja runtime, so nothing
// leaks between runs.
type Sandbox struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

func NewSandbox(timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &Sandbox{
		Timeout: timeout,
		Logger:  log.With().Str("component", "preview").Logger(),
	}
}

type consolePrinter struct {
	logger zerolog.Logger
}

func (p consolePrinter) Log(s string)   { p.logger.Debug().Str("stream", "log").Msg(s) }
func (p consolePrinter) Warn(s string)  { p.logger.Warn().Str("stream", "warn").Msg(s) }
func (p consolePrinter) Error(s string) { p.logger.Error().Str("stream", "error").Msg(s) }

// Run executes a transpiled mount script. Exceptions thrown by the generated
// code are reported by the script itself; runaway code is interrupted after
// the timeout or when ctx is done and reported as an error message. The
// returned error is reserved for failures of the host environment.
func (s *Sandbox) Run(ctx context.Context, script string) (Result, error) {
	if s == nil {
		return Result{}, errors.New("preview sandbox is not initialized")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{logger: s.Logger}))
	registry.Enable(vm)
	console.Enable(vm)

	var (
		mu    sync.Mutex
		first *Message
	)
	if err := vm.Set("__forgePost", func(call goja.FunctionCall) goja.Value {
		msg, ok := parseMessage(call.Argument(0).String(), call.Argument(1).String())
		if !ok {
			s.Logger.Debug().Str("type", call.Argument(0).String()).Msg("ignoring unknown preview message")
			return goja.Undefined()
		}
		mu.Lock()
		defer mu.Unlock()
		if first != nil {
			s.Logger.Debug().Str("type", msg.Type).Msg("ignoring extra preview message")
			return goja.Undefined()
		}
		first = &msg
		return goja.Undefined()
	}); err != nil {
		return Result{}, errors.Wrap(err, "install host bindings")
	}
	if _, err := vm.RunProgram(runtimeProgram); err != nil {
		return Result{}, errors.Wrap(err, "load preview runtime")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			vm.Interrupt(errors.Errorf("preview timed out after %s", timeout))
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		}
	}()

	_, runErr := vm.RunScript("App.js", script)

	mu.Lock()
	msg := first
	mu.Unlock()

	if runErr != nil {
		var interrupted *goja.InterruptedError
		if errors.As(runErr, &interrupted) {
			s.Logger.Warn().Err(runErr).Msg("preview run interrupted")
			if msg == nil {
				m := Failed(interruptMessage(interrupted))
				msg = &m
			}
			return Result{Message: msg}, nil
		}
		// Uncatchable failures such as a stack overflow.
		s.Logger.Warn().Err(runErr).Msg("preview run failed")
		if msg == nil {
			m := Failed(runErr.Error())
			msg = &m
		}
		return Result{Message: msg}, nil
	}

	res := Result{Message: msg}
	if v, err := vm.RunString(`(function(){ var r = document.getElementById('root'); return r ? String(r.innerHTML) : ''; })()`); err == nil {
		res.Markup = v.String()
	}
	return res, nil
}

func interruptMessage(ie *goja.InterruptedError) string {
	if err, ok := ie.Value().(error); ok {
		return err.Error()
	}
	return ie.String()
}
