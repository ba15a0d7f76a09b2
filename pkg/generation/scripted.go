package generation

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/forge/pkg/grammar"
	"github.com/go-go-golems/forge/pkg/transcript"
)

// ScriptedBackend replays a fixed chunk sequence for every request.
type ScriptedBackend struct {
	Chunks []string
	// OpenErr rejects the request before any chunk.
	OpenErr error
	// Err is returned after FailAfter chunks when set.
	Err       error
	FailAfter int
	// Delay is waited before each chunk.
	Delay time.Duration

	mu       sync.Mutex
	requests []Request
}

func (b *ScriptedBackend) Stream(ctx context.Context, req Request) (Stream, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	limit := len(b.Chunks)
	if b.Err != nil && b.FailAfter < limit {
		limit = b.FailAfter
	}
	return &scriptedStream{ctx: ctx, chunks: b.Chunks[:limit], err: b.Err, delay: b.Delay}, nil
}

// Requests returns the requests received so far.
func (b *ScriptedBackend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

type scriptedStream struct {
	ctx    context.Context
	chunks []string
	err    error
	delay  time.Duration
	pos    int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.delay > 0 {
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// OfflineBackend answers every request with a well-formed response built
// around the welcome component, streamed line by line. It lets the server run
// without provider credentials.
type OfflineBackend struct {
	Delay time.Duration
}

func (b OfflineBackend) Stream(ctx context.Context, req Request) (Stream, error) {
	prompt := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == transcript.RoleUser {
			prompt = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	text := OfflineResponse(prompt)
	lines := strings.SplitAfter(text, "\n")
	return &scriptedStream{ctx: ctx, chunks: lines, delay: b.Delay}, nil
}

// OfflineResponse is the canned document served by OfflineBackend.
func OfflineResponse(prompt string) string {
	if prompt == "" {
		prompt = "your app"
	}
	var sb strings.Builder
	sb.WriteString(grammar.HeadingPlan + "\n")
	fmt.Fprintf(&sb, "Offline mode: showing the starter component instead of %q.\n\n", prompt)
	sb.WriteString(grammar.HeadingBuilding + "\n")
	fmt.Fprintf(&sb, "[TOOL:%s] App\n", grammar.ToolCreateComponent)
	fmt.Fprintf(&sb, "[TOOL:%s] Gradient background and rounded buttons\n\n", grammar.ToolAddStyling)
	sb.WriteString(grammar.HeadingCode + "\n```jsx\n")
	sb.WriteString(strings.TrimRight(grammar.DefaultCode(), "\n"))
	sb.WriteString("\n```\n\n")
	sb.WriteString(grammar.HeadingSummary + "\n")
	sb.WriteString("Rendered the starter component; configure a provider key for real generations.\n")
	return sb.String()
}
