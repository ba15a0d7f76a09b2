// Package generation is the boundary to the text generation backend.
//
// A Backend takes the ordered conversation and a model selector and returns a
// Stream of text chunks that ends with io.EOF. Two implementations exist: the
// ProviderBackend talks to the model providers through eino, the HTTPBackend
// talks to a forge server over the /api/chat text stream.
package generation

import (
	"context"

	"github.com/go-go-golems/forge/pkg/transcript"
)

// Message is one entry of the history sent to the backend.
type Message struct {
	Role    transcript.Role `json:"role"`
	Content string          `json:"content"`
}

// Request carries the full ordered history and the model selector.
type Request struct {
	Messages []Message `json:"messages"`
	ModelID  string    `json:"modelId"`
}

// Stream yields chunks in arrival order. Recv returns io.EOF once the stream
// ended normally; any other error means the stream broke.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Backend interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// FromTurns converts transcript turns into backend messages. Empty assistant
// turns are skipped.
func FromTurns(turns []transcript.Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		text := t.Text()
		if t.Role == transcript.RoleAssistant && text == "" {
			continue
		}
		out = append(out, Message{Role: t.Role, Content: text})
	}
	return out
}
