package generation

import (
	"strings"

	"github.com/go-go-golems/forge/pkg/transcript"
	"github.com/google/uuid"
)

// WirePart is one part of a message as browsers send it to /api/chat. Only
// "text" parts carry content the backend uses.
type WirePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type WireMessage struct {
	ID    string          `json:"id,omitempty"`
	Role  transcript.Role `json:"role"`
	Parts []WirePart      `json:"parts"`
}

// ChatRequestBody is the JSON body of POST /api/chat.
type ChatRequestBody struct {
	Messages []WireMessage `json:"messages"`
	ModelID  string        `json:"modelId,omitempty"`
}

// FromWire converts a request body into a Request. Text parts are joined in
// order; messages with a role other than user or assistant are dropped.
func FromWire(body ChatRequestBody) Request {
	req := Request{ModelID: body.ModelID, Messages: make([]Message, 0, len(body.Messages))}
	for _, m := range body.Messages {
		if m.Role != transcript.RoleUser && m.Role != transcript.RoleAssistant {
			continue
		}
		var sb strings.Builder
		for _, p := range m.Parts {
			if p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		req.Messages = append(req.Messages, Message{Role: m.Role, Content: sb.String()})
	}
	return req
}

// ToWire converts a Request into the body the HTTP handler accepts.
func ToWire(req Request) ChatRequestBody {
	body := ChatRequestBody{ModelID: req.ModelID, Messages: make([]WireMessage, 0, len(req.Messages))}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, WireMessage{
			ID:    uuid.NewString(),
			Role:  m.Role,
			Parts: []WirePart{{Type: "text", Text: m.Content}},
		})
	}
	return body
}
