// Package preview renders generated components in isolation.
//
// Code goes through three steps: Rewrite strips module syntax, Transpile
// turns JSX into a plain script and Sandbox runs that script in a fresh goja
// runtime that only exposes a small React subset. The sandbox reports back
// through exactly one Message. Renderer keeps the single live Instance and
// replaces it when the code changes; Document builds the srcdoc page a browser
// host embeds in a sandboxed iframe.
package preview

// Message types crossing the isolation boundary.
const (
	TypeLoaded = "preview-loaded"
	TypeError  = "preview-error"
)

// MissingAppMessage is reported when the code defines no App component.
const MissingAppMessage = "No App component found. Make sure your code defines an App function."

// Message is the only shape the sandbox can send to its host.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func Loaded() Message {
	return Message{Type: TypeLoaded}
}

func Failed(msg string) Message {
	return Message{Type: TypeError, Message: msg}
}

func (m Message) IsError() bool {
	return m.Type == TypeError
}

// parseMessage accepts only the two known shapes.
func parseMessage(typ, msg string) (Message, bool) {
	switch typ {
	case TypeLoaded:
		return Loaded(), true
	case TypeError:
		return Failed(msg), true
	default:
		return Message{}, false
	}
}
