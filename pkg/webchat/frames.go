package webchat

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/forge/pkg/bubble"
	"github.com/go-go-golems/forge/pkg/preview"
	"github.com/go-go-golems/forge/pkg/session"
)

// Frame types sent to websocket clients.
const (
	FrameSessionState   = "session.state"
	FrameSessionUpdate  = "session.update"
	FrameSessionError   = "session.error"
	FramePreviewReplace = "preview.replace"
	FramePreviewLoaded  = "preview.loaded"
	FramePreviewError   = "preview.error"
	FramePreviewSettled = "preview.settled"
	FrameHello          = "ws.hello"
	FramePong           = "ws.pong"
)

// Frame is the JSON envelope of everything written to a websocket.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq,omitempty"`
	Time      int64  `json:"ts"`
	Data      any    `json:"data,omitempty"`
}

type StateData struct {
	State session.State `json:"state"`
}

type UpdateData struct {
	session.Update
	View bubble.View `json:"view"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type PreviewReplaceData struct {
	InstanceID string `json:"instanceId"`
	// URL serves the srcdoc document of the instance.
	URL string `json:"url"`
}

type PreviewMessageData struct {
	InstanceID string `json:"instanceId"`
	Message    string `json:"message,omitempty"`
}

type PreviewSettledData struct {
	InstanceID string `json:"instanceId"`
	TimedOut   bool   `json:"timedOut"`
}

type HelloData struct {
	State      session.State `json:"state"`
	ModelID    string        `json:"modelId"`
	InstanceID string        `json:"instanceId,omitempty"`
	ServerTime int64         `json:"serverTime"`
}

func encodeFrame(f Frame) ([]byte, error) {
	if f.Time == 0 {
		f.Time = time.Now().UnixMilli()
	}
	return json.Marshal(f)
}

func previewFrame(msg preview.Message) string {
	if msg.IsError() {
		return FramePreviewError
	}
	return FramePreviewLoaded
}
