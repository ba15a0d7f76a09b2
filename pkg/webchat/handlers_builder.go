package webchat

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forge/pkg/auth"
	"github.com/go-go-golems/forge/pkg/models"
	"github.com/go-go-golems/forge/pkg/persistence/chatstore"
	"github.com/go-go-golems/forge/pkg/preview"
	"github.com/go-go-golems/forge/pkg/session"
)

type builderHandlers struct {
	manager *SessionManager
	store   chatstore.Store
}

type submitBody struct {
	Text    string `json:"text"`
	ModelID string `json:"modelId"`
	Initial bool   `json:"initial"`
	ChatID  *int64 `json:"chatId"`
}

func (h *builderHandlers) builder(w http.ResponseWriter, req *http.Request) (*Builder, bool) {
	id := req.PathValue("sessionId")
	if !ValidSessionID(id) {
		writeError(w, http.StatusBadRequest, "Invalid session ID")
		return nil, false
	}
	b, err := h.manager.GetOrCreate(id)
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Str("session_id", id).Msg("builder session unavailable")
		writeError(w, http.StatusInternalServerError, "Session unavailable")
		return nil, false
	}
	return b, true
}

// submit serves POST /api/builder/{sessionId}/submit.
func (h *builderHandlers) submit(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodPost) {
		return
	}
	var in submitBody
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(in.Text) == "" {
		writeError(w, http.StatusBadRequest, "Prompt is required")
		return
	}
	b, ok := h.builder(w, req)
	if !ok {
		return
	}

	si := SubmitInput{Text: in.Text, ModelID: in.ModelID, Initial: in.Initial}
	if in.ChatID != nil {
		claims, ok := auth.FromContext(req.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		if h.store == nil {
			writeError(w, http.StatusServiceUnavailable, "Chat history is not available")
			return
		}
		msgs, err := h.store.ListMessages(req.Context(), claims.UserID, *in.ChatID)
		if err != nil {
			if errors.Is(err, chatstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Chat not found")
				return
			}
			log.Error().Err(err).Str("component", "webchat").Int64("chat_id", *in.ChatID).Msg("load chat")
			writeError(w, http.StatusInternalServerError, "Failed to load chat")
			return
		}
		if err := b.BindChat(*in.ChatID, msgs); err != nil {
			switch {
			case errors.Is(err, ErrChatMismatch):
				writeError(w, http.StatusConflict, "Session belongs to another chat")
			case errors.Is(err, ErrBuilderBusy), errors.Is(err, session.ErrBusy):
				writeError(w, http.StatusConflict, "A response is still streaming")
			default:
				log.Error().Err(err).Str("component", "webchat").Msg("bind chat")
				writeError(w, http.StatusInternalServerError, "Failed to load chat")
			}
			return
		}
		si.UserID = claims.UserID
		si.ChatID = *in.ChatID
	}

	err := b.Start(si)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "sessionId": b.ID, "modelId": b.ModelID()})
	case errors.Is(err, session.ErrDuplicateInitialPrompt):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "sessionId": b.ID})
	case errors.Is(err, ErrBuilderBusy):
		writeError(w, http.StatusConflict, "A response is still streaming")
	case errors.Is(err, session.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, "Prompt is required")
	default:
		writeError(w, http.StatusServiceUnavailable, "Session unavailable")
	}
}

// snapshot serves GET /api/builder/{sessionId}.
func (h *builderHandlers) snapshot(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodGet) {
		return
	}
	b, ok := h.builder(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

// preview serves GET /preview/{sessionId}: the srcdoc document of the live
// preview instance.
func (h *builderHandlers) preview(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodGet) {
		return
	}
	b, ok := h.builder(w, req)
	if !ok {
		return
	}
	inst := b.renderer.Current()
	var (
		doc string
		err error
	)
	if inst != nil {
		doc, err = preview.InstanceDocument(inst)
	} else {
		doc, err = preview.Document(b.sess.Code(), "")
	}
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Str("session_id", b.ID).Msg("render preview document")
		http.Error(w, "preview unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", "sandbox "+preview.SandboxAttr)
	_, _ = w.Write([]byte(doc))
}

// modelsHandler serves GET /api/models.
func modelsHandler(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":         models.All(),
		"defaultModelId": models.DefaultID,
		"storageKey":     models.StorageKey,
	})
}
