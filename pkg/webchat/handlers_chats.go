package webchat

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forge/pkg/auth"
	"github.com/go-go-golems/forge/pkg/models"
	"github.com/go-go-golems/forge/pkg/persistence/chatstore"
	"github.com/go-go-golems/forge/pkg/transcript"
)

type chatHandlers struct {
	store chatstore.Store
}

func (h *chatHandlers) ready(w http.ResponseWriter) bool {
	if h == nil || h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "Chat history is not available")
		return false
	}
	return true
}

func chatLogger(req *http.Request) zerolog.Logger {
	c, _ := auth.FromContext(req.Context())
	return log.With().Str("component", "chats").Int64("user_id", c.UserID).Logger()
}

// chats serves GET and POST /api/chats.
func (h *chatHandlers) chats(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodGet, http.MethodPost) || !h.ready(w) {
		return
	}
	claims, _ := auth.FromContext(req.Context())
	if req.Method == http.MethodGet {
		chats, err := h.store.ListChats(req.Context(), claims.UserID)
		if err != nil {
			chatLogger(req).Error().Err(err).Msg("list chats")
			writeError(w, http.StatusInternalServerError, "Failed to get chats")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
		return
	}

	var in struct {
		Title   string `json:"title"`
		ModelID string `json:"modelId"`
	}
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var modelID *string
	if id := strings.TrimSpace(in.ModelID); id != "" {
		resolved := models.Resolve(id).ID
		modelID = &resolved
	}
	chat, err := h.store.CreateChat(req.Context(), claims.UserID, in.Title, modelID)
	if err != nil {
		chatLogger(req).Error().Err(err).Msg("create chat")
		writeError(w, http.StatusInternalServerError, "Failed to create chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": chat})
}

// chat serves GET, PATCH and DELETE /api/chats/{chatId}.
func (h *chatHandlers) chat(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodGet, http.MethodPatch, http.MethodDelete) || !h.ready(w) {
		return
	}
	chatID, ok := parseChatID(req.PathValue("chatId"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid chat ID")
		return
	}
	claims, _ := auth.FromContext(req.Context())
	logger := chatLogger(req).With().Int64("chat_id", chatID).Logger()
	ctx := req.Context()

	switch req.Method {
	case http.MethodGet:
		chat, err := h.store.GetChat(ctx, claims.UserID, chatID)
		if err != nil {
			h.fail(w, logger, err, "Failed to get chat")
			return
		}
		msgs, err := h.store.ListMessages(ctx, claims.UserID, chatID)
		if err != nil {
			h.fail(w, logger, err, "Failed to get chat")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chat": chat, "messages": msgs})

	case http.MethodPatch:
		var in struct {
			Title string `json:"title"`
		}
		if err := decodeJSON(req, &in); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if strings.TrimSpace(in.Title) == "" {
			writeError(w, http.StatusBadRequest, "Title is required")
			return
		}
		chat, err := h.store.UpdateChatTitle(ctx, claims.UserID, chatID, in.Title)
		if err != nil {
			h.fail(w, logger, err, "Failed to update chat")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chat": chat})

	case http.MethodDelete:
		if err := h.store.DeleteChat(ctx, claims.UserID, chatID); err != nil {
			h.fail(w, logger, err, "Failed to delete chat")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// messages serves POST /api/chats/{chatId}/messages.
func (h *chatHandlers) messages(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodPost) || !h.ready(w) {
		return
	}
	chatID, ok := parseChatID(req.PathValue("chatId"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid chat ID")
		return
	}
	claims, _ := auth.FromContext(req.Context())
	logger := chatLogger(req).With().Int64("chat_id", chatID).Logger()

	if _, err := h.store.GetChat(req.Context(), claims.UserID, chatID); err != nil {
		h.fail(w, logger, err, "Failed to add message")
		return
	}
	var in struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if in.Role == "" || in.Content == "" {
		writeError(w, http.StatusBadRequest, "Role and content are required")
		return
	}
	if in.Role != string(transcript.RoleUser) && in.Role != string(transcript.RoleAssistant) {
		writeError(w, http.StatusBadRequest, "Invalid role")
		return
	}
	msg, err := h.store.AddMessage(req.Context(), claims.UserID, chatID, in.Role, in.Content)
	if err != nil {
		h.fail(w, logger, err, "Failed to add message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (h *chatHandlers) fail(w http.ResponseWriter, logger zerolog.Logger, err error, msg string) {
	if errors.Is(err, chatstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	logger.Error().Err(err).Msg(strings.ToLower(msg))
	writeError(w, http.StatusInternalServerError, msg)
}
