package webchat

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forge/pkg/auth"
	"github.com/go-go-golems/forge/pkg/persistence/chatstore"
)

type userView struct {
	ID    int64   `json:"id"`
	Email string  `json:"email"`
	Name  *string `json:"name"`
}

func viewUser(u chatstore.User) userView {
	return userView{ID: u.ID, Email: u.Email, Name: u.Name}
}

type credentials struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Name     *string `json:"name"`
}

type authHandlers struct {
	store  chatstore.Store
	issuer *auth.Issuer
	cookie auth.CookieOptions
}

func (h *authHandlers) ready(w http.ResponseWriter) bool {
	if h == nil || h.store == nil || h.issuer == nil {
		writeError(w, http.StatusServiceUnavailable, "Accounts are not available")
		return false
	}
	return true
}

func (h *authHandlers) signIn(w http.ResponseWriter, u chatstore.User) {
	tok, err := h.issuer.Sign(auth.Claims{UserID: u.ID, Email: u.Email, Name: u.Name})
	if err != nil {
		log.Error().Err(err).Str("component", "auth").Int64("user_id", u.ID).Msg("sign token")
		writeError(w, http.StatusInternalServerError, "Failed to sign in")
		return
	}
	auth.SetCookie(w, tok, h.cookie)
	writeJSON(w, http.StatusOK, map[string]any{"user": viewUser(u)})
}

func (h *authHandlers) signup(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodPost) || !h.ready(w) {
		return
	}
	var in credentials
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := auth.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}
	if err := auth.ValidateSignup(email, in.Password); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidEmail):
			writeError(w, http.StatusBadRequest, "Please enter a valid email address")
		default:
			writeError(w, http.StatusBadRequest, "Password must be at least 8 characters long")
		}
		return
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		in.Name = nil
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		log.Error().Err(err).Str("component", "auth").Msg("hash password")
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}
	u, err := h.store.CreateUser(req.Context(), email, hash, in.Name)
	if err != nil {
		if errors.Is(err, chatstore.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "User with this email already exists")
			return
		}
		log.Error().Err(err).Str("component", "auth").Msg("create user")
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}
	log.Info().Str("component", "auth").Int64("user_id", u.ID).Msg("account created")
	h.signIn(w, u)
}

func (h *authHandlers) login(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodPost) || !h.ready(w) {
		return
	}
	var in credentials
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := auth.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}
	u, err := h.store.GetUserByEmail(req.Context(), email)
	if err != nil && !errors.Is(err, chatstore.ErrNotFound) {
		log.Error().Err(err).Str("component", "auth").Msg("load user")
		writeError(w, http.StatusInternalServerError, "Failed to sign in")
		return
	}
	if err != nil || !auth.VerifyPassword(in.Password, u.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	h.signIn(w, u)
}

func (h *authHandlers) logout(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodPost) {
		return
	}
	auth.ClearCookie(w, h.cookie)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *authHandlers) me(w http.ResponseWriter, req *http.Request) {
	if !allowMethods(w, req, http.MethodGet) || !h.ready(w) {
		return
	}
	claims, _ := auth.FromContext(req.Context())
	u, err := h.store.GetUserByID(req.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, chatstore.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		log.Error().Err(err).Str("component", "auth").Msg("load user")
		writeError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": viewUser(u)})
}
