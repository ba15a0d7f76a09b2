package webchat

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/forge/pkg/auth"
	"github.com/go-go-golems/forge/pkg/generation"
	"github.com/go-go-golems/forge/pkg/persistence/chatstore"
	"github.com/go-go-golems/forge/pkg/preview"
	"github.com/go-go-golems/forge/pkg/redisstream"
)

//go:embed static/*
var staticFS embed.FS

const (
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultEvictInterval = time.Minute
)

type Config struct {
	Addr    string
	Backend generation.Backend
	// Store and Issuer are optional; without them the account and chat
	// routes answer 503.
	Store      chatstore.Store
	Issuer     *auth.Issuer
	Production bool
	Bus        *redisstream.Bus

	IdleTimeout     time.Duration
	EvictInterval   time.Duration
	PreviewTimeout  time.Duration
	PreviewFallback time.Duration
}

// Router owns the builder sessions and the HTTP routes of the web host.
type Router struct {
	cfg     Config
	manager *SessionManager
	mux     *http.ServeMux
	handler http.Handler
}

func NewRouter(ctx context.Context, cfg Config) (*Router, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("generation backend is nil")
	}
	if cfg.Bus == nil {
		cfg.Bus = redisstream.NewInMemoryBus()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.EvictInterval == 0 {
		cfg.EvictInterval = DefaultEvictInterval
	}

	m := NewSessionManager(ctx, builderDeps{
		Backend:         cfg.Backend,
		Bus:             cfg.Bus,
		Store:           cfg.Store,
		Sandbox:         preview.NewSandbox(cfg.PreviewTimeout),
		PreviewFallback: cfg.PreviewFallback,
	})
	m.SetEvictionConfig(cfg.IdleTimeout, cfg.EvictInterval)

	r := &Router{cfg: cfg, manager: m, mux: http.NewServeMux()}
	if err := r.registerHandlers(); err != nil {
		return nil, err
	}
	var h http.Handler = r.mux
	if cfg.Issuer != nil {
		h = cfg.Issuer.Middleware(h)
	}
	r.handler = h
	return r, nil
}

func (r *Router) registerHandlers() error {
	ah := &authHandlers{store: r.cfg.Store, issuer: r.cfg.Issuer, cookie: auth.CookieOptions{Secure: r.cfg.Production}}
	ch := &chatHandlers{store: r.cfg.Store}
	bh := &builderHandlers{manager: r.manager, store: r.cfg.Store}

	r.mux.HandleFunc(generation.ChatPath, generation.NewHandler(r.cfg.Backend))
	r.mux.HandleFunc("/api/models", modelsHandler)

	r.mux.HandleFunc("/api/auth/signup", ah.signup)
	r.mux.HandleFunc("/api/auth/login", ah.login)
	r.mux.HandleFunc("/api/auth/logout", ah.logout)
	r.mux.HandleFunc("/api/auth/me", auth.RequireUser(ah.me))

	r.mux.HandleFunc("/api/chats", auth.RequireUser(ch.chats))
	r.mux.HandleFunc("/api/chats/{chatId}", auth.RequireUser(ch.chat))
	r.mux.HandleFunc("/api/chats/{chatId}/messages", auth.RequireUser(ch.messages))

	r.mux.HandleFunc("/api/builder/{sessionId}", bh.snapshot)
	r.mux.HandleFunc("/api/builder/{sessionId}/submit", bh.submit)
	r.mux.HandleFunc("/preview/{sessionId}", bh.preview)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.mux.HandleFunc("/ws", NewWSHandler(r.manager, upgrader))

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return errors.Wrap(err, "static assets")
	}
	r.mux.Handle("/", http.FileServer(http.FS(staticSub)))
	return nil
}

func (r *Router) Handler() http.Handler { return r.handler }

func (r *Router) Sessions() *SessionManager { return r.manager }

func (r *Router) BuildHTTPServer() *http.Server {
	addr := r.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{
		Addr:              addr,
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Close tears down every builder session.
func (r *Router) Close() {
	r.manager.CloseAll()
}
