package cmds

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/forge/pkg/auth"
	"github.com/go-go-golems/forge/pkg/generation"
	"github.com/go-go-golems/forge/pkg/persistence/chatstore"
	"github.com/go-go-golems/forge/pkg/preview"
	"github.com/go-go-golems/forge/pkg/redisstream"
	"github.com/go-go-golems/forge/pkg/webchat"
)

type ServeSettings struct {
	Addr                 string        `mapstructure:"addr"`
	DB                   string        `mapstructure:"db"`
	JWTSecret            string        `mapstructure:"jwt-secret"`
	Production           bool          `mapstructure:"production"`
	IdleTimeoutSeconds   int           `mapstructure:"idle-timeout-seconds"`
	EvictIntervalSeconds int           `mapstructure:"evict-interval-seconds"`
	PreviewTimeout       time.Duration `mapstructure:"preview-timeout"`
	PreviewFallback      time.Duration `mapstructure:"preview-fallback"`
	GoogleAPIKey         string        `mapstructure:"google-api-key"`
	AnthropicAPIKey      string        `mapstructure:"anthropic-api-key"`
	MaxTokens            int           `mapstructure:"max-tokens"`
	Offline              bool          `mapstructure:"offline"`

	Redis redisstream.Settings `mapstructure:",squash"`
}

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the builder web UI and its API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadServeSettings(a.v)
			if err != nil {
				return err
			}
			return runServe(cmd, s)
		},
	}

	rs := redisstream.DefaultSettings()
	f := cmd.Flags()
	f.String("addr", ":8080", "HTTP listen address")
	f.String("db", "forge.db", "SQLite database file for accounts and chats")
	f.String("jwt-secret", "", "Secret signing session tokens (required with --production)")
	f.Bool("production", false, "Production mode: secure cookies, no development secret")
	f.Int("idle-timeout-seconds", int(webchat.DefaultIdleTimeout/time.Second), "Evict builder sessions without clients after this many idle seconds")
	f.Int("evict-interval-seconds", int(webchat.DefaultEvictInterval/time.Second), "Eviction sweep interval")
	f.Duration("preview-timeout", preview.DefaultRunTimeout, "Limit on one sandboxed preview run")
	f.Duration("preview-fallback", preview.DefaultFallback, "Hide the preview loading state after this long")
	f.String("google-api-key", "", "Google AI API key")
	f.String("anthropic-api-key", "", "Anthropic API key")
	f.Int("max-tokens", 8192, "Output token limit per response")
	f.Bool("offline", false, "Answer every prompt with a canned response instead of calling a provider")
	f.Bool("redis-enabled", rs.Enabled, "Publish builder frames through Redis streams")
	f.String("redis-addr", rs.Addr, "Redis address")
	f.String("redis-group", rs.Group, "Redis consumer group; use one group per process")
	f.String("redis-consumer", rs.Consumer, "Redis consumer name")
	return cmd
}

func loadServeSettings(v *viper.Viper) (ServeSettings, error) {
	for key, env := range map[string]string{
		"google-api-key":    "GOOGLE_GENERATIVE_AI_API_KEY",
		"anthropic-api-key": "ANTHROPIC_API_KEY",
		"jwt-secret":        "JWT_SECRET",
	} {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, envKey, env); err != nil {
			return ServeSettings{}, errors.Wrapf(err, "bind %s", key)
		}
	}
	var s ServeSettings
	if err := v.Unmarshal(&s); err != nil {
		return ServeSettings{}, errors.Wrap(err, "decode serve settings")
	}
	return s, nil
}

// selectBackend picks the provider backend when a key is configured and the
// offline backend otherwise.
func selectBackend(s ServeSettings) generation.Backend {
	if s.Offline || (s.GoogleAPIKey == "" && s.AnthropicAPIKey == "") {
		log.Warn().Str("component", "serve").Msg("no provider API key configured, using the offline backend")
		return generation.OfflineBackend{Delay: 20 * time.Millisecond}
	}
	return generation.NewProviderBackend(generation.ProviderConfig{
		GoogleAPIKey:    s.GoogleAPIKey,
		AnthropicAPIKey: s.AnthropicAPIKey,
		MaxTokens:       s.MaxTokens,
	})
}

func runServe(cmd *cobra.Command, s ServeSettings) error {
	ctx := cmd.Context()
	logger := log.With().Str("component", "serve").Logger()

	issuer, err := auth.NewIssuer(s.JWTSecret, s.Production)
	if err != nil {
		return err
	}
	if s.JWTSecret == "" {
		logger.Warn().Msg("using the development JWT secret")
	}

	if dir := filepath.Dir(s.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create database directory %s", dir)
		}
	}
	dsn, err := chatstore.SQLiteDSNForFile(s.DB)
	if err != nil {
		return err
	}
	store, err := chatstore.NewSQLiteStore(dsn)
	if err != nil {
		return err
	}

	bus, err := redisstream.NewBus(s.Redis)
	if err != nil {
		_ = store.Close()
		return err
	}

	srv, err := webchat.NewServer(ctx, webchat.Config{
		Addr:            s.Addr,
		Backend:         selectBackend(s),
		Store:           store,
		Issuer:          issuer,
		Production:      s.Production,
		Bus:             bus,
		IdleTimeout:     time.Duration(s.IdleTimeoutSeconds) * time.Second,
		EvictInterval:   time.Duration(s.EvictIntervalSeconds) * time.Second,
		PreviewTimeout:  s.PreviewTimeout,
		PreviewFallback: s.PreviewFallback,
	})
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return err
	}
	logger.Info().Str("addr", s.Addr).Str("db", s.DB).Bool("redis", s.Redis.Enabled).Msg("serve settings loaded")
	return srv.Run(ctx)
}
