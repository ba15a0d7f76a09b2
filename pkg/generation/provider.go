package generation

import (
	"context"
	"io"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-go-golems/forge/pkg/grammar"
	"github.com/go-go-golems/forge/pkg/models"
	"github.com/go-go-golems/forge/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// ChatModelFactory builds a streaming chat model for one table entry.
type ChatModelFactory func(ctx context.Context, m models.Model) (model.BaseChatModel, error)

type ProviderConfig struct {
	GoogleAPIKey    string
	AnthropicAPIKey string
	MaxTokens       int
	// SystemPrompt overrides grammar.SystemPrompt when set.
	SystemPrompt string
	// Factories replaces the built-in provider table entries it names.
	Factories map[models.Provider]ChatModelFactory
}

// ProviderBackend dispatches a request to the provider of the resolved model.
type ProviderBackend struct {
	factories    map[models.Provider]ChatModelFactory
	systemPrompt string
}

func NewProviderBackend(cfg ProviderConfig) *ProviderBackend {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	factories := map[models.Provider]ChatModelFactory{
		models.ProviderGoogle:    geminiFactory(cfg.GoogleAPIKey, maxTokens),
		models.ProviderAnthropic: claudeFactory(cfg.AnthropicAPIKey, maxTokens),
	}
	for p, f := range cfg.Factories {
		factories[p] = f
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = grammar.SystemPrompt()
	}
	return &ProviderBackend{factories: factories, systemPrompt: prompt}
}

func geminiFactory(apiKey string, maxTokens int) ChatModelFactory {
	return func(ctx context.Context, m models.Model) (model.BaseChatModel, error) {
		if apiKey == "" {
			return nil, errors.New("google api key is not configured")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create genai client")
		}
		cfg := &gemini.Config{
			Client:    client,
			Model:     m.ProviderModel,
			MaxTokens: &maxTokens,
		}
		if m.Thinking {
			cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
		}
		cm, err := gemini.NewChatModel(ctx, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "create gemini chat model")
		}
		return cm, nil
	}
}

func claudeFactory(apiKey string, maxTokens int) ChatModelFactory {
	return func(ctx context.Context, m models.Model) (model.BaseChatModel, error) {
		if apiKey == "" {
			return nil, errors.New("anthropic api key is not configured")
		}
		cm, err := claude.NewChatModel(ctx, &claude.Config{
			APIKey:    apiKey,
			Model:     m.ProviderModel,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create claude chat model")
		}
		return cm, nil
	}
}

// Stream resolves the model, prepends the system prompt and opens a provider
// stream. An unknown selector falls back to the default model, and a provider
// without a factory falls back to the default model's provider.
func (b *ProviderBackend) Stream(ctx context.Context, req Request) (Stream, error) {
	if b == nil || b.factories == nil {
		return nil, errors.New("provider backend is not initialized")
	}
	m := models.Resolve(req.ModelID)
	factory, ok := b.factories[m.Provider]
	if !ok {
		m = models.Default()
		factory, ok = b.factories[m.Provider]
		if !ok {
			return nil, errors.Errorf("no provider registered for %s", m.Provider)
		}
	}

	cm, err := factory(ctx, m)
	if err != nil {
		return nil, err
	}

	input := b.buildInput(req.Messages)
	log.Debug().
		Str("component", "generation").
		Str("model_id", m.ID).
		Str("provider", string(m.Provider)).
		Int("messages", len(input)).
		Int("estimated_tokens", EstimateMessagesTokens(req.Messages)+EstimateTokens(b.systemPrompt)).
		Msg("opening provider stream")

	reader, err := cm.Stream(ctx, input)
	if err != nil {
		return nil, errors.Wrapf(err, "stream from %s", m.ID)
	}
	if reader == nil {
		return nil, errors.New("provider returned nil stream reader")
	}
	return &einoStream{reader: reader, modelID: m.ID}, nil
}

func (b *ProviderBackend) buildInput(msgs []Message) []*schema.Message {
	input := make([]*schema.Message, 0, len(msgs)+1)
	input = append(input, schema.SystemMessage(b.systemPrompt))
	for _, msg := range msgs {
		switch msg.Role {
		case transcript.RoleUser:
			input = append(input, schema.UserMessage(msg.Content))
		case transcript.RoleAssistant:
			input = append(input, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return input
}

type einoStream struct {
	reader  *schema.StreamReader[*schema.Message]
	modelID string
}

func (s *einoStream) Recv() (string, error) {
	for {
		msg, err := s.reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", errors.Wrapf(err, "recv from %s", s.modelID)
		}
		if msg == nil {
			continue
		}
		if msg.ReasoningContent != "" {
			log.Trace().Str("component", "generation").Str("model_id", s.modelID).Int("len", len(msg.ReasoningContent)).Msg("reasoning chunk")
		}
		if msg.Content == "" {
			continue
		}
		return msg.Content, nil
	}
}

func (s *einoStream) Close() error {
	s.reader.Close()
	return nil
}
