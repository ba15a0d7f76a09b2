// Package session runs one builder conversation: it sends the transcript to the
// generation backend, feeds every chunk through the extractor and publishes
// changed code to the preview.
//
// A Session moves idle -> submitted -> streaming -> settled for every turn and
// refuses a second submit while a stream is outstanding.
package session

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/forge/pkg/extract"
	"github.com/go-go-golems/forge/pkg/generation"
	"github.com/go-go-golems/forge/pkg/models"
	"github.com/go-go-golems/forge/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateIdle State = iota
	StateSubmitted
	StateStreaming
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitted:
		return "submitted"
	case StateStreaming:
		return "streaming"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// MarshalText makes states readable in JSON frames.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrEmptyPrompt            = errors.New("prompt is empty")
	ErrBusy                   = errors.New("a response is still streaming")
	ErrDuplicateInitialPrompt = errors.New("initial prompt already submitted")
	ErrTransport              = errors.New("generation request failed")
)

// TransportError is returned when the backend failed before the first chunk.
// It matches ErrTransport with errors.Is.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return ErrTransport.Error() + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// CodePublisher receives every new code string, in detection order.
type CodePublisher interface {
	Publish(code string)
}

type CodePublisherFunc func(code string)

func (f CodePublisherFunc) Publish(code string) { f(code) }

// Update describes the assistant turn after one chunk.
type Update struct {
	TurnID      string           `json:"turnId"`
	Text        string           `json:"text"`
	Document    extract.Document `json:"document"`
	CodeChanged bool             `json:"codeChanged"`
	Final       bool             `json:"final"`
	Interrupted bool             `json:"interrupted,omitempty"`
}

// Observer is called synchronously from Submit, in order.
type Observer interface {
	StateChanged(sessionID string, state State)
	Updated(sessionID string, u Update)
}

// Result is returned once a turn settled.
type Result struct {
	UserTurn      transcript.Turn
	AssistantTurn transcript.Turn
	Document      extract.Document
	Interrupted   bool
	Chunks        int
}

type Config struct {
	ID         string
	Backend    generation.Backend
	Transcript *transcript.Store
	// Model is read at request time; nil means the default model.
	Model     func() string
	Publisher CodePublisher
	Observer  Observer
	// Guard is shared by every session of one host view.
	Guard *PromptGuard
	// InitialCode is treated as already displayed.
	InitialCode string
}

type Session struct {
	id         string
	backend    generation.Backend
	transcript *transcript.Store
	model      func() string
	publisher  CodePublisher
	observer   Observer
	guard      *PromptGuard
	logger     zerolog.Logger

	mu      sync.Mutex
	state   State
	code    string
	lastDoc extract.Document
}

func New(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session backend is nil")
	}
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("session id is empty")
	}
	store := cfg.Transcript
	if store == nil {
		store = transcript.NewStore()
	}
	guard := cfg.Guard
	if guard == nil {
		guard = NewPromptGuard()
	}
	return &Session{
		id:         cfg.ID,
		backend:    cfg.Backend,
		transcript: store,
		model:      cfg.Model,
		publisher:  cfg.Publisher,
		observer:   cfg.Observer,
		guard:      guard,
		code:       cfg.InitialCode,
		logger:     log.With().Str("component", "session").Str("session_id", cfg.ID).Logger(),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a stream is outstanding.
func (s *Session) Busy() bool {
	st := s.State()
	return st == StateSubmitted || st == StateStreaming
}

// Code is the code string currently displayed by the preview.
func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Document is the last extracted document.
func (s *Session) Document() extract.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDoc
}

func (s *Session) Transcript() *transcript.Store { return s.transcript }

func (s *Session) Guard() *PromptGuard { return s.guard }

// SubmitInitial submits an auto-triggered prompt once per guard.
func (s *Session) SubmitInitial(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyPrompt
	}
	if !s.guard.Claim(text) {
		s.logger.Debug().Msg("duplicate initial prompt ignored")
		return Result{}, ErrDuplicateInitialPrompt
	}
	return s.Submit(ctx, text)
}

// Submit runs one exchange to completion.
func (s *Session) Submit(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyPrompt
	}
	if err := s.begin(); err != nil {
		return Result{}, err
	}

	userTurn := s.transcript.AppendUser(text)
	modelID := models.DefaultID
	if s.model != nil {
		modelID = models.Resolve(s.model()).ID
	}
	logger := s.logger.With().Str("model_id", modelID).Str("turn_id", userTurn.ID).Logger()
	req := generation.Request{
		Messages: generation.FromTurns(s.transcript.Turns()),
		ModelID:  modelID,
	}

	stream, err := s.backend.Stream(ctx, req)
	if err != nil {
		return Result{}, s.failBeforeFirstChunk(logger, userTurn, err)
	}
	defer func() { _ = stream.Close() }()

	var (
		active *transcript.Active
		doc    extract.Document
		chunks int
	)
	for {
		chunk, err := stream.Recv()
		if err != nil {
			interrupted := !errors.Is(err, io.EOF)
			if active == nil {
				if interrupted {
					return Result{}, s.failBeforeFirstChunk(logger, userTurn, err)
				}
				// An empty stream still settles with an empty assistant turn.
				var beginErr error
				if active, beginErr = s.transcript.BeginAssistant(); beginErr != nil {
					return Result{}, s.failBeforeFirstChunk(logger, userTurn, beginErr)
				}
			}
			if interrupted {
				logger.Warn().Err(err).Int("chunks", chunks).Msg("stream broke, keeping partial response")
			}
			return s.settle(logger, userTurn, active, doc, chunks, interrupted), nil
		}

		if active == nil {
			active, err = s.transcript.BeginAssistant()
			if err != nil {
				return Result{}, s.failBeforeFirstChunk(logger, userTurn, err)
			}
			s.setState(StateStreaming)
			logger.Debug().Str("assistant_turn_id", active.ID()).Msg("stream started")
		}
		if err := active.Append(chunk); err != nil {
			logger.Error().Err(err).Msg("append chunk")
			return s.settle(logger, userTurn, active, doc, chunks, true), nil
		}
		chunks++
		full := active.Text()
		doc = extract.Extract(full)
		changed := s.applyDocument(doc)
		s.emit(Update{TurnID: active.ID(), Text: full, Document: doc, CodeChanged: changed})
	}
}

// Restore appends previously stored messages and shows the code of the last
// assistant message. It fails while a stream is outstanding.
func (s *Session) Restore(msgs []generation.Message) error {
	if err := s.begin(); err != nil {
		return err
	}
	var last string
	for _, m := range msgs {
		switch m.Role {
		case transcript.RoleUser:
			s.transcript.AppendUser(m.Content)
		case transcript.RoleAssistant:
			if _, err := s.transcript.AppendAssistant(m.Content); err != nil {
				s.setState(StateIdle)
				return err
			}
			last = m.Content
		}
	}
	if last != "" {
		s.applyDocument(extract.Extract(last))
	}
	if s.transcript.Len() > 0 {
		s.setState(StateSettled)
	} else {
		s.setState(StateIdle)
	}
	return nil
}

func (s *Session) begin() error {
	s.mu.Lock()
	if s.state == StateSubmitted || s.state == StateStreaming {
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateSubmitted
	s.mu.Unlock()
	s.notifyState(StateSubmitted)
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

// applyDocument records doc and publishes its code when it is non-empty and
// differs from what is displayed.
func (s *Session) applyDocument(doc extract.Document) bool {
	code := doc.CodeString()
	s.mu.Lock()
	s.lastDoc = doc
	changed := code != "" && code != s.code
	if changed {
		s.code = code
	}
	s.mu.Unlock()
	if changed && s.publisher != nil {
		s.publisher.Publish(code)
	}
	return changed
}

func (s *Session) failBeforeFirstChunk(logger zerolog.Logger, userTurn transcript.Turn, cause error) error {
	if err := s.transcript.RollbackUser(userTurn.ID); err != nil {
		logger.Warn().Err(err).Msg("rollback user turn")
	}
	logger.Error().Err(cause).Msg("generation request failed")
	s.setState(StateIdle)
	return &TransportError{Err: cause}
}

func (s *Session) settle(logger zerolog.Logger, userTurn transcript.Turn, active *transcript.Active, doc extract.Document, chunks int, interrupted bool) Result {
	turn := active.Freeze()
	s.setState(StateSettled)
	s.emit(Update{TurnID: turn.ID, Text: turn.Text(), Document: doc, Final: true, Interrupted: interrupted})
	logger.Info().
		Int("chunks", chunks).
		Int("chars", len(turn.Text())).
		Bool("structured", doc.HasStructure()).
		Bool("has_code", doc.Code != nil).
		Bool("interrupted", interrupted).
		Msg("turn settled")
	return Result{
		UserTurn:      userTurn,
		AssistantTurn: turn,
		Document:      doc,
		Interrupted:   interrupted,
		Chunks:        chunks,
	}
}

func (s *Session) notifyState(st State) {
	if s.observer != nil {
		s.observer.StateChanged(s.id, st)
	}
}

func (s *Session) emit(u Update) {
	if s.observer != nil {
		s.observer.Updated(s.id, u)
	}
}
