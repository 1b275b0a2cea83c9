package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

const (
	DefaultSafetyCadence = 50
	DefaultAbortMessage  = "I cannot answer this question."
)

const (
	OutcomeCompleted   = "completed"
	OutcomeTooLong     = "too_long"
	OutcomeUnsafe      = "unsafe"
	OutcomeUnavailable = "inference_unavailable"
	OutcomeCancelled   = "cancelled"
)

const (
	PhasePreFlight = "preflight"
	PhaseStream    = "stream"
	PhaseFinal     = "final"
)

// Metrics receives controller observations. A nil Metrics is replaced by a no-op.
type Metrics interface {
	ObserveTurn(outcome string)
	ObserveVerdict(phase string, safe bool)
	ObserveFragment()
	ObservePromptTokens(tokens int)
}

type ChatConfig struct {
	Dialect       Dialect
	SafetyCadence int
	AbortMessage  string
}

// ChatService drives a reply through Formatting, Streaming and either
// Completed or Aborted for one session at a time.
type ChatService struct {
	llm      domain.Llm
	gate     *SafetyGate
	budget   *BudgetGuard
	sessions *SessionRegistry
	cfg      ChatConfig
	metrics  Metrics
	tracer   trace.Tracer
}

type Option func(*ChatService)

func WithMetrics(m Metrics) Option {
	return func(s *ChatService) {
		if m != nil {
			s.metrics = m
		}
	}
}

func NewChatService(gen domain.Llm, gate *SafetyGate, budget *BudgetGuard, sessions *SessionRegistry, cfg ChatConfig, opts ...Option) *ChatService {
	if cfg.SafetyCadence <= 0 {
		cfg.SafetyCadence = DefaultSafetyCadence
	}
	if cfg.AbortMessage == "" {
		cfg.AbortMessage = DefaultAbortMessage
	}
	if cfg.Dialect.Name == "" {
		cfg.Dialect = Dialects["llama3"]
	}
	s := &ChatService{
		llm:      gen,
		gate:     gate,
		budget:   budget,
		sessions: sessions,
		cfg:      cfg,
		metrics:  noopMetrics{},
		tracer:   otel.Tracer("guarded-chat.usecase.chat"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ChatService) Sessions() *SessionRegistry { return s.sessions }

// Open starts a session seeded with the greeting.
func (s *ChatService) Open(credential string) *Session {
	return s.sessions.Open(credential)
}

// PreFlight moderates the seeded conversation before the first user turn is
// accepted. An unsafe verdict aborts the session without touching its messages.
func (s *ChatService) PreFlight(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	prev, err := sess.begin()
	if err != nil {
		return err
	}
	ctx = s.sessionContext(ctx, sess)

	verdict, err := s.gate.Classify(ctx, sess.Snapshot().Messages)
	if err != nil {
		sess.setState(prev)
		return err
	}
	s.metrics.ObserveVerdict(PhasePreFlight, verdict.Safe)
	if !verdict.Safe {
		log.WithCtx(ctx).Warn("pre-flight moderation flagged conversation", zap.Strings("categories", verdict.Categories))
		sess.abort(s.cfg.AbortMessage, verdict.Categories)
		s.metrics.ObserveTurn(OutcomeUnsafe)
		return verdict.Err()
	}
	sess.setState(prev)
	return nil
}

// Submit appends a user turn and generates the reply to it.
func (s *ChatService) Submit(ctx context.Context, sessionID, content string, params domain.GenerationParams, sink domain.EventSink) error {
	if strings.TrimSpace(content) == "" {
		return domain.ErrEmptyMessage
	}
	if err := params.Validate(); err != nil {
		return err
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	prev, err := sess.begin()
	if err != nil {
		return err
	}
	_ = sess.withConversation(func(c *Conversation) error {
		c.Append(domain.ChatMessage{Role: domain.UserRole, Content: content})
		return nil
	})
	return s.generate(s.sessionContext(ctx, sess), sess, prev, params, sink)
}

// Execute generates a reply when the last message is a pending user turn.
// It is a no-op otherwise.
func (s *ChatService) Execute(ctx context.Context, sessionID string, params domain.GenerationParams, sink domain.EventSink) error {
	if err := params.Validate(); err != nil {
		return err
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	prev, err := sess.begin()
	if err != nil {
		return err
	}
	return s.generate(s.sessionContext(ctx, sess), sess, prev, params, sink)
}

// Reset reinitializes the conversation to the greeting and leaves Aborted.
func (s *ChatService) Reset(ctx context.Context, sessionID string) (SessionSnapshot, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	if err := sess.reset(); err != nil {
		return SessionSnapshot{}, err
	}
	log.WithCtx(s.sessionContext(ctx, sess)).Info("conversation reset")
	return sess.Snapshot(), nil
}

func (s *ChatService) sessionContext(ctx context.Context, sess *Session) context.Context {
	ctx = log.WithSession(ctx, sess.ID)
	return domain.WithCredential(ctx, sess.Credential)
}

func (s *ChatService) generate(ctx context.Context, sess *Session, prev State, params domain.GenerationParams, sink domain.EventSink) error {
	ctx, span := s.tracer.Start(ctx, "chat.generate", trace.WithAttributes(attribute.String("session.id", sess.ID)))
	defer span.End()

	var history []domain.ChatMessage
	pending := false
	_ = sess.withConversation(func(c *Conversation) error {
		pending = c.PendingUserTurn()
		history = c.Messages()
		return nil
	})
	if !pending {
		sess.setState(prev)
		return nil
	}

	prompt := s.cfg.Dialect.Format(history)
	tokens, err := s.budget.Check(prompt)
	s.metrics.ObservePromptTokens(tokens)
	if err != nil {
		notice := fmt.Sprintf("Conversation length too long. Please keep it under %d tokens.", s.budget.Ceiling())
		sess.abort(notice, nil)
		log.WithCtx(ctx).Warn("token budget exceeded", zap.Int("tokens", tokens), zap.Int("ceiling", s.budget.Ceiling()))
		s.metrics.ObserveTurn(OutcomeTooLong)
		span.RecordError(err)
		s.emit(ctx, sink, domain.ChatEvent{Type: domain.EventAborted, SessionID: sess.ID, State: StateAborted.String(), Error: notice})
		return err
	}

	stream, err := s.llm.Stream(ctx, domain.InferenceRequest{
		Prompt:         prompt,
		PromptTemplate: s.cfg.Dialect.Template(),
		Params:         params,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrInferenceUnavailable, err)
		span.RecordError(err)
		return s.failTurn(ctx, sess, false, sink, err)
	}
	defer stream.Close()

	sess.setState(StateStreaming)
	log.WithCtx(ctx).Debug("streaming reply", zap.Int("prompt_tokens", tokens), zap.String("dialect", s.cfg.Dialect.Name))

	opened := false
	for i := 0; ; i++ {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", domain.ErrInferenceUnavailable, err)
			span.RecordError(err)
			_ = stream.Close()
			return s.failTurn(ctx, sess, opened, sink, err)
		}

		if i%s.cfg.SafetyCadence == 0 {
			if err := s.moderate(ctx, sess, PhaseStream, opened, stream, sink); err != nil {
				span.RecordError(err)
				return err
			}
		}

		_ = sess.withConversation(func(c *Conversation) error {
			if !opened {
				c.Append(domain.ChatMessage{Role: domain.AssistantRole, Content: fragment})
				return nil
			}
			return c.Extend(fragment)
		})
		opened = true
		s.metrics.ObserveFragment()

		if err := s.emit(ctx, sink, domain.ChatEvent{Type: domain.EventFragment, SessionID: sess.ID, Fragment: fragment}); err != nil {
			_ = stream.Close()
			span.RecordError(err)
			return s.failTurn(ctx, sess, opened, nil, fmt.Errorf("deliver fragment: %w", err))
		}
	}

	if err := s.moderate(ctx, sess, PhaseFinal, opened, stream, sink); err != nil {
		span.RecordError(err)
		return err
	}

	if !opened {
		// An empty stream still ends the turn with an (empty) assistant reply.
		_ = sess.withConversation(func(c *Conversation) error {
			c.Append(domain.ChatMessage{Role: domain.AssistantRole})
			return nil
		})
	}
	sess.setState(StateCompleted)
	s.metrics.ObserveTurn(OutcomeCompleted)

	reply := sess.Snapshot()
	last := reply.Messages[len(reply.Messages)-1]
	s.emit(ctx, sink, domain.ChatEvent{Type: domain.EventCompleted, SessionID: sess.ID, State: StateCompleted.String(), Message: &last})
	return nil
}

// moderate runs the safety gate on the conversation so far. It aborts the
// session on an unsafe verdict and fails the turn when moderation is unreachable.
func (s *ChatService) moderate(ctx context.Context, sess *Session, phase string, opened bool, stream domain.TokenStream, sink domain.EventSink) error {
	verdict, err := s.gate.Classify(ctx, sess.Snapshot().Messages)
	if err != nil {
		_ = stream.Close()
		return s.failTurn(ctx, sess, opened, sink, err)
	}
	s.metrics.ObserveVerdict(phase, verdict.Safe)
	if verdict.Safe {
		return nil
	}

	_ = stream.Close()
	notice := s.cfg.AbortMessage
	var noticeMsg domain.ChatMessage
	_ = sess.withConversation(func(c *Conversation) error {
		if opened && c.Last().Role == domain.AssistantRole && c.Last().Content == "" {
			_ = c.Extend(notice)
		} else {
			c.Append(domain.ChatMessage{Role: domain.AssistantRole, Content: notice})
		}
		noticeMsg = c.Last()
		return nil
	})
	sess.abort(notice, verdict.Categories)
	s.metrics.ObserveTurn(OutcomeUnsafe)
	log.WithCtx(ctx).Warn("moderation aborted conversation",
		zap.String("phase", phase),
		zap.Strings("categories", verdict.Categories))

	s.emit(ctx, sink, domain.ChatEvent{
		Type:       domain.EventAborted,
		SessionID:  sess.ID,
		State:      StateAborted.String(),
		Message:    &noticeMsg,
		Error:      notice,
		Categories: verdict.Categories,
	})
	return verdict.Err()
}

// failTurn abandons the current turn without corrupting the conversation:
// a partially streamed reply is dropped so the user turn is pending again.
func (s *ChatService) failTurn(ctx context.Context, sess *Session, opened bool, sink domain.EventSink, err error) error {
	if opened {
		_ = sess.withConversation(func(c *Conversation) error {
			c.DropTrailingAssistant()
			return nil
		})
	}
	sess.setState(StateIdle)

	outcome := OutcomeUnavailable
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		outcome = OutcomeCancelled
	}
	s.metrics.ObserveTurn(outcome)
	log.WithCtx(ctx).Error("turn failed", zap.String("outcome", outcome), zap.Error(err))

	s.emit(ctx, sink, domain.ChatEvent{Type: domain.EventError, SessionID: sess.ID, State: StateIdle.String(), Error: err.Error()})
	return err
}

func (s *ChatService) emit(ctx context.Context, sink domain.EventSink, event domain.ChatEvent) error {
	if sink == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return sink(ctx, event)
}

type noopMetrics struct{}

func (noopMetrics) ObserveTurn(string)          {}
func (noopMetrics) ObserveVerdict(string, bool) {}
func (noopMetrics) ObserveFragment()            {}
func (noopMetrics) ObservePromptTokens(int)     {}
