package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/usecase"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

const (
	ChatEventsTopic = "chat.events"
)

type Server struct {
	upgrader      websocket.Upgrader
	svc           *usecase.ChatService
	messageBroker domain.MessageBroker
	hub           *Hub
}

type snapshotFrame struct {
	Type string `json:"type"`
	usecase.SessionSnapshot
}

func NewServer(svc *usecase.ChatService, messageBroker domain.MessageBroker) *Server {
	return &Server{
		upgrader:      websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		svc:           svc,
		messageBroker: messageBroker,
		hub:           NewHub(),
	}
}

// GetHub returns the registry of live connections.
func (s *Server) GetHub() *Hub {
	return s.hub
}

// sendTo writes a frame straight to the session's connection. Replies that
// belong to no turn skip the broker.
func (s *Server) sendTo(sessionID string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.With(zap.String("session_id", sessionID)).Error("Failed to marshal frame", zap.Error(err))
		return
	}
	if err := s.hub.SendToSession(sessionID, payload); err != nil {
		log.With(zap.String("session_id", sessionID)).Debug("Dropped frame", zap.Error(err))
	}
}

// publisher returns the sink chat turns of a session report to. Events go
// through the broker so the connection's forwarder delivers them in order.
func (s *Server) publisher(sessionID string) domain.EventSink {
	return func(ctx context.Context, event domain.ChatEvent) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal chat event: %w", err)
		}
		return s.messageBroker.Publish(ctx, ChatEventsTopic, sessionID, payload)
	}
}

// forward relays a session's broker messages to its client until the
// subscription is closed.
func (s *Server) forward(client *Client, messages <-chan domain.Message) {
	for msg := range messages {
		if err := client.SendMessage(msg.Payload); err != nil {
			log.WithCtx(client.ctx).Debug("Stopped forwarding chat events", zap.Error(err))
			return
		}
	}
}

func (s *Server) handleInbound(ctx context.Context, client *Client, msg Inbound) {
	id := client.SessionID()
	switch msg.Type {
	case FrameChat, FrameExecute:
		params, err := decodeParams(msg.Params)
		if err != nil {
			s.sendTo(id, errorFrame(id, err.Error()))
			return
		}
		// Turns run off the read loop so pings and further frames are still
		// served; a second turn on the same session is refused as busy.
		go s.runTurn(ctx, client, func(sink domain.EventSink) error {
			if msg.Type == FrameExecute {
				return s.svc.Execute(ctx, id, params, sink)
			}
			return s.svc.Submit(ctx, id, msg.Content, params, sink)
		})

	case FrameReset:
		snap, err := s.svc.Reset(ctx, id)
		if err != nil {
			s.sendTo(id, errorFrame(id, err.Error()))
			return
		}
		if err := s.publisher(id)(ctx, domain.ChatEvent{
			Type:      domain.EventReset,
			SessionID: id,
			State:     snap.State,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			log.WithCtx(ctx).Error("Failed to publish reset", zap.Error(err))
		}

	case FrameSnapshot:
		s.sendSnapshot(client)

	default:
		s.sendTo(id, errorFrame(id, "unknown frame type: "+msg.Type))
	}
}

func (s *Server) runTurn(ctx context.Context, client *Client, turn func(domain.EventSink) error) {
	var emitted atomic.Bool
	publish := s.publisher(client.SessionID())
	err := turn(func(ctx context.Context, event domain.ChatEvent) error {
		emitted.Store(true)
		return publish(ctx, event)
	})
	if err != nil && !emitted.Load() {
		// Rejected before the controller reported anything, e.g. busy or aborted.
		s.sendTo(client.SessionID(), errorFrame(client.SessionID(), err.Error()))
	}
	if err != nil {
		log.WithCtx(ctx).Debug("Turn ended with error", zap.Error(err))
	}
}

func (s *Server) sendSnapshot(client *Client) {
	sess, err := s.svc.Sessions().Get(client.SessionID())
	if err != nil {
		s.sendTo(client.SessionID(), errorFrame(client.SessionID(), err.Error()))
		return
	}
	s.sendTo(client.SessionID(), snapshotFrame{Type: FrameSnapshot, SessionSnapshot: sess.Snapshot()})
}

func decodeParams(raw json.RawMessage) (domain.GenerationParams, error) {
	params := domain.DefaultGenerationParams()
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("%w: %w", domain.ErrInvalidParams, err)
	}
	return params, nil
}

func errorFrame(sessionID, message string) domain.ChatEvent {
	return domain.ChatEvent{
		Type:      domain.EventError,
		SessionID: sessionID,
		Error:     message,
		Timestamp: time.Now().UTC(),
	}
}
