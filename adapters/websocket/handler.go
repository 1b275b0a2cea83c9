package websocket

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

// Echo context keys populated by the JWT middleware.
const (
	sessionIDKey  = "session_id"
	credentialKey = "credential"
)

// Handler serves the "/ws" endpoint for the session named in the bearer token.
func (s *Server) Handler(c echo.Context) error {
	sessionID, _ := c.Get(sessionIDKey).(string)
	credential, _ := c.Get(credentialKey).(string)

	if _, err := s.svc.Sessions().Get(sessionID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if s.hub.IsSessionConnected(sessionID) {
		return echo.NewHTTPError(http.StatusConflict, ErrSessionConnected.Error())
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, sessionID, credential, s.handleInbound)
	if err := s.hub.Register(client); err != nil {
		log.WithCtx(client.Context()).Warn("Rejecting duplicate connection", zap.Error(err))
		client.Close()
		return nil
	}
	defer s.hub.Unregister(client)

	// Drop events a previous connection left behind.
	_ = s.messageBroker.Unsubscribe(client.Context(), ChatEventsTopic, sessionID)
	events, err := s.messageBroker.Subscribe(client.Context(), ChatEventsTopic, sessionID)
	if err != nil {
		log.WithCtx(client.Context()).Error("Failed to subscribe to chat events", zap.Error(err))
		return nil
	}
	defer s.messageBroker.Unsubscribe(context.Background(), ChatEventsTopic, sessionID)

	client.Run()
	go s.forward(client, events)
	s.sendSnapshot(client)

	// Wait for the client context to be done (connection closed)
	<-client.Context().Done()

	return nil
}
