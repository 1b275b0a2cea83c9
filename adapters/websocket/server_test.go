package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/message_broker"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/tokenizer"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/usecase"
)

type stubLlm struct {
	mu        sync.Mutex
	fragments []string
	verdict   string
}

func (s *stubLlm) setVerdict(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdict = v
}

func (s *stubLlm) Generate(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verdict, nil
}

func (s *stubLlm) setFragments(fragments []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragments = fragments
}

func (s *stubLlm) Stream(context.Context, domain.InferenceRequest) (domain.TokenStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &sliceStream{fragments: s.fragments}, nil
}

type sliceStream struct {
	fragments []string
	pos       int
}

func (s *sliceStream) Next() (string, error) {
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	s.pos++
	return s.fragments[s.pos-1], nil
}

func (s *sliceStream) Close() error { return nil }

type wsHarness struct {
	llm     *stubLlm
	svc     *usecase.ChatService
	url     string
	session string
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	llm := &stubLlm{fragments: []string{"Hi", " there", "!"}, verdict: "safe"}
	svc := usecase.NewChatService(llm,
		usecase.NewSafetyGate(llm),
		usecase.NewBudgetGuard(tokenizer.Heuristic{}, 0),
		usecase.NewSessionRegistry(""),
		usecase.ChatConfig{})
	broker := message_broker.NewChannelMessageBroker()
	t.Cleanup(func() { broker.Close() })

	server := NewServer(svc, broker)
	sess := svc.Open("")

	e := echo.New()
	e.GET("/ws", server.Handler, func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(sessionIDKey, c.QueryParam("session"))
			return next(c)
		}
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &wsHarness{
		llm:     llm,
		svc:     svc,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session=",
		session: sess.ID,
	}
}

func (h *wsHarness) dial(t *testing.T, session string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.url+session, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	domain.ChatEvent
	Messages []domain.ChatMessage `json:"messages"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebsocketChatTurn(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.session)

	snap := readFrame(t, conn)
	assert.Equal(t, domain.EventType(FrameSnapshot), snap.Type)
	assert.Len(t, snap.Messages, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    FrameChat,
		"content": "Hello",
		"params":  map[string]float64{"temperature": 0.4},
	}))

	var fragments []string
	for {
		f := readFrame(t, conn)
		if f.Type != domain.EventFragment {
			assert.Equal(t, domain.EventCompleted, f.Type)
			require.NotNil(t, f.Message)
			assert.Equal(t, "Hi there!", f.Message.Content)
			break
		}
		fragments = append(fragments, f.Fragment)
	}
	assert.Equal(t, []string{"Hi", " there", "!"}, fragments)
}

func TestWebsocketLongReplyIsDeliveredWhole(t *testing.T) {
	h := newWSHarness(t)
	fragments := make([]string, 1000)
	for i := range fragments {
		fragments[i] = fmt.Sprintf("w%d ", i)
	}
	h.llm.setFragments(fragments)

	conn := h.dial(t, h.session)
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(Inbound{Type: FrameChat, Content: "Tell me a long story"}))

	// Let the turn outrun the reader so every buffer on the way fills up.
	time.Sleep(200 * time.Millisecond)

	var got []string
	for {
		f := readFrame(t, conn)
		if f.Type != domain.EventFragment {
			require.Equal(t, domain.EventCompleted, f.Type, f.Error)
			require.NotNil(t, f.Message)
			assert.Equal(t, strings.Join(fragments, ""), f.Message.Content)
			break
		}
		got = append(got, f.Fragment)
	}
	assert.Equal(t, fragments, got)

	sess, err := h.svc.Sessions().Get(h.session)
	require.NoError(t, err)
	assert.Equal(t, usecase.StateCompleted, sess.State())
}

func TestWebsocketAbortAndReset(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.session)
	readFrame(t, conn)

	h.llm.setVerdict("unsafe\nO3")
	require.NoError(t, conn.WriteJSON(Inbound{Type: FrameChat, Content: "Hello"}))
	aborted := readFrame(t, conn)
	assert.Equal(t, domain.EventAborted, aborted.Type)
	assert.Equal(t, []string{"O3"}, aborted.Categories)

	require.NoError(t, conn.WriteJSON(Inbound{Type: FrameChat, Content: "Again"}))
	rejected := readFrame(t, conn)
	assert.Equal(t, domain.EventError, rejected.Type)
	assert.Contains(t, rejected.Error, domain.ErrConversationAborted.Error())

	require.NoError(t, conn.WriteJSON(Inbound{Type: FrameReset}))
	reset := readFrame(t, conn)
	assert.Equal(t, domain.EventReset, reset.Type)
	assert.Equal(t, "idle", reset.State)
}

func TestWebsocketRejectsBadFrames(t *testing.T) {
	h := newWSHarness(t)
	conn := h.dial(t, h.session)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, domain.EventError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Inbound{Type: "dance"}))
	f := readFrame(t, conn)
	assert.Equal(t, domain.EventError, f.Type)
	assert.Contains(t, f.Error, "dance")

	require.NoError(t, conn.WriteJSON(Inbound{Type: FrameChat, Content: "hi", Params: json.RawMessage(`{"top_p":"high"}`)}))
	f = readFrame(t, conn)
	assert.Equal(t, domain.EventError, f.Type)
	assert.Contains(t, f.Error, domain.ErrInvalidParams.Error())
}

func TestWebsocketHandshakeRejections(t *testing.T) {
	h := newWSHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.url+"missing", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn := h.dial(t, h.session)
	readFrame(t, conn)

	_, resp, err = websocket.DefaultDialer.Dial(h.url+h.session, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
