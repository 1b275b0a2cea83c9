// Command chat-replica is a terminal client for the guarded chat server. It
// opens a session, then chats over the websocket (default) or the NDJSON
// HTTP endpoint.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	httpadapter "github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/http"
	wsadapter "github.com/satriahrh/cocoa-fruit/guarded-chat/adapters/websocket"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
	"github.com/satriahrh/cocoa-fruit/guarded-chat/utils/log"
)

func main() {
	gotenv.Load()
	defer log.Sync()

	baseURL := flag.String("server", envOr("CHAT_SERVER", "http://localhost:8080"), "chat server base URL")
	useHTTP := flag.Bool("http", false, "stream replies over HTTP instead of the websocket")
	flag.Parse()

	logger := log.With(zap.String("server", *baseURL))

	token, err := openSession(*baseURL, os.Getenv("REPLICATE_API_TOKEN"))
	if err != nil {
		logger.Fatal("Failed to open session", zap.Error(err))
	}
	fmt.Printf("Session %s (%s)\n", token.Session.ID, token.Session.State)
	for _, m := range token.Session.Messages {
		fmt.Printf("%s: %s\n", m.Role, m.Content)
	}

	var send func(line string) error
	if *useHTTP {
		send = func(line string) error { return sendHTTP(*baseURL, token.Token, line) }
	} else {
		conn, err := dial(*baseURL, token.Token)
		if err != nil {
			logger.Fatal("Failed to connect to server", zap.Error(err))
		}
		defer conn.Close()
		go printFrames(conn)
		send = func(line string) error { return sendFrame(conn, line) }
	}

	// Set up a signal handler to gracefully shut down on interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		os.Exit(0)
	}()

	reader := bufio.NewReader(os.Stdin)
	fmt.Println("Type a message, /reset to start over, /retry to regenerate, exit to quit.")
	for {
		fmt.Print("> ")
		text, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimSpace(text)
		if line == "exit" {
			return
		}
		if line == "" {
			continue
		}
		if err := send(line); err != nil {
			logger.Error("Error sending message", zap.Error(err))
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openSession(baseURL, apiToken string) (*httpadapter.TokenResponse, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/auth/token", nil)
	if err != nil {
		return nil, err
	}
	if apiToken != "" {
		req.Header.Set(httpadapter.APITokenHeader, apiToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with %d: %s", resp.StatusCode, body)
	}
	var token httpadapter.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, err
	}
	return &token, nil
}

func dial(baseURL, jwt string) (*websocket.Conn, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+jwt)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	return conn, err
}

func sendFrame(conn *websocket.Conn, line string) error {
	frame := wsadapter.Inbound{Type: wsadapter.FrameChat, Content: line}
	switch line {
	case "/reset":
		frame = wsadapter.Inbound{Type: wsadapter.FrameReset}
	case "/retry":
		frame = wsadapter.Inbound{Type: wsadapter.FrameExecute}
	}
	return conn.WriteJSON(frame)
}

func printFrames(conn *websocket.Conn) {
	for {
		var event domain.ChatEvent
		if err := conn.ReadJSON(&event); err != nil {
			fmt.Println("\nConnection closed:", err)
			os.Exit(0)
		}
		printEvent(event)
	}
}

func sendHTTP(baseURL, jwt, line string) error {
	path, body := "/api/v1/chat/messages", []byte(nil)
	switch line {
	case "/reset":
		path = "/api/v1/chat/reset"
	case "/retry":
		path = "/api/v1/chat/execute"
	default:
		body, _ = json.Marshal(httpadapter.MessageRequest{Content: line, Params: domain.DefaultGenerationParams()})
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		fmt.Println("(nothing to do)")
		return nil
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(resp.Body)
		fmt.Printf("[%d] %s\n", resp.StatusCode, strings.TrimSpace(string(msg)))
		return nil
	case path == "/api/v1/chat/reset":
		fmt.Println("[conversation reset]")
		return nil
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var event domain.ChatEvent
		if err := json.Unmarshal(sc.Bytes(), &event); err != nil {
			return err
		}
		printEvent(event)
	}
	return sc.Err()
}

func printEvent(event domain.ChatEvent) {
	switch event.Type {
	case domain.EventFragment:
		fmt.Print(event.Fragment)
	case domain.EventCompleted:
		fmt.Println()
	case domain.EventAborted:
		fmt.Printf("\n[aborted] %s %v\n", event.Error, event.Categories)
	case domain.EventReset:
		fmt.Println("[conversation reset]")
	case domain.EventError:
		fmt.Printf("\n[error] %s\n", event.Error)
	default:
		// snapshot frames carry state only
		if event.State != "" {
			fmt.Printf("[%s] %s\n", event.Type, event.State)
		}
	}
}
