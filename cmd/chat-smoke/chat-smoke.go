// Package main provides a CI-friendly smoke test for the educhat client
// against a live broker and API.
//
// It validates:
//   - STOMP session establishment over WebSocket
//   - channel subscription on the user's destination
//   - live send and echo delivery
//   - fallback send while disconnected
//   - no duplicate entries once the connection is restored
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"educhat/cmd/internal/backend"
	"educhat/cmd/internal/chat"
	"educhat/cmd/security/token"
	v1 "educhat/shared/contracts/chat/v1"
)

func main() {
	var (
		apiURL    = flag.String("api", "http://127.0.0.1:8080", "API base URL")
		brokerURL = flag.String("broker", "ws://127.0.0.1:8080/ws", "Broker WebSocket URL")
		userID    = flag.String("user", "", "User id whose channel is subscribed")
		chatID    = flag.String("chat", "", "Chat id to send to")
		tokenEnv  = flag.String("token-env", token.EnvKey, "Env var holding the bearer token")
		text      = flag.String("text", "hello educhat", "Message text to send")
		timeout   = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*userID) == "" || strings.TrimSpace(*chatID) == "" {
		fatalf("-user and -chat are required")
	}

	var logOut io.Writer = io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tokens := token.Env(*tokenEnv)
	if _, err := tokens.Token(context.Background()); err != nil {
		fatalf("token: %v", err)
	}

	api, err := backend.New(log, backend.Config{BaseURL: *apiURL}, tokens)
	if err != nil {
		fatalf("backend: %v", err)
	}
	dialer, err := chat.NewStompDialer(log, chat.StompDialerConfig{URL: *brokerURL})
	if err != nil {
		fatalf("dialer: %v", err)
	}

	client := chat.NewClient(log, chat.Config{UserID: *userID}, chat.Deps{
		Dialer:  dialer,
		Tokens:  tokens,
		Backend: api,
	})
	defer func() { _ = client.Close() }()

	root := context.Background()

	conv := mustOpen(root, client, *userID, *timeout)
	mustWaitState(client, chat.StateConnected, *timeout)

	liveText := fmt.Sprintf("%s (live %d)", *text, time.Now().UnixNano())
	if !conv.SendMessage(root, chat.MessagePayload{ChatID: v1.ID(*chatID), Content: liveText}) {
		fatalf("live send failed")
	}
	echo := mustObserve(conv, liveText, *timeout)
	if *verbose {
		fmt.Printf("live echo: id=%s\n", echo.ID)
	}

	client.Connection().Disconnect()
	mustWaitState(client, chat.StateDisconnected, *timeout)

	fallbackText := fmt.Sprintf("%s (fallback %d)", *text, time.Now().UnixNano())
	if !conv.SendMessage(root, chat.MessagePayload{ChatID: v1.ID(*chatID), Content: fallbackText}) {
		fatalf("fallback send failed")
	}
	reply := mustObserve(conv, fallbackText, *timeout)

	ctx, cancel := context.WithTimeout(root, *timeout)
	if err := client.Connection().Connect(ctx); err != nil {
		cancel()
		fatalf("reconnect: %v", err)
	}
	cancel()
	mustWaitState(client, chat.StateConnected, *timeout)

	// Give the broker time to re-deliver anything it still holds.
	time.Sleep(2 * time.Second)

	for _, id := range []v1.ID{echo.ID, reply.ID} {
		if n := countID(conv.Messages(), id); n != 1 {
			fatalf("dedupe: message %s appears %d times", id, n)
		}
	}

	fmt.Printf("OK: user=%s chat=%s live_id=%s fallback_id=%s messages=%d\n", *userID, *chatID, echo.ID, reply.ID, len(conv.Messages()))
}

func mustOpen(parent context.Context, client *chat.Client, channelID string, stepTimeout time.Duration) *chat.Conversation {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conv, err := client.Open(ctx, channelID, chat.WithInitialMessages(nil))
	if err != nil {
		fatalf("open %s: %v", channelID, err)
	}
	return conv
}

func mustWaitState(client *chat.Client, want chat.ConnectionState, stepTimeout time.Duration) {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		if client.Connection().State() == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fatalf("state: got=%s want=%s", client.Connection().State(), want)
}

func mustObserve(conv *chat.Conversation, content string, stepTimeout time.Duration) v1.Message {
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		for _, m := range conv.Messages() {
			if m.Content == content {
				return m
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	fatalf("timeout waiting for message %q", content)
	return v1.Message{}
}

func countID(msgs []v1.Message, id v1.ID) int {
	n := 0
	for _, m := range msgs {
		if m.ID == id {
			n++
		}
	}
	return n
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
