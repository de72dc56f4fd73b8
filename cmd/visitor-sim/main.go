// ABOUTME: Scripted visitor session for poking at a Talkrix deployment E2E.
// ABOUTME: Usage: visitor-sim [-api URL] [-ws URL] [-website ID] [-key API_KEY]

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/talkrix/chatkit/internal/channel"
	"github.com/talkrix/chatkit/internal/delivery"
	"github.com/talkrix/chatkit/internal/protocol"
	"github.com/talkrix/chatkit/internal/rest"
	"github.com/talkrix/chatkit/internal/session"
	"github.com/talkrix/chatkit/internal/signals"
	"github.com/talkrix/chatkit/internal/store"
)

func main() {
	godotenv.Load()

	apiURL := flag.String("api", "http://localhost/api", "REST API base URL")
	wsURL := flag.String("ws", "ws://localhost:8081", "channel service URL")
	websiteID := flag.String("website", "", "website id")
	apiKey := flag.String("key", os.Getenv("TALKRIX_API_KEY"), "website API key")
	secret := flag.String("secret", os.Getenv("TALKRIX_JWT_SECRET"), "shared secret for minting a channel token (optional)")
	script := flag.String("script", "Hi there!|Is anyone around?|Thanks, bye", "pipe-separated messages to send")
	delay := flag.Duration("delay", 2*time.Second, "pause between scripted messages")
	flag.Parse()

	if *websiteID == "" {
		log.Fatal("-website is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *apiURL, *wsURL, *websiteID, *apiKey, *secret, strings.Split(*script, "|"), *delay); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, apiURL, wsURL, websiteID, apiKey, secret string, script []string, delay time.Duration) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	api := rest.New(apiURL, rest.WithAPIKey(apiKey), rest.WithLogger(logger))

	// Bootstrap: the backend assigns the visitor and conversation ids the
	// channel connection needs.
	boot, err := api.VisitorInit(ctx, websiteID, rest.BrowserInfo{
		Browser:  "visitor-sim",
		Language: "en-US",
	})
	if err != nil {
		return fmt.Errorf("visitor init: %w", err)
	}
	fmt.Fprintf(os.Stderr, "visitor %s in conversation %s\n", boot.Visitor.ID, boot.Conversation.ID)

	sess := &session.Session{
		Role:           session.RoleVisitor,
		Identity:       boot.Visitor.ID.String(),
		WebsiteID:      websiteID,
		ConversationID: boot.Conversation.ID.String(),
		Token:          apiKey,
	}
	if secret != "" {
		tok, err := session.NewTokenIssuer([]byte(secret)).Issue(sess.Identity, time.Hour)
		if err != nil {
			return fmt.Errorf("minting channel token: %w", err)
		}
		sess.Token = tok
	}

	st := store.New(sess, logger)
	defer st.Close()
	st.SetActiveConversation(sess.ConversationID)

	ch := channel.New(wsURL, sess, logger)
	defer ch.Disconnect()

	coord := delivery.New(st, ch, api, logger)
	sig := signals.New(st, ch, api, logger)

	done := make(chan struct{})
	ch.OnFrame(func(env *protocol.Envelope) {
		st.ApplyIncoming(env)
		if env.Type == protocol.TypeChat && !sess.IsLocalSender(env) {
			log.Printf("received [%s]: %s", env.SenderType, env.Text())
			sig.MarkConversationRead(ctx, sess.ConversationID)
		}
	})
	ch.OnClosed(func(permanent bool) {
		if permanent {
			log.Print("channel closed permanently")
			close(done)
		}
	})

	if err := ch.Connect(ctx); err != nil {
		log.Printf("connect failed, waiting for reconnect: %v", err)
	}

	// Play the script, then linger for replies until interrupted.
	for _, line := range script {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return fmt.Errorf("channel gave up reconnecting")
		case <-time.After(delay):
		}

		sig.NotifyTyping(sess.ConversationID)
		msg, err := coord.SendUserMessage(ctx, sess.ConversationID, line)
		if err != nil {
			log.Printf("send failed: %v", err)
			continue
		}
		log.Printf("sent %s: %s", msg.ID, line)
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}
