// ABOUTME: Terminal agent console for working a Talkrix inbox.
// ABOUTME: Wires the channel, store, delivery, and signal components end to end.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/talkrix/chatkit/internal/channel"
	"github.com/talkrix/chatkit/internal/config"
	"github.com/talkrix/chatkit/internal/delivery"
	"github.com/talkrix/chatkit/internal/protocol"
	"github.com/talkrix/chatkit/internal/rest"
	"github.com/talkrix/chatkit/internal/session"
	"github.com/talkrix/chatkit/internal/signals"
	"github.com/talkrix/chatkit/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _        _ _         _
| |_ __ _| | | ___ __(_)_  __
| __/ _' | | |/ / '__| \ \/ /
| || (_| | |   <| |  | |>  <
 \__\__,_|_|_|\_\_|  |_/_/\_\
`

// getConfigPath returns the path to the console config file.
// Priority: TALKRIX_CONFIG env var > XDG_CONFIG_HOME/talkrix/console.yaml >
// ~/.config/talkrix/console.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TALKRIX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "console.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "talkrix", "console.yaml")
}

func main() {
	// Local development drops secrets in a .env file; absence is fine.
	godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("API:     %s\n", cfg.API.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Channel: %s\n", cfg.Channel.URL)
	fmt.Println()

	sess := &session.Session{
		Role:      session.RoleAgent,
		Identity:  cfg.Session.Identity,
		WebsiteID: cfg.Session.WebsiteID,
		Token:     cfg.API.Token,
	}
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}

	c := newConsole(cfg, sess, logger)
	return c.run(ctx)
}

// console holds the wired components and the interactive loop state.
type console struct {
	sess    *session.Session
	api     *rest.Client
	store   *store.Store
	channel *channel.Client
	deliver *delivery.Coordinator
	signals *signals.Manager
	logger  *slog.Logger
}

func newConsole(cfg *config.Config, sess *session.Session, logger *slog.Logger) *console {
	c := &console{sess: sess, logger: logger}

	c.api = rest.New(cfg.API.BaseURL,
		rest.WithToken(cfg.API.Token),
		rest.WithLogger(logger))

	c.store = store.New(sess, logger,
		store.WithRefreshFunc(c.onRefresh),
		store.WithTypingFunc(c.onTyping))

	c.channel = channel.New(cfg.Channel.URL, sess, logger,
		channel.WithHeartbeatInterval(cfg.Channel.HeartbeatInterval),
		channel.WithReconnectDelay(cfg.Channel.ReconnectDelay),
		channel.WithMaxReconnectAttempts(cfg.Channel.MaxReconnectAttempts))

	c.deliver = delivery.New(c.store, c.channel, c.api, logger)
	c.signals = signals.New(c.store, c.channel, c.api, logger,
		signals.WithTypingWindow(cfg.Channel.TypingWindow))

	return c
}

func (c *console) run(ctx context.Context) error {
	defer c.store.Close()
	defer c.channel.Disconnect()

	c.channel.OnFrame(func(env *protocol.Envelope) {
		c.store.ApplyIncoming(env)
		c.printFrame(env)
	})
	c.channel.OnOpened(func() {
		color.Green("● channel connected")
	})
	c.channel.OnClosed(func(permanent bool) {
		if permanent {
			color.Red("● channel closed permanently — use \"connect\" to retry")
		} else {
			color.Yellow("● channel lost, reconnecting...")
		}
	})

	if err := c.channel.Connect(ctx); err != nil {
		c.logger.Warn("initial connect failed, reconnect scheduled", "error", err)
	}
	if err := c.refreshConversations(ctx, rest.ListQuery{}); err != nil {
		return err
	}
	c.printConversations()

	return c.repl(ctx)
}

// repl reads commands from stdin until EOF or ctx cancellation.
func (c *console) repl(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	c.printHelp()
	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := c.handle(ctx, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "", "help":
		c.printHelp()
	case "ls":
		if err := c.refreshConversations(ctx, rest.ListQuery{Filter: arg}); err != nil {
			color.Red("list failed: %v", err)
			break
		}
		c.printConversations()
	case "open":
		c.openConversation(ctx, arg)
	case "send":
		c.send(ctx, arg)
	case "retry":
		if err := c.deliver.Retry(ctx, arg); err != nil {
			color.Red("retry failed: %v", err)
		}
	case "read":
		if id := c.store.ActiveConversation(); id != "" {
			c.signals.MarkConversationRead(ctx, id)
		}
	case "assign":
		c.lifecycle(ctx, "assign", arg)
	case "close":
		c.lifecycle(ctx, "close", "")
	case "reopen":
		c.lifecycle(ctx, "reopen", "")
	case "connect":
		if err := c.channel.Connect(ctx); err != nil {
			color.Red("connect failed: %v", err)
		}
	case "quit", "exit":
		return true
	default:
		color.Red("unknown command %q", cmd)
	}
	return false
}

func (c *console) openConversation(ctx context.Context, id string) {
	if id == "" {
		color.Red("usage: open <conversation-id>")
		return
	}
	c.store.SetActiveConversation(id)

	msgs, err := c.api.GetMessages(ctx, id)
	if err != nil {
		color.Red("loading history failed: %v", err)
		return
	}
	c.store.SetMessages(id, toStoreMessages(msgs))
	c.signals.MarkConversationRead(ctx, id)

	for _, m := range c.store.Messages(id) {
		c.printMessage(&m)
	}
}

func (c *console) send(ctx context.Context, text string) {
	convID := c.store.ActiveConversation()
	if convID == "" {
		color.Red("no conversation open")
		return
	}
	c.signals.NotifyTyping(convID)
	msg, err := c.deliver.SendUserMessage(ctx, convID, text)
	if err != nil {
		if errors.Is(err, delivery.ErrEmptyContent) {
			color.Red("empty message")
			return
		}
		color.Red("send failed (retry %s): %v", msg.ID, err)
	}
}

func (c *console) lifecycle(ctx context.Context, action, arg string) {
	convID := c.store.ActiveConversation()
	if convID == "" {
		color.Red("no conversation open")
		return
	}
	var err error
	switch action {
	case "assign":
		err = c.api.AssignConversation(ctx, convID, arg)
	case "close":
		err = c.api.CloseConversation(ctx, convID)
	case "reopen":
		err = c.api.ReopenConversation(ctx, convID)
	}
	if err != nil {
		color.Red("%s failed: %v", action, err)
	}
}

// onRefresh re-fetches the conversation list when a frame changed summary
// state. Runs off the store's calling goroutine to keep frame handling fast.
func (c *console) onRefresh(conversationID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rest.DefaultTimeout)
		defer cancel()
		if err := c.refreshConversations(ctx, rest.ListQuery{}); err != nil {
			c.logger.Warn("conversation refresh failed", "error", err)
		}
	}()
}

func (c *console) onTyping(conversationID string, typing bool) {
	if typing {
		color.New(color.FgHiBlack, color.Italic).Println("visitor is typing...")
	}
}

func (c *console) refreshConversations(ctx context.Context, q rest.ListQuery) error {
	convs, err := c.api.ListConversations(ctx, c.sess.WebsiteID, q)
	if err != nil {
		if errors.Is(err, rest.ErrUnauthorized) {
			return fmt.Errorf("session token rejected: %w", err)
		}
		return err
	}
	c.store.SetConversations(toStoreConversations(convs))
	return nil
}

func (c *console) printConversations() {
	bold := color.New(color.Bold)
	for _, conv := range c.store.Conversations() {
		marker := "  "
		if conv.ID == c.store.ActiveConversation() {
			marker = "* "
		}
		fmt.Print(marker)
		bold.Printf("%-12s", conv.ID)
		fmt.Printf(" [%s]", conv.Status)
		if conv.UnreadCount > 0 {
			color.New(color.FgRed, color.Bold).Printf(" (%d)", conv.UnreadCount)
		}
		if conv.LastMessage != "" {
			color.New(color.FgHiBlack).Printf("  %s", truncate(conv.LastMessage, 48))
		}
		fmt.Println()
	}
}

func (c *console) printFrame(env *protocol.Envelope) {
	if env.Type != protocol.TypeChat || c.sess.IsLocalSender(env) {
		return
	}
	if env.ConversationID != c.store.ActiveConversation() {
		color.New(color.FgHiBlack).Printf("[%s] new message\n", env.ConversationID)
		return
	}
	color.New(color.FgCyan).Printf("%s: ", env.SenderID)
	fmt.Println(env.Text())
}

func (c *console) printMessage(m *store.Message) {
	who := color.New(color.FgCyan)
	if m.SenderType == c.sess.SenderType() {
		who = color.New(color.FgGreen)
	}
	who.Printf("%s: ", m.SenderID)
	fmt.Print(m.Content)
	switch m.Delivery {
	case store.DeliveryPending:
		color.New(color.FgHiBlack).Print("  [sending]")
	case store.DeliveryFailed:
		color.New(color.FgRed).Printf("  [failed: retry %s]", m.ID)
	}
	fmt.Println()
}

func (c *console) printHelp() {
	fmt.Println("commands: ls [filter] | open <id> | send <text> | retry <temp-id> | read | assign <agent> | close | reopen | connect | quit")
}

func toStoreConversations(convs []rest.Conversation) []*store.Conversation {
	out := make([]*store.Conversation, 0, len(convs))
	for _, conv := range convs {
		out = append(out, &store.Conversation{
			ID:              conv.ID.String(),
			Status:          conv.Status,
			AgentID:         conv.AgentID.String(),
			VisitorID:       conv.VisitorID.String(),
			LastMessage:     conv.LastMessage,
			LastMessageTime: conv.LastMessageAt,
			UnreadCount:     conv.UnreadCount,
		})
	}
	return out
}

func toStoreMessages(msgs []rest.Message) []*store.Message {
	out := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &store.Message{
			ID:             m.ID.String(),
			ConversationID: m.ConversationID.String(),
			SenderType:     protocol.SenderType(m.SenderType),
			SenderID:       m.SenderID.String(),
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
			IsRead:         m.IsRead,
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
