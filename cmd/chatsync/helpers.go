package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/dustin/go-humanize"
)

// engine bundles everything a command needs to talk to the backend.
type engine struct {
	cfg     *Config
	logger  *slog.Logger
	session chatsync.Session
	client  *chatsync.Client
	sync    *chatsync.ConversationSync
}

// newEngine loads config and builds the REST client and sync engine.
func newEngine(opts ...chatsync.SyncOption) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	if cfg.Auth.Token == "" {
		return nil, errors.New("no session token. Run 'chatsync init <token>' or set CHATSYNC_TOKEN")
	}

	logger := newLogger(cfg)
	session := chatsync.NewSession(cfg.Auth.Token, cfg.Auth.UserID, cfg.Auth.MemberID)
	if session.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: token expired %s", chatsync.ErrAuthRequired, humanize.Time(session.ExpiresAt))
	}

	clientOpts := []chatsync.ClientOption{chatsync.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		clientOpts = append(clientOpts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	client := chatsync.NewClient(session, clientOpts...)

	opts = append([]chatsync.SyncOption{chatsync.WithLogger(logger)}, opts...)
	return &engine{
		cfg:     cfg,
		logger:  logger,
		session: session,
		client:  client,
		sync:    chatsync.NewConversationSync(session, client, opts...),
	}, nil
}

// transport builds a TransportManager attached to the engine. An empty
// ws_url selects polling.
func (e *engine) transport(metrics *chatsync.Metrics) (*chatsync.TransportManager, chatsync.EndpointConfig, error) {
	tc := chatsync.TransportConfig{Logger: e.logger, Metrics: metrics}
	var err error
	if tc.PollInterval, err = parseDurationOr(e.cfg.Default.PollInterval, 0); err != nil {
		return nil, chatsync.EndpointConfig{}, fmt.Errorf("poll_interval: %w", err)
	}
	if tc.ReconnectDelay, err = parseDurationOr(e.cfg.Default.ReconnectDelay, 0); err != nil {
		return nil, chatsync.EndpointConfig{}, fmt.Errorf("reconnect_delay: %w", err)
	}
	tm := chatsync.NewTransportManager(e.session, tc)
	e.sync.Attach(tm)
	return tm, chatsync.EndpointConfig{URL: e.cfg.Default.WSURL}, nil
}

func (e *engine) Close() { e.sync.Close() }

func parseDurationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// formatMessage renders one message as a single line.
func formatMessage(m chatsync.Message, now time.Time) string {
	who := m.SenderLabel
	switch {
	case m.IsMine:
		who = "me"
	case who == "":
		who = valueOrDefault(m.SenderMemberID, valueOrDefault(m.SenderID, "?"))
	}

	body := m.Content
	if m.AttachmentRef != "" {
		body = strings.TrimSpace(body + " [" + string(m.Kind) + ": " + path.Base(m.AttachmentRef) + "]")
	}
	switch m.State {
	case chatsync.DeliveryPending:
		body += " (sending)"
	case chatsync.DeliveryFailed:
		body += " (failed)"
	}
	return fmt.Sprintf("%-16s %s: %s", humanize.RelTime(m.CreatedAt, now, "ago", "from now"), who, body)
}

// conversationTitle is the label shown for a conversation.
func conversationTitle(c chatsync.Conversation) string {
	if c.Label != "" {
		if c.Key.Kind == chatsync.KindChannel {
			return "#" + c.Label
		}
		return "@" + c.Label
	}
	return c.Key.String()
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 12 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:6] + "..." + tok[len(tok)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
