package chatsync

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
)

// StatusAuthFailed is the close code the chat server uses to reject a
// WebSocket whose token it does not accept.
const StatusAuthFailed websocket.StatusCode = 4001

// ============================================================================
// Configuration
// ============================================================================

// EndpointConfig names the live endpoint. An empty URL means there is no
// live endpoint and the manager falls back to polling.
type EndpointConfig struct {
	// URL is a ws:// or wss:// WebSocket URL, or an http:// or https://
	// Server-Sent Events URL.
	URL string
	// TokenParam is the query parameter carrying the session token.
	// Defaults to "token". Set to "-" to send the token only as a header.
	TokenParam string
}

// TransportConfig configures a TransportManager.
type TransportConfig struct {
	ReconnectDelay    time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Metrics           *Metrics
}

func (c *TransportConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type transportDispatcher struct {
	mu            sync.RWMutex
	onMessage     []func([]byte)
	onStateChange []func(TransportState)
	onConnected   []func()
	onPoll        []func()
	onError       []func(error)
}

func (d *transportDispatcher) emitMessage(data []byte) {
	d.mu.RLock()
	handlers := append([]func([]byte){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(data) })
	}
}

func (d *transportDispatcher) emitState(s TransportState) {
	d.mu.RLock()
	handlers := append([]func(TransportState){}, d.onStateChange...)
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(s) })
	}
}

func (d *transportDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(h)
	}
}

func (d *transportDispatcher) emitPoll() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onPoll...)
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(h)
	}
}

func (d *transportDispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(err) })
	}
}

// safeCall swallows panics in user callbacks.
func safeCall(f func()) {
	defer func() { recover() }()
	f()
}

// ============================================================================
// TransportManager
// ============================================================================

// TransportManager owns the session's live connection. A single goroutine
// per Connect runs every attempt, so at most one dial is in flight.
//
// Handlers run on that goroutine, in frame order, and must not block or
// call Disconnect.
type TransportManager struct {
	session    Session
	config     TransportConfig
	dispatcher *transportDispatcher

	mu     sync.Mutex
	state  TransportState
	cancel context.CancelFunc
	done   chan struct{}
	conn   *websocket.Conn
}

// NewTransportManager creates a manager in the Disconnected state.
func NewTransportManager(session Session, config TransportConfig) *TransportManager {
	config.defaults()
	return &TransportManager{
		session:    session,
		config:     config,
		dispatcher: &transportDispatcher{},
		state:      StateDisconnected,
	}
}

// OnMessage registers a handler receiving every inbound frame verbatim.
func (tm *TransportManager) OnMessage(h func([]byte)) {
	tm.dispatcher.mu.Lock()
	tm.dispatcher.onMessage = append(tm.dispatcher.onMessage, h)
	tm.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for state transitions.
func (tm *TransportManager) OnStateChange(h func(TransportState)) {
	tm.dispatcher.mu.Lock()
	tm.dispatcher.onStateChange = append(tm.dispatcher.onStateChange, h)
	tm.dispatcher.mu.Unlock()
}

// OnConnected registers a handler run after every successful (re)connect.
func (tm *TransportManager) OnConnected(h func()) {
	tm.dispatcher.mu.Lock()
	tm.dispatcher.onConnected = append(tm.dispatcher.onConnected, h)
	tm.dispatcher.mu.Unlock()
}

// OnPoll registers a handler run on every tick while in PollingFallback.
func (tm *TransportManager) OnPoll(h func()) {
	tm.dispatcher.mu.Lock()
	tm.dispatcher.onPoll = append(tm.dispatcher.onPoll, h)
	tm.dispatcher.mu.Unlock()
}

// OnError registers a handler for connection errors. Errors matching
// ErrAuthRequired are final; the manager does not reconnect after them.
func (tm *TransportManager) OnError(h func(error)) {
	tm.dispatcher.mu.Lock()
	tm.dispatcher.onError = append(tm.dispatcher.onError, h)
	tm.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (tm *TransportManager) State() TransportState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.state
}

// Connect tears down any previous connection and starts a new one for ep.
// It returns once the attempt loop is running; progress is reported via
// state changes. Cancelling ctx is equivalent to Disconnect.
func (tm *TransportManager) Connect(ctx context.Context, ep EndpointConfig) error {
	tm.Disconnect()
	if tm.session.Expired(time.Now()) {
		err := fmt.Errorf("%w: session token expired", ErrAuthRequired)
		tm.dispatcher.emitError(err)
		return err
	}

	var target string
	if ep.URL != "" {
		u, err := tm.endpointURL(ep)
		if err != nil {
			return err
		}
		target = u
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	tm.mu.Lock()
	tm.cancel = cancel
	tm.done = done
	tm.mu.Unlock()

	if target == "" {
		go tm.pollLoop(runCtx, done)
	} else {
		go tm.run(runCtx, target, done)
	}
	return nil
}

// Disconnect closes the connection, stops the poll timer and cancels any
// pending reconnect. It waits for the attempt loop to exit.
func (tm *TransportManager) Disconnect() {
	tm.mu.Lock()
	cancel, done, conn := tm.cancel, tm.done, tm.conn
	tm.cancel, tm.done, tm.conn = nil, nil, nil
	tm.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			tm.config.Logger.Debug("closing websocket", slog.String("error", err.Error()))
		}
	}
	<-done
	tm.setState(StateDisconnected)
}

func (tm *TransportManager) endpointURL(ep EndpointConfig) (string, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme %q", ep.URL, u.Scheme)
	}
	param := ep.TokenParam
	if param == "" {
		param = "token"
	}
	if param != "-" && tm.session.Valid() {
		q := u.Query()
		q.Set(param, tm.session.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (tm *TransportManager) setState(s TransportState) {
	tm.mu.Lock()
	if tm.state == s {
		tm.mu.Unlock()
		return
	}
	prev := tm.state
	tm.state = s
	tm.mu.Unlock()

	tm.config.Logger.Debug("transport state", slog.String("from", string(prev)), slog.String("to", string(s)))
	tm.config.Metrics.setTransportState(s)
	tm.dispatcher.emitState(s)
}

// ============================================================================
// Attempt loop
// ============================================================================

// run connects, streams until the connection drops, then waits the fixed
// reconnect delay and tries again, until ctx ends or auth is rejected.
func (tm *TransportManager) run(ctx context.Context, target string, done chan struct{}) {
	defer close(done)

	bo := backoff.WithContext(backoff.NewConstantBackOff(tm.config.ReconnectDelay), ctx)
	tm.setState(StateConnecting)
	for {
		err := tm.stream(ctx, target)
		if ctx.Err() != nil {
			tm.setState(StateDisconnected)
			return
		}
		if errors.Is(err, ErrAuthRequired) {
			tm.config.Logger.Warn("live transport rejected credentials", slog.String("error", err.Error()))
			tm.setState(StateDisconnected)
			tm.dispatcher.emitError(err)
			return
		}
		if err != nil {
			tm.config.Logger.Info("live transport dropped", slog.String("error", err.Error()))
			tm.dispatcher.emitError(err)
		}

		tm.setState(StateReconnecting)
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			tm.setState(StateDisconnected)
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			tm.setState(StateDisconnected)
			return
		case <-timer.C:
		}
		tm.config.Metrics.reconnect()
	}
}

// pollLoop is the PollingFallback state: entering starts the interval
// timer, leaving stops it.
func (tm *TransportManager) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(tm.config.PollInterval)
	defer ticker.Stop()
	tm.setState(StatePollingFallback)

	for {
		select {
		case <-ctx.Done():
			tm.setState(StateDisconnected)
			return
		case <-ticker.C:
			tm.dispatcher.emitPoll()
		}
	}
}

func (tm *TransportManager) stream(ctx context.Context, target string) error {
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		return tm.streamWS(ctx, target)
	}
	return tm.streamSSE(ctx, target)
}

// ============================================================================
// WebSocket stream
// ============================================================================

func (tm *TransportManager) streamWS(ctx context.Context, target string) error {
	dialCtx, cancel := context.WithTimeout(ctx, tm.config.DialTimeout)
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if tm.session.Valid() {
		opts.HTTPHeader.Set("Authorization", tm.session.AuthHeader())
	}
	conn, resp, err := websocket.Dial(dialCtx, target, opts)
	cancel()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: websocket dial HTTP %d", ErrAuthRequired, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(tm.config.ReadLimit)

	tm.mu.Lock()
	if ctx.Err() != nil {
		tm.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ctx.Err()
	}
	tm.conn = conn
	tm.mu.Unlock()
	defer func() {
		tm.mu.Lock()
		if tm.conn == conn {
			tm.conn = nil
		}
		tm.mu.Unlock()
	}()

	tm.setState(StateConnected)
	tm.dispatcher.emitConnected()

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	if tm.config.HeartbeatInterval > 0 {
		go tm.heartbeatLoop(connCtx, conn)
	}

	for {
		typ, data, err := conn.Read(connCtx)
		if err != nil {
			if websocket.CloseStatus(err) == StatusAuthFailed {
				return fmt.Errorf("%w: websocket closed with %d", ErrAuthRequired, StatusAuthFailed)
			}
			conn.Close(websocket.StatusGoingAway, "")
			return fmt.Errorf("websocket read: %w", err)
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		tm.dispatcher.emitMessage(data)
	}
}

func (tm *TransportManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(tm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, tm.config.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ============================================================================
// Server-Sent Events stream
// ============================================================================

func (tm *TransportManager) streamSSE(ctx context.Context, target string) error {
	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if tm.session.Valid() {
		req.Header.Set("Authorization", tm.session.AuthHeader())
	}

	resp, err := tm.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("SSE connect: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: SSE HTTP %d", ErrAuthRequired, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	tm.setState(StateConnected)
	tm.dispatcher.emitConnected()

	var lastData atomic.Int64
	lastData.Store(time.Now().UnixNano())
	if tm.config.HeartbeatInterval > 0 {
		go tm.sseWatchdog(connCtx, stop, &lastData)
	}

	var event bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), int(tm.config.ReadLimit))
	for scanner.Scan() {
		line := scanner.Bytes()
		lastData.Store(time.Now().UnixNano())

		switch {
		case len(line) == 0:
			if event.Len() > 0 {
				tm.dispatcher.emitMessage(bytes.Clone(event.Bytes()))
				event.Reset()
			}
		case line[0] == ':':
			// comment / keepalive
		case bytes.HasPrefix(line, []byte("data:")):
			if event.Len() > 0 {
				event.WriteByte('\n')
			}
			event.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}
	if event.Len() > 0 {
		tm.dispatcher.emitMessage(bytes.Clone(event.Bytes()))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("SSE read: %w", err)
	}
	return errors.New("SSE stream ended")
}

// sseWatchdog drops a stream that has been silent for three heartbeat
// intervals.
func (tm *TransportManager) sseWatchdog(ctx context.Context, stop context.CancelFunc, lastData *atomic.Int64) {
	ticker := time.NewTicker(tm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastData.Load())) > 3*tm.config.HeartbeatInterval {
				tm.config.Logger.Info("SSE stream stale, reconnecting")
				stop()
				return
			}
		}
	}
}
