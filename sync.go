package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Events
// ============================================================================

// EventType names a ConversationSync event.
type EventType string

const (
	// EventMessageLocal fires when an optimistic message is appended.
	EventMessageLocal EventType = "message.local"
	// EventMessageConfirmed fires when a pending message is confirmed.
	EventMessageConfirmed EventType = "message.confirmed"
	// EventMessageFailed fires when a send fails. Message is the removed
	// optimistic copy and Err the cause.
	EventMessageFailed EventType = "message.failed"
	// EventMessageNew fires when a live message is appended to the active
	// conversation.
	EventMessageNew EventType = "message.new"
	// EventMessageUpdated fires when a live copy updated an existing entry.
	EventMessageUpdated EventType = "message.updated"
	// EventHistorySynced fires after a history fetch is merged. Count is the
	// number of messages added.
	EventHistorySynced EventType = "history.synced"
	EventFetchFailed   EventType = "history.failed"
	EventUnread        EventType = "unread.changed"
	EventActive        EventType = "conversation.active"
	EventDirectory     EventType = "directory.loaded"
	EventTransport     EventType = "transport.state"
	EventTransportErr  EventType = "transport.error"
	EventAuthRequired  EventType = "auth.required"
)

// Event is delivered to handlers registered with On.
type Event struct {
	Type    EventType
	Key     Key
	Message *Message
	Count   int
	State   TransportState
	Err     error
}

// EventHandler handles ConversationSync events. Handlers run synchronously
// on the goroutine that caused the event and must not block.
type EventHandler func(Event)

type emitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventHandler
	all       []EventHandler
}

// On registers a handler for one event type.
func (e *emitter) On(t EventType, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[EventType][]EventHandler)
	}
	e.listeners[t] = append(e.listeners[t], handler)
}

// OnEvent registers a handler for every event.
func (e *emitter) OnEvent(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, handler)
}

func (e *emitter) emit(events ...Event) {
	for _, ev := range events {
		e.mu.RLock()
		handlers := append(append([]EventHandler{}, e.listeners[ev.Type]...), e.all...)
		e.mu.RUnlock()
		for _, h := range handlers {
			func() {
				defer func() { recover() }() // swallow panics in user callbacks
				h(ev)
			}()
		}
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
	e.all = nil
}

// ============================================================================
// ConversationSync
// ============================================================================

// SyncOption configures a ConversationSync.
type SyncOption func(*ConversationSync)

func WithLogger(l *slog.Logger) SyncOption {
	return func(cs *ConversationSync) { cs.logger = l }
}

func WithMetrics(m *Metrics) SyncOption {
	return func(cs *ConversationSync) { cs.metrics = m }
}

// WithNotifications routes inbound direct messages for inactive
// conversations to d.
func WithNotifications(d *NotificationDispatcher) SyncOption {
	return func(cs *ConversationSync) { cs.notifier = d }
}

// WithUnreadTracker shares an existing tracker.
func WithUnreadTracker(u *UnreadTracker) SyncOption {
	return func(cs *ConversationSync) { cs.unread = u }
}

// WithFetchTimeout bounds background refetches. Defaults to 15s.
func WithFetchTimeout(d time.Duration) SyncOption {
	return func(cs *ConversationSync) { cs.fetchTimeout = d }
}

// WithMarkRead toggles marking conversations read on the backend as they
// are viewed. On by default.
func WithMarkRead(on bool) SyncOption {
	return func(cs *ConversationSync) { cs.markRead = on }
}

// ConversationSync routes inbound messages, reconciles optimistic sends
// with the backend and owns every conversation's message list.
//
// Each Open starts a new generation. Fetches belong to the generation that
// issued them: opening another conversation cancels them, and a result
// arriving for a superseded generation is discarded.
type ConversationSync struct {
	emitter

	session      Session
	backend      Backend
	normalizer   *Normalizer
	unread       *UnreadTracker
	notifier     *NotificationDispatcher
	logger       *slog.Logger
	metrics      *Metrics
	fetchTimeout time.Duration
	markRead     bool

	mu        sync.Mutex
	model     *conversationModel
	active    Key
	gen       uint64
	genCtx    context.Context
	genCancel context.CancelFunc
	marked    map[string]struct{}
	tempSeq   uint64
	closed    bool
	// epoch advances on Reset; sends started before it leave the model alone.
	epoch uint64

	refreshing atomic.Bool
	bg         sync.WaitGroup
}

// NewConversationSync creates an engine acting as session over backend.
func NewConversationSync(session Session, backend Backend, opts ...SyncOption) *ConversationSync {
	cs := &ConversationSync{
		session:      session,
		backend:      backend,
		normalizer:   NewNormalizer(session),
		logger:       discardLogger(),
		fetchTimeout: 15 * time.Second,
		markRead:     true,
		model:        newConversationModel(),
		marked:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(cs)
	}
	if cs.unread == nil {
		cs.unread = NewUnreadTracker()
	}
	cs.genCtx, cs.genCancel = context.WithCancel(context.Background())
	return cs
}

// Attach wires a TransportManager's events into the engine: frames are
// routed, and the active conversation is refetched after every (re)connect
// and on every poll tick.
func (cs *ConversationSync) Attach(tm *TransportManager) {
	tm.OnMessage(cs.HandleFrame)
	tm.OnConnected(cs.refreshAsync)
	tm.OnPoll(cs.refreshAsync)
	tm.OnStateChange(func(s TransportState) {
		cs.emit(Event{Type: EventTransport, State: s})
	})
	tm.OnError(func(err error) {
		if errors.Is(err, ErrAuthRequired) {
			cs.emit(Event{Type: EventAuthRequired, Err: err})
			return
		}
		cs.emit(Event{Type: EventTransportErr, Err: err})
	})
}

// Open makes k the active conversation, clears its unread counter and
// fetches its history. It returns ErrSuperseded if another Open replaced
// it before the history arrived.
func (cs *ConversationSync) Open(ctx context.Context, k Key) error {
	if k.IsZero() {
		return ErrNoConversation
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return ErrClosed
	}
	cs.genCancel()
	cs.gen++
	cs.genCtx, cs.genCancel = context.WithCancel(context.Background())
	gen := cs.gen
	cs.active = k
	cs.model.ensure(k)
	cs.unread.SetActive(k)
	total := cs.unread.Total()
	cs.mu.Unlock()

	cs.metrics.setUnread(total)
	cs.logger.Debug("open conversation", slog.String("key", k.String()), slog.Uint64("generation", gen))
	cs.emit(
		Event{Type: EventActive, Key: k},
		Event{Type: EventUnread, Key: k, Count: 0},
	)
	return cs.load(ctx, k, gen)
}

// Refresh refetches the active conversation's history.
func (cs *ConversationSync) Refresh(ctx context.Context) error {
	cs.mu.Lock()
	k, gen := cs.active, cs.gen
	cs.mu.Unlock()
	if k.IsZero() {
		return nil
	}
	return cs.load(ctx, k, gen)
}

// refreshAsync refetches in the background, skipping the tick if a
// refresh is already in flight.
func (cs *ConversationSync) refreshAsync() {
	if !cs.refreshing.CompareAndSwap(false, true) {
		return
	}
	started := cs.goBackground(func() {
		defer cs.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), cs.fetchTimeout)
		defer cancel()
		if err := cs.Refresh(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
			cs.logger.Debug("background refresh failed", slog.String("error", err.Error()))
		}
	})
	if !started {
		cs.refreshing.Store(false)
	}
}

// goBackground runs f on a tracked goroutine unless the engine is closed.
func (cs *ConversationSync) goBackground(f func()) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	cs.bg.Add(1)
	go func() {
		defer cs.bg.Done()
		f()
	}()
	return true
}

// scoped derives a context that also ends when generation gen is
// superseded.
func (cs *ConversationSync) scoped(ctx context.Context, gen uint64) (context.Context, context.CancelFunc) {
	cs.mu.Lock()
	genCtx, current := cs.genCtx, cs.gen
	cs.mu.Unlock()

	fetchCtx, cancel := context.WithCancel(ctx)
	if gen != current {
		cancel()
		return fetchCtx, cancel
	}
	stop := context.AfterFunc(genCtx, cancel)
	return fetchCtx, func() {
		stop()
		cancel()
	}
}

// load fetches k's history for generation gen and merges it if gen is
// still current.
func (cs *ConversationSync) load(ctx context.Context, k Key, gen uint64) error {
	fetchCtx, cancel := cs.scoped(ctx, gen)
	defer cancel()

	raws, err := cs.backend.FetchHistory(fetchCtx, k)

	cs.mu.Lock()
	if cs.closed || gen != cs.gen || cs.active != k {
		cs.mu.Unlock()
		cs.metrics.fetch("stale")
		return ErrSuperseded
	}
	if err != nil {
		cs.mu.Unlock()
		cs.metrics.fetch("error")
		cs.logger.Info("history fetch failed", slog.String("key", k.String()), slog.String("error", err.Error()))
		cs.emit(Event{Type: EventFetchFailed, Key: k, Err: err})
		return err
	}
	msgs := cs.normalizeHistory(raws, k)
	added := cs.model.merge(k, msgs)
	unreadIDs := cs.unmarkedLocked(msgs)
	cs.mu.Unlock()

	cs.metrics.fetch("ok")
	cs.emit(Event{Type: EventHistorySynced, Key: k, Count: added})
	cs.markReadAsync(k, unreadIDs)
	return nil
}

func (cs *ConversationSync) normalizeHistory(raws []json.RawMessage, k Key) []Message {
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		m := cs.normalizer.NormalizeWithHint(raw, k)
		if m.ID == "" {
			continue
		}
		m.Key = k
		msgs = append(msgs, m)
	}
	return msgs
}

// Send appends an optimistic copy of the message, writes it through the
// backend and reconciles. On failure the optimistic copy is removed and the
// error returned; nothing is retried.
func (cs *ConversationSync) Send(ctx context.Context, k Key, content string, att *Attachment) (Message, error) {
	if k.IsZero() {
		return Message{}, ErrNoConversation
	}
	if content == "" && att == nil {
		return Message{}, ErrEmptyMessage
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return Message{}, ErrClosed
	}
	cs.tempSeq++
	local := Message{
		ID:             fmt.Sprintf("%s%d-%d", tempIDPrefix, time.Now().UnixMilli(), cs.tempSeq),
		Key:            k,
		SenderID:       cs.session.UserID,
		SenderMemberID: cs.session.MemberID,
		SenderLabel:    cs.session.Username,
		Content:        content,
		Kind:           MessageText,
		CreatedAt:      time.Now(),
		IsMine:         true,
		State:          DeliveryPending,
		Nonce:          uuid.NewString(),
	}
	if att != nil {
		local.Kind = att.Kind()
		local.AttachmentRef = att.Name
	}
	cs.model.upsert(local)
	epoch := cs.epoch
	cs.mu.Unlock()

	pending := local
	cs.emit(Event{Type: EventMessageLocal, Key: k, Message: &pending})

	raw, err := cs.backend.SendMessage(ctx, SendRequest{
		Key:        k,
		Content:    content,
		Kind:       local.Kind,
		Attachment: att,
		Nonce:      local.Nonce,
	})
	if err != nil {
		cs.mu.Lock()
		if cs.epoch == epoch {
			cs.model.remove(k, local.ID)
		}
		cs.mu.Unlock()

		failed := local
		failed.State = DeliveryFailed
		cs.metrics.send("failed")
		cs.logger.Warn("send failed", slog.String("key", k.String()), slog.String("error", err.Error()))
		cs.emit(Event{Type: EventMessageFailed, Key: k, Message: &failed, Err: err})
		return failed, err
	}

	if raw != nil {
		server := cs.normalizer.NormalizeWithHint(raw, k)
		if server.ID != "" {
			server.Key = k
			server.IsMine = true
			confirmed := server
			confirmed.State = DeliveryConfirmed
			cs.mu.Lock()
			if cs.epoch == epoch {
				cs.model.confirm(k, local.ID, server)
				confirmed = cs.lookupLocked(k, server.ID)
			}
			cs.mu.Unlock()

			cs.metrics.send("confirmed")
			cs.emit(Event{Type: EventMessageConfirmed, Key: k, Message: &confirmed})
			return confirmed, nil
		}
	}
	return cs.reconcileBare(ctx, k, local, epoch), nil
}

// reconcileBare handles a write that succeeded without returning a record.
// The temp entry is confirmed in place and the history refetched; the temp
// entry is dropped only once a page holds its server copy, so a history
// that lags the write never hides the message.
func (cs *ConversationSync) reconcileBare(ctx context.Context, k Key, local Message, epoch uint64) Message {
	confirmed := local
	confirmed.State = DeliveryConfirmed
	cs.metrics.send("confirmed")

	cs.mu.Lock()
	if cs.epoch == epoch {
		if cs.model.has(k, local.ID) {
			cs.model.confirm(k, local.ID, confirmed)
		} else if echo, ok := cs.model.byNonce(k, local.Nonce); ok {
			confirmed = echo
		}
	}
	cs.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, cs.fetchTimeout)
	defer cancel()
	raws, err := cs.backend.FetchHistory(fetchCtx, k)
	if err != nil {
		cs.metrics.fetch("error")
		cs.emit(
			Event{Type: EventMessageConfirmed, Key: k, Message: &confirmed},
			Event{Type: EventFetchFailed, Key: k, Err: err},
		)
		return confirmed
	}

	cs.mu.Lock()
	if cs.epoch != epoch {
		cs.mu.Unlock()
		cs.metrics.fetch("stale")
		cs.emit(Event{Type: EventMessageConfirmed, Key: k, Message: &confirmed})
		return confirmed
	}
	msgs := cs.normalizeHistory(raws, k)
	added, settled := cs.model.mergeSettle(k, msgs)
	if id, ok := settled[local.ID]; ok {
		confirmed = cs.lookupLocked(k, id)
	} else if cs.model.has(k, confirmed.ID) {
		confirmed = cs.lookupLocked(k, confirmed.ID)
	}
	cs.mu.Unlock()

	cs.metrics.fetch("ok")
	cs.emit(
		Event{Type: EventMessageConfirmed, Key: k, Message: &confirmed},
		Event{Type: EventHistorySynced, Key: k, Count: added},
	)
	return confirmed
}

// HandleFrame routes one inbound frame. Frames for the active conversation
// are appended, deduplicated by id. A frame without an id cannot be
// deduplicated: for the active conversation it triggers a refetch, like a
// frame that only names the conversation. Frames for other conversations
// bump their unread counter and may raise a notification.
func (cs *ConversationSync) HandleFrame(raw []byte) {
	m := cs.normalizer.Normalize(raw)
	if m.Key.IsZero() {
		cs.metrics.frame("dropped")
		cs.logger.Debug("dropping unroutable frame", slog.Int("bytes", len(raw)))
		return
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}

	ambiguous := m.RoutingOnly || m.ID == ""
	if m.Key == cs.active {
		if ambiguous {
			cs.mu.Unlock()
			cs.metrics.frame("refetch")
			cs.refreshAsync()
			return
		}
		appended := cs.model.upsert(m)
		msg := cs.lookupLocked(m.Key, m.ID)
		var unreadIDs []string
		if appended {
			unreadIDs = cs.unmarkedLocked([]Message{msg})
		}
		cs.mu.Unlock()

		if !appended {
			cs.metrics.frame("duplicate")
			cs.emit(Event{Type: EventMessageUpdated, Key: m.Key, Message: &msg})
			return
		}
		cs.metrics.frame("delivered")
		cs.emit(Event{Type: EventMessageNew, Key: m.Key, Message: &msg})
		cs.markReadAsync(m.Key, unreadIDs)
		return
	}

	fresh := true
	if ambiguous {
		cs.model.ensure(m.Key)
	} else {
		fresh = cs.model.upsert(m)
	}
	count := 0
	if fresh && !m.IsMine {
		count = cs.unread.Increment(m.Key)
	}
	total := cs.unread.Total()
	cs.mu.Unlock()

	if !fresh || m.IsMine {
		cs.metrics.frame("duplicate")
		return
	}
	cs.metrics.frame("unread")
	cs.metrics.setUnread(total)
	cs.emit(Event{Type: EventUnread, Key: m.Key, Count: count, Message: &m})
	cs.notifier.Notify(m)
}

// LoadDirectory lists channels and members, creating their conversations
// and seeding channel unread counts from the server.
func (cs *ConversationSync) LoadDirectory(ctx context.Context) error {
	channels, chErr := cs.backend.ListChannels(ctx)
	members, mErr := cs.backend.ListMembers(ctx)

	cs.mu.Lock()
	for _, ch := range channels {
		k := ch.Key()
		cs.model.ensure(k)
		cs.model.setLabel(k, ch.Name)
		cs.unread.Seed(k, ch.UnreadCount)
	}
	for _, mem := range members {
		k := mem.Key()
		if k.ID == cs.session.MemberID {
			continue
		}
		cs.model.ensure(k)
		cs.model.setLabel(k, mem.Username)
	}
	total := cs.unread.Total()
	cs.mu.Unlock()

	cs.metrics.setUnread(total)
	cs.emit(Event{Type: EventDirectory, Count: len(channels) + len(members)})
	return errors.Join(chErr, mErr)
}

// ============================================================================
// Read access
// ============================================================================

// Active returns the active conversation key, or the zero Key.
func (cs *ConversationSync) Active() Key {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.active
}

// Conversation returns a snapshot of k.
func (cs *ConversationSync) Conversation(k Key) (Conversation, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	t := cs.model.get(k)
	if t == nil {
		return Conversation{}, false
	}
	return cs.snapshotLocked(t), true
}

// Conversations returns snapshots of every known conversation, in the
// order they were first referenced.
func (cs *ConversationSync) Conversations() []Conversation {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	keys := cs.model.keys()
	out := make([]Conversation, 0, len(keys))
	for _, k := range keys {
		out = append(out, cs.snapshotLocked(cs.model.get(k)))
	}
	return out
}

// Messages returns a copy of k's message list.
func (cs *ConversationSync) Messages(k Key) []Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.model.messages(k)
}

// Unread returns k's unread counter.
func (cs *ConversationSync) Unread(k Key) int { return cs.unread.Count(k) }

// UnreadTracker returns the engine's tracker.
func (cs *ConversationSync) UnreadTracker() *UnreadTracker { return cs.unread }

// Reset clears every conversation and counter, as on logout. In-flight
// fetches are cancelled and their results discarded.
func (cs *ConversationSync) Reset() {
	cs.mu.Lock()
	cs.genCancel()
	cs.gen++
	cs.genCtx, cs.genCancel = context.WithCancel(context.Background())
	cs.model.reset()
	cs.epoch++
	cs.active = Key{}
	cs.marked = make(map[string]struct{})
	cs.unread.Clear()
	cs.mu.Unlock()
	cs.metrics.setUnread(0)
}

// Close cancels in-flight fetches, waits for background work and drops
// every handler. Later calls return ErrClosed.
func (cs *ConversationSync) Close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	cs.genCancel()
	cs.mu.Unlock()

	cs.bg.Wait()
	if cs.notifier != nil {
		cs.notifier.Wait()
	}
	cs.removeAll()
}

func (cs *ConversationSync) snapshotLocked(t *thread) Conversation {
	return Conversation{
		Key:      t.key,
		Label:    t.label,
		Messages: cs.model.messages(t.key),
		Unread:   cs.unread.Count(t.key),
		Active:   t.key == cs.active,
	}
}

func (cs *ConversationSync) lookupLocked(k Key, id string) Message {
	t := cs.model.get(k)
	if t == nil {
		return Message{}
	}
	if i, ok := t.byID[id]; ok {
		return t.entries[i].msg
	}
	return Message{}
}

// ============================================================================
// Mark read
// ============================================================================

// unmarkedLocked returns the ids of inbound messages not yet marked read.
func (cs *ConversationSync) unmarkedLocked(msgs []Message) []string {
	var ids []string
	for _, m := range msgs {
		if m.IsMine || m.ID == "" || IsTempID(m.ID) {
			continue
		}
		if _, ok := cs.marked[m.ID]; ok {
			continue
		}
		cs.marked[m.ID] = struct{}{}
		ids = append(ids, m.ID)
	}
	return ids
}

func (cs *ConversationSync) markReadAsync(k Key, ids []string) {
	if !cs.markRead || len(ids) == 0 {
		return
	}
	cs.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cs.fetchTimeout)
		defer cancel()
		if err := cs.backend.MarkRead(ctx, k, ids); err != nil {
			cs.logger.Debug("mark read failed", slog.String("key", k.String()), slog.String("error", err.Error()))
		}
	})
}
