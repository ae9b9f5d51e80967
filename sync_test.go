package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeBackend struct {
	mu           sync.Mutex
	history      map[Key][]json.RawMessage
	gates        map[Key]chan struct{}
	ignoreCancel bool
	fetchErr     error
	fetches      int
	started      chan Key

	sendGate chan struct{}
	sendResp json.RawMessage
	sendErr  error
	sent     []SendRequest

	marked   map[Key][]string
	channels []Channel
	members  []Member
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history: make(map[Key][]json.RawMessage),
		gates:   make(map[Key]chan struct{}),
		marked:  make(map[Key][]string),
		started: make(chan Key, 64),
	}
}

func (f *fakeBackend) setHistory(k Key, raws ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[k] = nil
	for _, r := range raws {
		f.history[k] = append(f.history[k], json.RawMessage(r))
	}
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeBackend) FetchHistory(ctx context.Context, k Key) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.fetches++
	gate, ignore := f.gates[k], f.ignoreCancel
	f.mu.Unlock()
	select {
	case f.started <- k:
	default:
	}

	if gate != nil {
		if ignore {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]json.RawMessage(nil), f.history[k]...), nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, req SendRequest) (json.RawMessage, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	gate := f.sendGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendResp, f.sendErr
}

func (f *fakeBackend) MarkRead(_ context.Context, k Key, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[k] = append(f.marked[k], ids...)
	return nil
}

func (f *fakeBackend) ListChannels(context.Context) ([]Channel, error) { return f.channels, nil }
func (f *fakeBackend) ListMembers(context.Context) ([]Member, error)   { return f.members, nil }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func logEvents(cs *ConversationSync) *eventLog {
	l := &eventLog{}
	cs.OnEvent(func(e Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) of(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// inbound builds a DM from member 42 as the REST API returns it.
func inbound(id string, minute int) string {
	return fmt.Sprintf(`{"id":%q,"sender_id":9,"sender_member_id":42,"other_member_id":42,"is_sender":false,"content":"msg %s","created_at":"2026-01-01T10:%02d:00Z"}`, id, id, minute)
}

func outbound(id, content string, minute int) string {
	return fmt.Sprintf(`{"id":%q,"sender_id":7,"sender_member_id":17,"other_member_id":42,"is_sender":true,"content":%q,"created_at":"2026-01-01T10:%02d:00Z"}`, id, content, minute)
}

var peer = DMKey("42")

func newTestSync(t *testing.T, f *fakeBackend, opts ...SyncOption) *ConversationSync {
	t.Helper()
	cs := NewConversationSync(testSession(), f, opts...)
	t.Cleanup(cs.Close)
	return cs
}

type sendResult struct {
	msg Message
	err error
}

func sendAsync(cs *ConversationSync, k Key, content string) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		m, err := cs.Send(context.Background(), k, content, nil)
		ch <- sendResult{m, err}
	}()
	return ch
}

// ============================================================================
// Open / history
// ============================================================================

func TestSyncOpen(t *testing.T) {
	f := newFakeBackend()
	f.setHistory(peer, inbound("m2", 2), inbound("m1", 1))
	cs := newTestSync(t, f)
	events := logEvents(cs)

	if err := cs.Open(context.Background(), peer); err != nil {
		t.Fatalf("Open: %v", err)
	}
	assertIDs(t, cs.Messages(peer), "m1", "m2")
	if cs.Active() != peer {
		t.Errorf("active = %v", cs.Active())
	}
	synced := events.of(EventHistorySynced)
	if len(synced) != 1 || synced[0].Count != 2 {
		t.Errorf("synced events = %+v", synced)
	}
	conv, ok := cs.Conversation(peer)
	if !ok || !conv.Active || len(conv.Messages) != 2 {
		t.Errorf("conversation = %+v", conv)
	}

	if err := cs.Open(context.Background(), Key{}); !errors.Is(err, ErrNoConversation) {
		t.Errorf("null key: %v", err)
	}
}

func TestSyncOpenFetchFailure(t *testing.T) {
	f := newFakeBackend()
	f.fetchErr = errors.New("boom")
	cs := newTestSync(t, f)
	events := logEvents(cs)

	if err := cs.Open(context.Background(), peer); err == nil {
		t.Fatal("expected error")
	}
	if cs.Active() != peer {
		t.Error("failed fetch should still switch the active conversation")
	}
	if len(events.of(EventFetchFailed)) != 1 {
		t.Error("no fetch failure event")
	}
}

func TestSyncStaleFetchDiscarded(t *testing.T) {
	a, b := DMKey("42"), ChannelKey("3")

	for _, ignoreCancel := range []bool{false, true} {
		t.Run(fmt.Sprintf("backend ignores cancel=%v", ignoreCancel), func(t *testing.T) {
			f := newFakeBackend()
			f.ignoreCancel = ignoreCancel
			gate := make(chan struct{})
			f.gates[a] = gate
			f.setHistory(a, inbound("a1", 1))
			f.setHistory(b, `{"id":"b1","channel":3,"sender_id":9,"content":"hi","created_at":"2026-01-01T10:00:00Z"}`)
			cs := newTestSync(t, f)

			errA := make(chan error, 1)
			go func() { errA <- cs.Open(context.Background(), a) }()
			if k := <-f.started; k != a {
				t.Fatalf("first fetch for %v", k)
			}

			if err := cs.Open(context.Background(), b); err != nil {
				t.Fatalf("Open(b): %v", err)
			}
			close(gate)

			select {
			case err := <-errA:
				if !errors.Is(err, ErrSuperseded) {
					t.Fatalf("Open(a) = %v, want ErrSuperseded", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Open(a) never returned")
			}
			if cs.Active() != b {
				t.Errorf("active = %v", cs.Active())
			}
			if n := len(cs.Messages(a)); n != 0 {
				t.Errorf("stale history merged into %v: %d messages", a, n)
			}
			assertIDs(t, cs.Messages(b), "b1")
		})
	}
}

// ============================================================================
// Send
// ============================================================================

func TestSyncSendConfirmed(t *testing.T) {
	f := newFakeBackend()
	f.setHistory(peer, inbound("m1", 1))
	f.sendGate = make(chan struct{})
	f.sendResp = json.RawMessage(`{"id":"m2","sender_id":7,"recipient_id":42,"content":"hello","created_at":"2026-01-01T10:05:00Z"}`)
	cs := newTestSync(t, f)
	events := logEvents(cs)
	cs.Open(context.Background(), peer)

	res := sendAsync(cs, peer, "hello")
	eventually(t, "optimistic copy", func() bool { return len(cs.Messages(peer)) == 2 })

	pending := cs.Messages(peer)[1]
	if !IsTempID(pending.ID) || pending.State != DeliveryPending || !pending.IsMine || pending.Content != "hello" {
		t.Fatalf("optimistic copy = %+v", pending)
	}
	if pending.Nonce == "" {
		t.Error("optimistic copy has no nonce")
	}

	close(f.sendGate)
	r := <-res
	if r.err != nil {
		t.Fatalf("Send: %v", r.err)
	}
	if r.msg.ID != "m2" || r.msg.State != DeliveryConfirmed {
		t.Errorf("result = %+v", r.msg)
	}
	got := cs.Messages(peer)
	assertIDs(t, got, "m1", "m2")
	if !got[1].IsMine {
		t.Error("confirmed message lost isMine")
	}

	if len(events.of(EventMessageLocal)) != 1 || len(events.of(EventMessageConfirmed)) != 1 {
		t.Errorf("events: local=%d confirmed=%d", len(events.of(EventMessageLocal)), len(events.of(EventMessageConfirmed)))
	}
	f.mu.Lock()
	req := f.sent[0]
	f.mu.Unlock()
	if req.Key != peer || req.Content != "hello" || req.Nonce != pending.Nonce || req.Kind != MessageText {
		t.Errorf("request = %+v", req)
	}
}

func TestSyncSendFailureRollsBack(t *testing.T) {
	f := newFakeBackend()
	f.setHistory(peer, inbound("m1", 1))
	f.sendErr = &APIError{StatusCode: 500, Message: "down"}
	cs := newTestSync(t, f)
	events := logEvents(cs)
	cs.Open(context.Background(), peer)

	m, err := cs.Send(context.Background(), peer, "hello", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if m.State != DeliveryFailed {
		t.Errorf("state = %q", m.State)
	}
	assertIDs(t, cs.Messages(peer), "m1")

	failed := events.of(EventMessageFailed)
	if len(failed) != 1 || failed[0].Err == nil || failed[0].Message.Content != "hello" {
		t.Errorf("failed events = %+v", failed)
	}
	f.mu.Lock()
	attempts := len(f.sent)
	f.mu.Unlock()
	if attempts != 1 {
		t.Errorf("send attempted %d times", attempts)
	}
}

func TestSyncSendValidation(t *testing.T) {
	cs := newTestSync(t, newFakeBackend())
	if _, err := cs.Send(context.Background(), Key{}, "x", nil); !errors.Is(err, ErrNoConversation) {
		t.Errorf("null key: %v", err)
	}
	if _, err := cs.Send(context.Background(), peer, "", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty: %v", err)
	}
}

func TestSyncSendBareSuccess(t *testing.T) {
	t.Run("refetch replaces temp", func(t *testing.T) {
		f := newFakeBackend()
		f.setHistory(peer, inbound("m1", 1))
		cs := newTestSync(t, f)
		cs.Open(context.Background(), peer)

		f.setHistory(peer, inbound("m1", 1), outbound("m2", "hello", 2))
		m, err := cs.Send(context.Background(), peer, "hello", nil)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if m.ID != "m2" {
			t.Errorf("result id = %q", m.ID)
		}
		assertIDs(t, cs.Messages(peer), "m1", "m2")
	})

	t.Run("refetch fails", func(t *testing.T) {
		f := newFakeBackend()
		f.setHistory(peer, inbound("m1", 1))
		cs := newTestSync(t, f)
		cs.Open(context.Background(), peer)

		f.mu.Lock()
		f.fetchErr = errors.New("flaky")
		f.mu.Unlock()
		m, err := cs.Send(context.Background(), peer, "hello", nil)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		got := cs.Messages(peer)
		if len(got) != 2 || got[1].ID != m.ID || got[1].State != DeliveryConfirmed {
			t.Fatalf("messages = %+v", got)
		}

		f.mu.Lock()
		f.fetchErr = nil
		f.mu.Unlock()
		f.setHistory(peer, inbound("m1", 1), outbound("m2", "hello", 2))
		if err := cs.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		assertIDs(t, cs.Messages(peer), "m1", "m2")
	})

	t.Run("refetch lags the write", func(t *testing.T) {
		f := newFakeBackend()
		f.setHistory(peer, inbound("m1", 1))
		cs := newTestSync(t, f)
		cs.Open(context.Background(), peer)

		m, err := cs.Send(context.Background(), peer, "hello", nil)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if !IsTempID(m.ID) || m.State != DeliveryConfirmed {
			t.Fatalf("result = %+v", m)
		}
		assertIDs(t, cs.Messages(peer), "m1", m.ID)

		f.setHistory(peer, inbound("m1", 1), outbound("m2", "hello", 2))
		if err := cs.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		assertIDs(t, cs.Messages(peer), "m1", "m2")
	})
}

func TestSyncSendAfterReset(t *testing.T) {
	for name, resp := range map[string]json.RawMessage{
		"record":       json.RawMessage(`{"id":"m2","sender_id":7,"recipient_id":42,"content":"hello"}`),
		"bare":         nil,
		"with failure": nil,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFakeBackend()
			f.setHistory(peer, outbound("m2", "hello", 2))
			f.sendGate = make(chan struct{})
			f.sendResp = resp
			if name == "with failure" {
				f.sendErr = errors.New("boom")
			}
			cs := newTestSync(t, f)

			res := sendAsync(cs, peer, "hello")
			eventually(t, "optimistic copy", func() bool { return len(cs.Messages(peer)) == 1 })

			cs.Reset()
			close(f.sendGate)
			r := <-res
			if name == "with failure" {
				if r.err == nil {
					t.Fatal("expected send error")
				}
			} else if r.err != nil {
				t.Fatalf("Send: %v", r.err)
			}

			if n := len(cs.Conversations()); n != 0 {
				t.Fatalf("conversations after reset = %d", n)
			}
			if got := cs.Messages(peer); len(got) != 0 {
				t.Fatalf("messages after reset = %v", ids(got))
			}
		})
	}
}

// ============================================================================
// Live frames
// ============================================================================

func TestSyncEchoDeduplicated(t *testing.T) {
	f := newFakeBackend()
	f.sendGate = make(chan struct{})
	f.sendResp = json.RawMessage(`{"id":"m2","sender_id":7,"recipient_id":42,"content":"hello"}`)
	cs := newTestSync(t, f)
	events := logEvents(cs)
	cs.Open(context.Background(), peer)

	res := sendAsync(cs, peer, "hello")
	eventually(t, "optimistic copy", func() bool { return len(cs.Messages(peer)) == 1 })
	nonce := cs.Messages(peer)[0].Nonce

	echo := fmt.Sprintf(`{"id":"m2","channel":"dm-42","sender_id":7,"sender_member_id":17,"content":"hello","client_nonce":%q}`, nonce)
	cs.HandleFrame([]byte(echo))
	assertIDs(t, cs.Messages(peer), "m2")

	close(f.sendGate)
	if r := <-res; r.err != nil || r.msg.ID != "m2" {
		t.Fatalf("Send = %+v, %v", r.msg, r.err)
	}
	assertIDs(t, cs.Messages(peer), "m2")

	// A second echo updates in place.
	cs.HandleFrame([]byte(echo))
	assertIDs(t, cs.Messages(peer), "m2")
	if len(events.of(EventMessageNew)) != 0 {
		t.Error("echo of own send reported as new")
	}
	if len(events.of(EventMessageUpdated)) == 0 {
		t.Error("no update event for echo")
	}
}

func TestSyncReconnectDoesNotDuplicate(t *testing.T) {
	f := newFakeBackend()
	f.setHistory(peer, inbound("m1", 1), inbound("m2", 2))
	cs := newTestSync(t, f)
	cs.Open(context.Background(), peer)

	cs.HandleFrame([]byte(`{"id":"m3","channel":"dm-17","sender_id":9,"sender_member_id":42,"content":"live","created_at":"2026-01-01T10:03:00Z"}`))
	assertIDs(t, cs.Messages(peer), "m1", "m2", "m3")

	f.setHistory(peer, inbound("m1", 1), inbound("m2", 2), inbound("m3", 3))
	for i := 0; i < 2; i++ {
		if err := cs.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	assertIDs(t, cs.Messages(peer), "m1", "m2", "m3")
}

func TestSyncUnread(t *testing.T) {
	f := newFakeBackend()
	notifier := &fakeNotifier{allow: true}
	cs := newTestSync(t, f, WithNotifications(NewNotificationDispatcher(notifier)))
	events := logEvents(cs)
	cs.Open(context.Background(), peer)
	other := DMKey("99")

	fromCarol := `{"id":"x1","channel":"dm-17","sender_id":9,"sender_member_id":99,"sender_username":"carol","content":"psst"}`
	cs.HandleFrame([]byte(fromCarol))
	cs.HandleFrame([]byte(fromCarol))
	cs.HandleFrame([]byte(`{"id":"x2","channel":"dm-99","sender_id":7,"sender_member_id":17,"content":"from my phone"}`))
	cs.HandleFrame([]byte(`{"id":"a1","channel":"dm-17","sender_id":9,"sender_member_id":42,"content":"here"}`))

	if n := cs.Unread(other); n != 1 {
		t.Errorf("unread(%v) = %d, want 1", other, n)
	}
	if n := cs.Unread(peer); n != 0 {
		t.Errorf("unread(active) = %d", n)
	}
	assertIDs(t, cs.Messages(other), "x1", "x2")

	unread := events.of(EventUnread)
	last := unread[len(unread)-1]
	if last.Key != other || last.Count != 1 {
		t.Errorf("last unread event = %+v", last)
	}

	cs.Open(context.Background(), other)
	if cs.Unread(other) != 0 {
		t.Error("opening did not clear the counter")
	}

	cs.Close()
	if notifier.count() != 1 || notifier.titles[0] != "carol" {
		t.Errorf("notifications = %v", notifier.titles)
	}
}

func TestSyncChannelFramesDoNotNotify(t *testing.T) {
	notifier := &fakeNotifier{allow: true}
	cs := newTestSync(t, newFakeBackend(), WithNotifications(NewNotificationDispatcher(notifier)))
	cs.HandleFrame([]byte(`{"id":"c1","channel":"channel-3","sender_id":9,"content":"all hands"}`))
	if cs.Unread(ChannelKey("3")) != 1 {
		t.Error("channel message not counted")
	}
	cs.Close()
	if notifier.count() != 0 {
		t.Error("channel message raised a notification")
	}
}

func TestSyncRoutingOnlyFrameRefetches(t *testing.T) {
	k := ChannelKey("3")
	f := newFakeBackend()
	f.setHistory(k, `{"id":"c1","channel":3,"sender_id":9,"content":"a","created_at":"2026-01-01T10:00:00Z"}`)
	cs := newTestSync(t, f)
	cs.Open(context.Background(), k)

	f.setHistory(k,
		`{"id":"c1","channel":3,"sender_id":9,"content":"a","created_at":"2026-01-01T10:00:00Z"}`,
		`{"id":"c2","channel":3,"sender_id":9,"content":"b","created_at":"2026-01-01T10:01:00Z"}`,
	)
	cs.HandleFrame([]byte(`{"type":"new_message","channel":"channel-3"}`))
	eventually(t, "refetch", func() bool { return len(cs.Messages(k)) == 2 })
	assertIDs(t, cs.Messages(k), "c1", "c2")
}

func TestSyncFramesWithoutID(t *testing.T) {
	k := ChannelKey("7")
	first := `{"channel":7,"sender_id":9,"content":"first"}`
	second := `{"channel":7,"sender_id":9,"content":"second"}`

	t.Run("active conversation refetches", func(t *testing.T) {
		f := newFakeBackend()
		f.setHistory(k, `{"id":"c1","channel":7,"sender_id":9,"content":"a","created_at":"2026-01-01T10:00:00Z"}`)
		cs := newTestSync(t, f)
		cs.Open(context.Background(), k)

		f.setHistory(k,
			`{"id":"c1","channel":7,"sender_id":9,"content":"a","created_at":"2026-01-01T10:00:00Z"}`,
			`{"id":"c2","channel":7,"sender_id":9,"content":"first","created_at":"2026-01-01T10:01:00Z"}`,
			`{"id":"c3","channel":7,"sender_id":9,"content":"second","created_at":"2026-01-01T10:02:00Z"}`,
		)
		cs.HandleFrame([]byte(first))
		cs.HandleFrame([]byte(second))
		for _, m := range cs.Messages(k) {
			if m.ID == "" {
				t.Fatal("stored a message without id")
			}
		}

		eventually(t, "refetch", func() bool { return len(cs.Messages(k)) == 3 })
		assertIDs(t, cs.Messages(k), "c1", "c2", "c3")
		if f.fetchCount() < 2 {
			t.Errorf("fetches = %d", f.fetchCount())
		}
	})

	t.Run("inactive conversation counts each frame", func(t *testing.T) {
		cs := newTestSync(t, newFakeBackend())
		events := logEvents(cs)

		cs.HandleFrame([]byte(first))
		cs.HandleFrame([]byte(second))
		if n := cs.Unread(k); n != 2 {
			t.Errorf("unread = %d, want 2", n)
		}
		if got := cs.Messages(k); len(got) != 0 {
			t.Errorf("messages = %v", ids(got))
		}
		if n := len(events.of(EventUnread)); n != 2 {
			t.Errorf("unread events = %d", n)
		}
	})
}

func TestSyncUnroutableFrameDropped(t *testing.T) {
	cs := newTestSync(t, newFakeBackend())
	cs.HandleFrame([]byte(`{"id":"z","content":"nowhere"}`))
	cs.HandleFrame([]byte(`not json`))
	if n := len(cs.Conversations()); n != 0 {
		t.Errorf("conversations = %d", n)
	}
}

func TestSyncMarksRead(t *testing.T) {
	f := newFakeBackend()
	f.setHistory(peer, outbound("m0", "hi", 0), inbound("m1", 1))
	cs := newTestSync(t, f)
	cs.Open(context.Background(), peer)

	live := []byte(`{"id":"a1","channel":"dm-17","sender_id":9,"sender_member_id":42,"content":"here"}`)
	cs.HandleFrame(live)
	cs.HandleFrame(live)
	cs.Refresh(context.Background())
	cs.Close()

	f.mu.Lock()
	got := append([]string(nil), f.marked[peer]...)
	f.mu.Unlock()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a1" || got[1] != "m1" {
		t.Errorf("marked = %v", got)
	}
}

// ============================================================================
// Directory / lifecycle
// ============================================================================

func TestSyncLoadDirectory(t *testing.T) {
	f := newFakeBackend()
	f.channels = []Channel{{ID: 3, Name: "general", UnreadCount: 4}, {ID: 5, Name: "random"}}
	f.members = []Member{{ID: 17, Username: "alice"}, {ID: 42, Username: "bob"}}
	cs := newTestSync(t, f)

	if err := cs.LoadDirectory(context.Background()); err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if cs.Unread(ChannelKey("3")) != 4 {
		t.Errorf("seeded unread = %d", cs.Unread(ChannelKey("3")))
	}
	labels := map[Key]string{}
	for _, c := range cs.Conversations() {
		labels[c.Key] = c.Label
	}
	want := map[Key]string{ChannelKey("3"): "general", ChannelKey("5"): "random", DMKey("42"): "bob"}
	if len(labels) != len(want) {
		t.Fatalf("conversations = %v", labels)
	}
	for k, l := range want {
		if labels[k] != l {
			t.Errorf("label(%v) = %q, want %q", k, labels[k], l)
		}
	}
}

func TestSyncAttachPolling(t *testing.T) {
	f := newFakeBackend()
	f.setHistory(peer, inbound("m1", 1))
	cs := newTestSync(t, f)
	events := logEvents(cs)

	tm := NewTransportManager(testSession(), fastConfig())
	cs.Attach(tm)
	cs.Open(context.Background(), peer)
	tm.Connect(context.Background(), EndpointConfig{})
	defer tm.Disconnect()

	eventually(t, "poll refetches", func() bool { return f.fetchCount() >= 3 })
	assertIDs(t, cs.Messages(peer), "m1")

	var sawPolling bool
	for _, e := range events.of(EventTransport) {
		sawPolling = sawPolling || e.State == StatePollingFallback
	}
	if !sawPolling {
		t.Error("no polling transport event")
	}
}

func TestSyncResetAndClose(t *testing.T) {
	f := newFakeBackend()
	f.setHistory(peer, inbound("m1", 1))
	cs := newTestSync(t, f)
	cs.Open(context.Background(), peer)
	cs.HandleFrame([]byte(`{"id":"c1","channel":"channel-3","sender_id":9,"content":"x"}`))

	cs.Reset()
	if len(cs.Conversations()) != 0 || !cs.Active().IsZero() || cs.UnreadTracker().Total() != 0 {
		t.Fatal("reset left state behind")
	}

	cs.Close()
	if err := cs.Open(context.Background(), peer); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close = %v", err)
	}
	if _, err := cs.Send(context.Background(), peer, "x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v", err)
	}
}
