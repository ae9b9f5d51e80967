package chatsync

import (
	"sort"
)

// conversationModel holds every conversation's ordered message list. It is
// not goroutine-safe; ConversationSync guards it with its own mutex.
type conversationModel struct {
	threads map[Key]*thread
	order   []Key
	seq     uint64
}

type thread struct {
	key     Key
	label   string
	entries []entry
	byID    map[string]int
}

// entry pairs a message with the sequence number it was first seen at,
// which breaks createdAt ties.
type entry struct {
	msg Message
	seq uint64
}

func newConversationModel() *conversationModel {
	return &conversationModel{threads: make(map[Key]*thread)}
}

// ensure returns the thread for k, creating it on first reference.
func (m *conversationModel) ensure(k Key) *thread {
	if t, ok := m.threads[k]; ok {
		return t
	}
	t := &thread{key: k, byID: make(map[string]int)}
	m.threads[k] = t
	m.order = append(m.order, k)
	return t
}

func (m *conversationModel) get(k Key) *thread { return m.threads[k] }

func (m *conversationModel) keys() []Key { return append([]Key(nil), m.order...) }

func (m *conversationModel) setLabel(k Key, label string) {
	if label != "" {
		m.ensure(k).label = label
	}
}

func (m *conversationModel) reset() {
	m.threads = make(map[Key]*thread)
	m.order = nil
}

func (m *conversationModel) nextSeq() uint64 {
	m.seq++
	return m.seq
}

// messages returns a copy of k's message list.
func (m *conversationModel) messages(k Key) []Message {
	t := m.threads[k]
	if t == nil {
		return nil
	}
	out := make([]Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// has reports whether k currently holds a message with id.
func (m *conversationModel) has(k Key, id string) bool {
	t := m.threads[k]
	if t == nil {
		return false
	}
	_, ok := t.byID[id]
	return ok
}

// byNonce returns k's message carrying nonce.
func (m *conversationModel) byNonce(k Key, nonce string) (Message, bool) {
	t := m.threads[k]
	if t == nil || nonce == "" {
		return Message{}, false
	}
	for _, e := range t.entries {
		if e.msg.Nonce == nonce {
			return e.msg, true
		}
	}
	return Message{}, false
}

// ============================================================================
// Mutations
// ============================================================================

// upsert appends msg unless a message with the same id, or a pending
// message with the same nonce, is already present; then the existing entry
// is updated in place. Reports whether msg was appended. Messages without
// an id are never stored.
func (m *conversationModel) upsert(msg Message) bool {
	if msg.ID == "" {
		return false
	}
	t := m.ensure(msg.Key)
	if i, ok := t.find(msg); ok {
		t.update(i, msg)
		return false
	}
	t.entries = append(t.entries, entry{msg: msg, seq: m.nextSeq()})
	t.byID[msg.ID] = len(t.entries) - 1
	return true
}

// merge unions a history page into k by id and re-sorts by createdAt.
// Entries keep their original sequence, so equal timestamps never swap.
// Returns the number of messages added.
func (m *conversationModel) merge(k Key, items []Message) int {
	added, _ := m.mergeSettle(k, items)
	return added
}

// mergeSettle is merge that also reports, by temp id, the confirmed temp
// entries the page settled. A confirmed entry still under its temp id is
// dropped only when the page holds its server copy: a message first seen
// after the temp entry that sameSend matches. Each page message settles at
// most one temp entry.
func (m *conversationModel) mergeSettle(k Key, items []Message) (int, map[string]string) {
	t := m.ensure(k)
	added := 0
	for _, msg := range items {
		if msg.ID == "" {
			continue
		}
		msg.Key = k
		if i, ok := t.find(msg); ok {
			t.update(i, msg)
			continue
		}
		t.entries = append(t.entries, entry{msg: msg, seq: m.nextSeq()})
		t.byID[msg.ID] = len(t.entries) - 1
		added++
	}

	settled := make(map[string]string)
	claimed := make(map[string]bool)
	for _, e := range t.entries {
		if !IsTempID(e.msg.ID) || e.msg.State != DeliveryConfirmed {
			continue
		}
		for _, msg := range items {
			i, ok := t.byID[msg.ID]
			if !ok || claimed[msg.ID] || t.entries[i].seq < e.seq {
				continue
			}
			if sameSend(e.msg, t.entries[i].msg) {
				claimed[msg.ID] = true
				settled[e.msg.ID] = msg.ID
				break
			}
		}
	}

	kept := t.entries[:0]
	for _, e := range t.entries {
		if _, ok := settled[e.msg.ID]; ok {
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
	t.reindex()
	return added, settled
}

// sameSend reports whether server is the backend's copy of the optimistic
// message local. Nonces decide when both carry one.
func sameSend(local, server Message) bool {
	if IsTempID(server.ID) {
		return false
	}
	if local.Nonce != "" && server.Nonce != "" {
		return local.Nonce == server.Nonce
	}
	return server.IsMine && server.Content == local.Content
}

// confirm replaces the pending message tempID with its server copy. The
// temp slot keeps its position; if a live echo of the server id already
// landed elsewhere, that later copy is dropped. Returns false if tempID is
// gone, in which case the server copy is upserted.
func (m *conversationModel) confirm(k Key, tempID string, server Message) bool {
	server.Key = k
	server.State = DeliveryConfirmed
	t := m.ensure(k)
	i, ok := t.byID[tempID]
	if !ok {
		m.upsert(server)
		return false
	}
	if j, dup := t.byID[server.ID]; dup && j != i {
		prev := t.entries[j].msg
		t.entries = append(t.entries[:j], t.entries[j+1:]...)
		if j < i {
			i--
		}
		t.entries[i].msg = prev
	}
	merged := t.entries[i].msg
	mergeFields(&merged, server)
	merged.ID = server.ID
	merged.State = DeliveryConfirmed
	t.entries[i].msg = merged
	t.reindex()
	return true
}

// remove deletes id from k. Reports whether it was present.
func (m *conversationModel) remove(k Key, id string) bool {
	t := m.threads[k]
	if t == nil {
		return false
	}
	i, ok := t.byID[id]
	if !ok {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.reindex()
	return true
}

// ============================================================================
// thread helpers
// ============================================================================

func (t *thread) find(msg Message) (int, bool) {
	if i, ok := t.byID[msg.ID]; ok {
		return i, true
	}
	if msg.Nonce == "" {
		return 0, false
	}
	for i, e := range t.entries {
		if e.msg.State == DeliveryPending && e.msg.Nonce == msg.Nonce {
			return i, true
		}
	}
	return 0, false
}

// update folds msg into entry i, keeping its position. A pending entry
// takes the incoming id, which is how a server echo confirms a send.
func (t *thread) update(i int, msg Message) {
	cur := t.entries[i].msg
	if cur.State == DeliveryPending && msg.State == DeliveryConfirmed && msg.ID != "" {
		delete(t.byID, cur.ID)
		cur.ID = msg.ID
		t.byID[cur.ID] = i
	}
	mergeFields(&cur, msg)
	t.entries[i].msg = cur
}

func (t *thread) reindex() {
	clear(t.byID)
	for i, e := range t.entries {
		t.byID[e.msg.ID] = i
	}
}

// mergeFields copies the non-empty fields of src into dst. Confirmed is
// terminal.
func mergeFields(dst *Message, src Message) {
	if src.SenderID != "" {
		dst.SenderID = src.SenderID
	}
	if src.SenderMemberID != "" {
		dst.SenderMemberID = src.SenderMemberID
	}
	if src.SenderLabel != "" {
		dst.SenderLabel = src.SenderLabel
	}
	if src.Content != "" {
		dst.Content = src.Content
	}
	if src.Kind != "" {
		dst.Kind = src.Kind
	}
	if src.AttachmentRef != "" {
		dst.AttachmentRef = src.AttachmentRef
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if src.Nonce != "" {
		dst.Nonce = src.Nonce
	}
	dst.IsMine = dst.IsMine || src.IsMine
	if dst.State != DeliveryConfirmed && src.State != "" {
		dst.State = src.State
	}
}
