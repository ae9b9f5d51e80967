package chatsync

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Normalizer turns raw message payloads, from the live transport or from a
// REST history response, into Messages. It never fails: a payload it cannot
// route comes back with a zero Key and should be dropped.
type Normalizer struct {
	Session Session
	// Now stamps messages that carry no timestamp. Defaults to time.Now.
	Now func() time.Time
}

// NewNormalizer returns a Normalizer for the given session.
func NewNormalizer(s Session) *Normalizer {
	return &Normalizer{Session: s, Now: time.Now}
}

// Normalize converts one payload.
func (n *Normalizer) Normalize(raw []byte) Message {
	return n.NormalizeWithHint(raw, Key{})
}

// NormalizeWithHint converts one payload, routing it to hint when the
// payload carries no addressing of its own. History items are fetched per
// conversation and often omit it.
func (n *Normalizer) NormalizeWithHint(raw []byte, hint Key) Message {
	if !gjson.ValidBytes(raw) {
		return Message{}
	}
	obj := unwrapEnvelope(gjson.ParseBytes(raw))
	if !obj.IsObject() {
		return Message{}
	}

	m := Message{
		ID:             str(first(obj, "id", "message_id", "messageId", "pk")),
		SenderID:       senderID(obj),
		SenderMemberID: str(first(obj, "sender_member_id", "senderMemberId", "sender.member_id")),
		SenderLabel:    str(first(obj, "sender_username", "senderUsername", "sender.username", "sender.name", "sender_name", "senderName")),
		Content:        str(first(obj, "content", "message", "text", "body")),
		AttachmentRef:  str(first(obj, "file_url", "fileUrl", "attachment", "file")),
		Nonce:          str(first(obj, "client_nonce", "clientNonce", "nonce")),
		State:          DeliveryConfirmed,
	}
	m.Kind = messageKind(str(first(obj, "message_type", "messageType", "type", "kind")), m.AttachmentRef)
	m.CreatedAt = n.timestamp(first(obj, "created_at", "createdAt", "timestamp", "sent_at"))

	if mine := first(obj, "is_sender", "isMine", "is_mine", "outgoing"); mine.Type == gjson.True || mine.Type == gjson.False {
		m.IsMine = mine.Bool()
	} else {
		m.IsMine = n.Session.IsSelf(m.SenderID, m.SenderMemberID)
	}
	if m.IsMine && m.SenderMemberID == "" {
		m.SenderMemberID = n.Session.MemberID
	}

	// An unroutable payload keeps its fields under the zero Key.
	m.Key = n.route(obj, m, hint)
	m.RoutingOnly = m.ID == "" && m.Content == "" && m.AttachmentRef == ""
	return m
}

// route derives the conversation key. First match wins.
func (n *Normalizer) route(obj gjson.Result, m Message, hint Key) Key {
	if other := str(obj.Get("other_member_id")); other != "" {
		return DMKey(other)
	}

	if ch := obj.Get("channel"); ch.Exists() {
		switch ch.Type {
		case gjson.Number:
			return ChannelKey(ch.String())
		case gjson.String:
			if k := n.composite(ch.Str, m); !k.IsZero() {
				return k
			}
		case gjson.JSON:
			if id := str(ch.Get("id")); id != "" {
				return ChannelKey(id)
			}
		}
	}
	if id := str(first(obj, "channel_id", "channelId")); id != "" {
		return ChannelKey(id)
	}
	if c := str(first(obj, "conversation", "conversationKey", "conversation_key", "conversationId")); c != "" {
		if k := n.composite(c, m); !k.IsZero() {
			return k
		}
	}

	if recipient := str(first(obj, "recipient_member.id", "recipient_id", "recipientId")); recipient != "" {
		if m.IsMine || (recipient != n.Session.MemberID && m.SenderMemberID == "") {
			return DMKey(recipient)
		}
		if m.SenderMemberID != "" {
			return DMKey(m.SenderMemberID)
		}
	}

	if !hint.IsZero() {
		return hint
	}
	if m.SenderMemberID != "" && !m.IsMine {
		return DMKey(m.SenderMemberID)
	}
	return Key{}
}

// composite parses "channel-7" / "dm-42" style names. A bare number is a
// channel id. For "dm-X" the backend names the recipient, so when X is us
// the conversation is with the sender.
func (n *Normalizer) composite(s string, m Message) Key {
	if s == "" {
		return Key{}
	}
	if isDigits(s) {
		return ChannelKey(s)
	}
	k, err := ParseKey(s)
	if err != nil {
		return Key{}
	}
	if k.Kind == KindDM && n.Session.MemberID != "" && k.ID == n.Session.MemberID {
		if m.SenderMemberID == "" || m.SenderMemberID == n.Session.MemberID {
			return Key{}
		}
		return DMKey(m.SenderMemberID)
	}
	return k
}

// ============================================================================
// Field helpers
// ============================================================================

// unwrapEnvelope strips {"message": {...}}, {"type", "payload": {...}} and
// {"data": {...}} wrappers, up to a few levels deep.
func unwrapEnvelope(r gjson.Result) gjson.Result {
	for i := 0; i < 3; i++ {
		var inner gjson.Result
		for _, k := range []string{"payload", "data", "message"} {
			if v := r.Get(k); v.IsObject() {
				inner = v
				break
			}
		}
		if !inner.Exists() {
			return r
		}
		r = inner
	}
	return r
}

func first(obj gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := obj.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// str renders scalars as strings. Objects and arrays render empty.
func str(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.Number:
		return r.String()
	default:
		return ""
	}
}

func senderID(obj gjson.Result) string {
	if id := str(first(obj, "sender_id", "senderId", "sender.id", "user_id")); id != "" {
		return id
	}
	return str(obj.Get("sender"))
}

func messageKind(raw, attachment string) MessageKind {
	switch MessageKind(strings.ToLower(raw)) {
	case MessageText, MessageImage, MessageFile:
		return MessageKind(strings.ToLower(raw))
	}
	if attachment == "" {
		return MessageText
	}
	name, _, _ := strings.Cut(attachment, "?")
	if strings.HasPrefix(guessMimeType(name), "image/") {
		return MessageImage
	}
	return MessageFile
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

func (n *Normalizer) timestamp(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.String:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, r.Str); err == nil {
				return t
			}
		}
	case gjson.Number:
		v := r.Int()
		if v > 1e12 {
			return time.UnixMilli(v)
		}
		return time.Unix(v, 0)
	}
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
