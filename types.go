package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAuthRequired is returned when the backend rejects the session
	// credentials. Callers should re-authenticate; nothing is retried.
	ErrAuthRequired = errors.New("chatsync: authentication required")
	// ErrSuperseded is returned by Open when a newer Open replaced it
	// before its history arrived.
	ErrSuperseded = errors.New("chatsync: superseded by a newer open")
	// ErrNoConversation is returned for operations on the null key.
	ErrNoConversation = errors.New("chatsync: no conversation")
	// ErrEmptyMessage is returned by Send when there is nothing to send.
	ErrEmptyMessage = errors.New("chatsync: empty message")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("chatsync: closed")
)

// APIError represents a non-2xx response from the chat backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Is reports 401/403 responses as ErrAuthRequired.
func (e *APIError) Is(target error) bool {
	if target != ErrAuthRequired {
		return false
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// ============================================================================
// Conversation Keys
// ============================================================================

// KeyKind distinguishes direct-message conversations from channels.
type KeyKind string

const (
	KindDM      KeyKind = "dm"
	KindChannel KeyKind = "channel"
)

// Key identifies a conversation. For KindDM the ID is the peer's member id,
// for KindChannel it is the channel id. The zero Key is the null key.
type Key struct {
	Kind KeyKind
	ID   string
}

// DMKey returns the key of the direct conversation with a member.
func DMKey(memberID string) Key { return Key{Kind: KindDM, ID: memberID} }

// ChannelKey returns the key of a channel conversation.
func ChannelKey(channelID string) Key { return Key{Kind: KindChannel, ID: channelID} }

// IsZero reports whether k is the null key.
func (k Key) IsZero() bool { return k.Kind == "" || k.ID == "" }

func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.Kind) + ":" + k.ID
}

func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Key) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = Key{}
		return nil
	}
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses "dm:42" and "channel:7", plus the backend's composite
// group names "dm-42" and "channel-7".
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{":", "-"} {
		kind, id, ok := strings.Cut(s, sep)
		if !ok || id == "" {
			continue
		}
		switch KeyKind(strings.ToLower(kind)) {
		case KindDM:
			return DMKey(id), nil
		case KindChannel:
			return ChannelKey(id), nil
		}
	}
	return Key{}, fmt.Errorf("invalid conversation key %q", s)
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

// DeliveryState tracks an outgoing message through the optimistic send.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// tempIDPrefix marks ids assigned locally before the server confirms a send.
const tempIDPrefix = "temp-"

// IsTempID reports whether id was assigned locally for an optimistic send.
func IsTempID(id string) bool { return strings.HasPrefix(id, tempIDPrefix) }

// Message is the canonical form of every message the engine handles.
type Message struct {
	ID             string        `json:"id"`
	Key            Key           `json:"conversation"`
	SenderID       string        `json:"senderId,omitempty"`
	SenderMemberID string        `json:"senderMemberId,omitempty"`
	SenderLabel    string        `json:"senderLabel,omitempty"`
	Content        string        `json:"content"`
	Kind           MessageKind   `json:"kind"`
	AttachmentRef  string        `json:"attachment,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	IsMine         bool          `json:"isMine"`
	State          DeliveryState `json:"state"`
	Nonce          string        `json:"nonce,omitempty"`

	// RoutingOnly is set for frames that name a conversation but carry no
	// message body. They ask the receiver to refetch.
	RoutingOnly bool `json:"-"`
}

// Attachment is a single file sent alongside a message.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// ============================================================================
// Conversations & Directory
// ============================================================================

// Conversation is a read-only snapshot of one conversation.
type Conversation struct {
	Key      Key       `json:"key"`
	Label    string    `json:"label,omitempty"`
	Messages []Message `json:"messages"`
	Unread   int       `json:"unread"`
	Active   bool      `json:"active"`
}

// Channel is a channel listing entry.
type Channel struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type,omitempty"`
	UnreadCount int             `json:"unread_count"`
	LastMessage json.RawMessage `json:"last_message,omitempty"`
}

// Key returns the channel's conversation key.
func (c Channel) Key() Key { return ChannelKey(fmt.Sprint(c.ID)) }

// Member is a member listing entry. DM conversations are keyed by member id.
type Member struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// Key returns the key of the DM conversation with the member.
func (m Member) Key() Key { return DMKey(fmt.Sprint(m.ID)) }

// ============================================================================
// Transport State
// ============================================================================

// TransportState is the live-transport lifecycle state.
type TransportState string

const (
	StateDisconnected    TransportState = "disconnected"
	StateConnecting      TransportState = "connecting"
	StateConnected       TransportState = "connected"
	StateReconnecting    TransportState = "reconnecting"
	StatePollingFallback TransportState = "polling"
)
