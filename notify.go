package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gen2brain/beeep"
	"golang.org/x/time/rate"
)

// ============================================================================
// Notifier capability
// ============================================================================

// ErrNotificationsUnavailable is returned by a Notifier that cannot show
// notifications in the current environment.
var ErrNotificationsUnavailable = errors.New("chatsync: notifications unavailable")

// Notifier shows OS-level notifications.
type Notifier interface {
	// RequestPermission asks once whether notifications may be shown.
	RequestPermission(ctx context.Context) (bool, error)
	Notify(title, body string) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) RequestPermission(context.Context) (bool, error) { return false, nil }
func (NopNotifier) Notify(string, string) error                     { return nil }

// DesktopNotifier shows notifications through the platform's notification
// service.
type DesktopNotifier struct {
	// Icon is an optional path to the notification icon.
	Icon string
}

// RequestPermission reports whether a notification service is reachable.
// On Linux that needs a session bus or a display.
func (d DesktopNotifier) RequestPermission(context.Context) (bool, error) {
	if runtime.GOOS == "linux" || runtime.GOOS == "freebsd" {
		if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" && os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
			return false, ErrNotificationsUnavailable
		}
	}
	return true, nil
}

func (d DesktopNotifier) Notify(title, body string) error {
	return beeep.Notify(title, body, d.Icon)
}

// ============================================================================
// NotificationDispatcher
// ============================================================================

// NotifyOption configures a NotificationDispatcher.
type NotifyOption func(*NotificationDispatcher)

// WithNotifyRate caps notifications at r per second with the given burst.
func WithNotifyRate(r float64, burst int) NotifyOption {
	return func(d *NotificationDispatcher) { d.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithNotifyLogger sets the dispatcher's logger.
func WithNotifyLogger(l *slog.Logger) NotifyOption {
	return func(d *NotificationDispatcher) { d.logger = l }
}

// WithNotifyMetrics records notification outcomes.
func WithNotifyMetrics(m *Metrics) NotifyOption {
	return func(d *NotificationDispatcher) { d.metrics = m }
}

// NotificationDispatcher raises a notification for inbound direct messages
// on conversations the user is not looking at. It never blocks the caller
// and never panics.
type NotificationDispatcher struct {
	notifier Notifier
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *Metrics

	permOnce  sync.Once
	permitted bool
	wg        sync.WaitGroup
}

// NewNotificationDispatcher wraps n. A nil n behaves like NopNotifier.
func NewNotificationDispatcher(n Notifier, opts ...NotifyOption) *NotificationDispatcher {
	if n == nil {
		n = NopNotifier{}
	}
	d := &NotificationDispatcher{
		notifier: n,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		logger:   discardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify queues a notification for msg. Channel traffic and our own
// messages are ignored.
func (d *NotificationDispatcher) Notify(msg Message) {
	if d == nil || msg.Key.Kind != KindDM || msg.IsMine || msg.RoutingOnly {
		return
	}
	if !d.limiter.Allow() {
		d.metrics.notification("limited")
		return
	}
	d.wg.Add(1)
	go d.deliver(msg)
}

// Wait blocks until queued notifications have been handed to the notifier.
func (d *NotificationDispatcher) Wait() { d.wg.Wait() }

func (d *NotificationDispatcher) deliver(msg Message) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("notifier panicked", slog.Any("panic", r))
			d.metrics.notification("error")
		}
	}()

	d.permOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ok, err := d.notifier.RequestPermission(ctx)
		if err != nil {
			d.logger.Debug("notification permission unavailable", slog.String("error", err.Error()))
		}
		d.permitted = ok && err == nil
	})
	if !d.permitted {
		d.metrics.notification("denied")
		return
	}

	if err := d.notifier.Notify(notificationTitle(msg), notificationBody(msg)); err != nil {
		d.logger.Debug("notification failed", slog.String("error", err.Error()))
		d.metrics.notification("error")
		return
	}
	d.metrics.notification("sent")
}

func notificationTitle(msg Message) string {
	if msg.SenderLabel != "" {
		return msg.SenderLabel
	}
	return "New message"
}

const maxNotificationBody = 120

func notificationBody(msg Message) string {
	body := msg.Content
	if body == "" {
		switch msg.Kind {
		case MessageImage:
			return "Sent an image"
		case MessageFile:
			return "Sent a file"
		}
		return "New message"
	}
	if utf8.RuneCountInString(body) <= maxNotificationBody {
		return body
	}
	r := []rune(body)
	return string(r[:maxNotificationBody-3]) + "..."
}
