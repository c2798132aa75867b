// Package signals records user happiness signals for voice input.
//
// The voice IME marks a [Tracker] as pending whenever it produced something
// worth logging (recognition results delivered, for example). When a host
// application later decides the user "accepted" the IME text, such as by
// pressing Send, it calls [Tracker.AcceptText]. If logging info is pending,
// one IME_TEXT_ACCEPTED event is published and the tracker returns to idle.
package signals

import (
	"log/slog"
	"sync"
	"time"

	"tools.zach/dev/imesignals/internal/intent"
	"tools.zach/dev/imesignals/internal/logevents"
)

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Caller is the host execution context accepting IME text.
type Caller interface {
	// PackageName identifies the calling application.
	PackageName() string
}

// PackageName is a Caller known only by its application identifier.
type PackageName string

// PackageName returns p.
func (p PackageName) PackageName() string { return string(p) }

// Notifier publishes events. Implementations are fire-and-forget: they do not
// report delivery and must not block for long.
type Notifier interface {
	Publish(Event)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(Event)

// Publish calls f(ev).
func (f NotifierFunc) Publish(ev Event) { f(ev) }

// ///////////////////////////////////////////////
// Event
// ///////////////////////////////////////////////

// Event is the notification emitted when pending voice logging info is
// flushed by an accepted IME text.
type Event struct {
	// AppName is always [logevents.VoiceImeAppName].
	AppName string
	// Kind is always [logevents.VoiceImeTextAccepted].
	Kind string
	// CallingApp is the package name of the application that accepted text.
	CallingApp string
	// Timestamp is the emission time in milliseconds since the Unix epoch.
	Timestamp int64
}

// Intent converts ev to the ACTION_LOG_EVENT broadcast.
func (ev Event) Intent() intent.Intent {
	in := intent.New(logevents.ActionLogEvent)
	in.PutString(logevents.ExtraAppName, ev.AppName)
	in.PutString(logevents.ExtraEvent, ev.Kind)
	in.PutString(logevents.ExtraCallingAppName, ev.CallingApp)
	in.PutLong(logevents.ExtraTimestamp, ev.Timestamp)
	return in
}

// ///////////////////////////////////////////////
// Tracker
// ///////////////////////////////////////////////

// Tracker owns the "voice logging info pending" flag.
type Tracker struct {
	notifier Notifier
	// now is the clock used for event timestamps.
	now func() time.Time

	mu      sync.Mutex
	pending bool
}

// NewTracker returns an idle Tracker that publishes through n. A nil n drops
// every event.
func NewTracker(n Notifier) *Tracker {
	return &Tracker{notifier: n, now: time.Now}
}

// SetPending records whether there is voice input activity left to log.
// The last write wins.
func (t *Tracker) SetPending(pending bool) {
	t.mu.Lock()
	t.pending = pending
	t.mu.Unlock()
}

// Pending reports whether voice logging info is pending.
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// AcceptText reports that caller accepted IME text. When logging info is
// pending, one event is published and the flag is cleared; otherwise this is
// a no-op. A nil caller is reported with an empty calling app.
func (t *Tracker) AcceptText(caller Caller) {
	t.mu.Lock()
	if !t.pending {
		t.mu.Unlock()
		return
	}
	t.pending = false
	ev := Event{
		AppName:   logevents.VoiceImeAppName,
		Kind:      logevents.VoiceImeTextAccepted,
		Timestamp: t.now().UnixMilli(),
	}
	t.mu.Unlock()

	if caller != nil {
		ev.CallingApp = caller.PackageName()
	}
	if t.notifier == nil {
		slog.Debug("no notifier, dropping event", "event", ev.Kind, "calling_app", ev.CallingApp)
		return
	}
	t.notifier.Publish(ev)
}
