// Package notify provides [signals.Notifier] implementations: broadcasting on
// the local bus, posting to a webhook, logging, and fanning out to several
// of these at once.
//
// Notifiers never return errors to the tracker. Delivery problems are logged
// and the event is dropped.
package notify

import (
	"log/slog"

	"tools.zach/dev/imesignals/internal/intent"
	"tools.zach/dev/imesignals/internal/signals"
)

// ///////////////////////////////////////////////
// Bus
// ///////////////////////////////////////////////

// Broadcaster delivers an intent to bus subscribers. Both the in-process
// bus server and a remote bus client satisfy it.
type Broadcaster interface {
	Broadcast(in intent.Intent) error
}

// Bus publishes events as ACTION_LOG_EVENT broadcasts.
type Bus struct {
	B Broadcaster
}

// Publish broadcasts ev. Failures are logged.
func (n Bus) Publish(ev signals.Event) {
	if err := n.B.Broadcast(ev.Intent()); err != nil {
		slog.Warn("broadcast log event failed",
			"event", ev.Kind,
			"calling_app", ev.CallingApp,
			"error", err,
		)
	}
}

// ///////////////////////////////////////////////
// Log
// ///////////////////////////////////////////////

// Log records every event at info level on a logger.
type Log struct {
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// Publish logs ev.
func (n Log) Publish(ev signals.Event) {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("log event",
		"app", ev.AppName,
		"event", ev.Kind,
		"calling_app", ev.CallingApp,
		"timestamp", ev.Timestamp,
	)
}

// ///////////////////////////////////////////////
// Multi
// ///////////////////////////////////////////////

// Multi publishes to each notifier in order. Nil entries are skipped.
type Multi []signals.Notifier

// Publish forwards ev to every notifier.
func (m Multi) Publish(ev signals.Event) {
	for _, n := range m {
		if n != nil {
			n.Publish(ev)
		}
	}
}
