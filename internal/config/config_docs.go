package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc holds documentation and alternative examples for a single config field.
// [Render] uses [FieldDoc] values to annotate the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown as a header comment above the field in the example config.
	Comment string

	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// ConfigDocs maps TOML field paths (dot-separated, e.g. "bus.queue_size") to
// their [FieldDoc] entries. Section paths ("bus") document the table itself.
var ConfigDocs = map[string]FieldDoc{
	"version": {
		Comment: "Config schema version. Do not edit.",
	},

	"bus": {
		Comment: "Local broadcast bus. Publishers send intents and tracker commands;\nsubscribers receive every broadcast matching their action patterns.",
	},
	"bus.name": {
		Comment: "Base name for socket/pipe discovery. The daemon listens on the first\nfree slot of <runtime dir>/<name>-0 .. <name>-9 (\\\\.\\pipe\\<name>-N on Windows).",
	},
	"bus.socket": {
		Comment: "Explicit socket or pipe path. Overrides name-based discovery when set.",
		Alternatives: []string{
			`socket = "/run/user/1000/imesignals.sock"`,
		},
	},
	"bus.queue_size": {
		Comment: "Per-subscriber outbound queue. A subscriber that falls this far behind\nmisses broadcasts instead of stalling publishers.",
	},
	"bus.publish_allow": {
		Comment: "Glob patterns of actions remote publishers may broadcast. An empty list\nblocks every remote broadcast. Events emitted by the daemon's own tracker\nare not filtered. Reloaded without a restart.",
		Alternatives: []string{
			`publish_allow = ["ACTION_*"]`,
			`publish_allow = []`,
		},
	},

	"webhook": {
		Comment: "POST each log event as JSON to an HTTP endpoint.",
	},
	"webhook.enabled": {},
	"webhook.url": {
		Alternatives: []string{
			`url = "https://example.com/ime-events"`,
		},
	},
	"webhook.retry_max": {
		Comment: "Retries after the first attempt, with exponential backoff.",
	},
	"webhook.timeout_seconds": {
		Comment: "Timeout for a single HTTP attempt.",
	},
	"webhook.queue_size": {
		Comment: "Events waiting to be posted. Events beyond this are dropped.",
	},

	"log": {},
	"log.level": {
		Comment: "Minimum log level: trace, debug, info, warn, error, fail.\nReloaded without a restart.",
		Alternatives: []string{
			`level = "debug"`,
		},
	},
	"log.max_size_mb": {
		Comment: "Rotate daemon.log after this many megabytes.",
	},
}
