// Package intent defines the broadcast message exchanged on the signal bus: a
// named action plus a flat set of string and integer extras.
package intent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNoAction is returned by [Intent.Validate] when the action is empty.
var ErrNoAction = errors.New("intent has no action")

// Intent is a broadcast message.
type Intent struct {
	// Action names the kind of broadcast; subscribers filter on it.
	Action string `json:"action"`
	// Extras holds string or int64 values keyed by extra name.
	Extras map[string]any `json:"extras,omitempty"`
}

// New returns an Intent for action with no extras.
func New(action string) Intent {
	return Intent{Action: action}
}

// PutString sets a string extra.
func (in *Intent) PutString(key, value string) {
	if in.Extras == nil {
		in.Extras = make(map[string]any)
	}
	in.Extras[key] = value
}

// PutLong sets an integer extra.
func (in *Intent) PutLong(key string, value int64) {
	if in.Extras == nil {
		in.Extras = make(map[string]any)
	}
	in.Extras[key] = value
}

// String returns the string extra stored under key.
func (in Intent) String(key string) (string, bool) {
	s, ok := in.Extras[key].(string)
	return s, ok
}

// Long returns the integer extra stored under key. Values that crossed the
// wire arrive as json.Number or float64 and are converted when integral.
func (in Intent) Long(key string) (int64, bool) {
	switch v := in.Extras[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		if v != math.Trunc(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

// Keys returns the extra names in sorted order.
func (in Intent) Keys() []string {
	keys := make([]string, 0, len(in.Extras))
	for k := range in.Extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that the intent has an action and that every extra is a
// string or an integer.
func (in Intent) Validate() error {
	if in.Action == "" {
		return ErrNoAction
	}
	for _, k := range in.Keys() {
		switch in.Extras[k].(type) {
		case string:
		default:
			if _, ok := in.Long(k); !ok {
				return fmt.Errorf("extra %q: unsupported type %T", k, in.Extras[k])
			}
		}
	}
	return nil
}

// Decode parses a JSON-encoded intent. Numbers are kept as json.Number so
// int64 timestamps survive without float rounding.
func Decode(data []byte) (Intent, error) {
	var in Intent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return Intent{}, fmt.Errorf("decoding intent: %w", err)
	}
	return in, nil
}
