package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions. These ensure the JSONB types implement
// both sql.Scanner and driver.Valuer, catching signature drift at compile
// time. Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
	_ sql.Scanner   = (*ChannelStateMap)(nil)
	_ driver.Valuer = ChannelStateMap(nil)
)

// Metadata is the open key/value bag carried by notifications and audit
// entries. Stored as JSONB.
type Metadata map[string]any

// ChannelStateMap is the persisted form of Notification.Channels.
type ChannelStateMap map[ChannelType]*ChannelState

// scanJSONB scans a JSONB database value into a Go pointer. Handles nil,
// []byte, and string representations from different drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// valueJSONB converts a Go value to a JSONB-compatible driver.Value.
func valueJSONB(v any) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return valueJSONB(map[string]any(m))
}

// Scan implements sql.Scanner.
func (c *ChannelStateMap) Scan(value any) error {
	if value == nil {
		*c = nil
		return nil
	}
	return scanJSONB(c, value)
}

// Value implements driver.Valuer.
func (c ChannelStateMap) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return valueJSONB(map[ChannelType]*ChannelState(c))
}

// GetString returns the string value under key, or "" when absent or not a
// string.
func (m Metadata) GetString(key string) string {
	s, _ := m[key].(string)
	return s
}

// GetBool returns the bool value under key, tolerating string forms.
func (m Metadata) GetBool(key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// GetFloat returns the numeric value under key. JSON decoding yields
// float64; int values set programmatically are also handled.
func (m Metadata) GetFloat(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
