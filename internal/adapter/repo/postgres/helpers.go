package postgres

import (
	"encoding/json"
)

// nullStr maps the empty string to NULL so that optional remote fields do
// not masquerade as real values.
func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapJSON renders a string map as jsonb, never nil.
func mapJSON(m map[string]string) []byte {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// rawJSON passes the archived source payload through, defaulting to an
// empty object so the raw_data column stays NOT NULL friendly.
func rawJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}
