package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONBMap maps a PostgreSQL JSONB column onto map[string]any.
type JSONBMap map[string]any

// Scan implements sql.Scanner.
func (j *JSONBMap) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil || data == nil {
		*j = nil
		return err
	}
	if len(data) == 0 {
		*j = JSONBMap{}
		return nil
	}
	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer. A nil map is stored as {}.
func (j JSONBMap) Value() (driver.Value, error) {
	if len(j) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(j))
}

// SkipCounts tallies discarded items per filter reason.
type SkipCounts map[string]int

// Add increments reason by one.
func (s SkipCounts) Add(reason string) { s[reason]++ }

// Total sums all reasons.
func (s SkipCounts) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// Scan implements sql.Scanner.
func (s *SkipCounts) Scan(value any) error {
	data, err := jsonBytes(value)
	if err != nil || len(data) == 0 {
		*s = SkipCounts{}
		return err
	}
	return json.Unmarshal(data, s)
}

// Value implements driver.Valuer.
func (s SkipCounts) Value() (driver.Value, error) {
	if len(s) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]int(s))
}

func jsonBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSONB source type %T", value)
	}
}
