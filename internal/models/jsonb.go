package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB is a helper for Postgres jsonb columns holding request payloads and
// task result params. Backed by map[string]any and works with sqlx / database/sql.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("JSONB: expected []byte, got %T", value)
	}

	if len(b) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(b, j)
}

// Clone returns a shallow copy of the top-level map
func (j JSONB) Clone() JSONB {
	if j == nil {
		return nil
	}
	c := make(JSONB, len(j))
	for k, v := range j {
		c[k] = v
	}
	return c
}
