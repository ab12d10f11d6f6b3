package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// The profiling tables store list- and map-shaped values as JSON text columns
// so the schema stays identical across SQLite and PostgreSQL. The wrapper
// types below implement driver.Valuer and sql.Scanner so GORM reads and
// writes them transparently.

// StringList is a []string stored as a JSON array in a text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("db: marshal string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l, "StringList")
}

// IntList is a []int stored as a JSON array in a text column.
type IntList []int

// Value implements driver.Valuer.
func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("db: marshal int list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *IntList) Scan(value interface{}) error {
	return scanJSON(value, l, "IntList")
}

// JSONMap is a free-form map stored as a JSON object in a text column.
// Used for additional_args, where operators pass arbitrary agent options.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("db: marshal json map: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	return scanJSON(value, m, "JSONMap")
}

// scanJSON decodes a text or blob column into dst, treating NULL and the
// empty string as the zero value. typeName is used in error messages only.
func scanJSON(value interface{}, dst any, typeName string) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: %s.Scan: expected string, got %T", typeName, value)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("db: %s.Scan: %w", typeName, err)
	}
	return nil
}
