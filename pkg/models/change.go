package models

import (
	"fmt"
	"time"
)

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// ChangeEnvelope is one row-level mutation of a source relation as it
// travels through a change feed. NewRow/OldRow carry at least the
// watched attribute; other columns may be present and are ignored.
type ChangeEnvelope struct {
	Table     string                 `json:"table"`
	Op        string                 `json:"op"`
	NewRow    map[string]interface{} `json:"new,omitempty"`
	OldRow    map[string]interface{} `json:"old,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewValue returns the post-image value of the given column, if any.
func (e ChangeEnvelope) NewValue(column string) (string, bool) {
	return rowValue(e.NewRow, column)
}

// OldValue returns the pre-image value of the given column, if any.
func (e ChangeEnvelope) OldValue(column string) (string, bool) {
	return rowValue(e.OldRow, column)
}

func rowValue(row map[string]interface{}, column string) (string, bool) {
	if row == nil {
		return "", false
	}
	v, ok := row[column]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}
