package models

import "time"

const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// FilterUpdateEvent is the ephemeral notification pushed to observers
// whenever a dimension's master relation changes. It is constructed
// immediately before broadcast and never persisted.
type FilterUpdateEvent struct {
	Dimension string    `json:"dimension"`
	Action    string    `json:"action"`
	Values    []string  `json:"values"`
	Timestamp time.Time `json:"timestamp"`
}
