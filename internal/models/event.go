package models

import "time"

// EventRecord is one append-only entry of the install event log describing a
// node's status for one deployment group.
type EventRecord struct {
	ID         string      `json:"id,omitempty" yaml:"-"`
	NodeID     NodeID      `json:"node_id" yaml:"node_id"`
	GroupKey   string      `json:"group_key" yaml:"group_key"`
	Status     StatusLabel `json:"status" yaml:"status"`
	ReportedAt time.Time   `json:"reported_at" yaml:"-"`
}

// FilterByGroup returns the events for groupKey, preserving order.
func FilterByGroup(events []EventRecord, groupKey string) []EventRecord {
	filtered := make([]EventRecord, 0, len(events))
	for _, ev := range events {
		if ev.GroupKey == groupKey {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}
