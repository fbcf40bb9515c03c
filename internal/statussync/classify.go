// Package statussync keeps a live, periodically refreshed classification of
// every topology node for one deployment group.
package statussync

import (
	"fmt"
	"strings"

	"github.com/narvanalabs/topology-console/internal/models"
)

// ConflictPolicy decides the classification of a node that has more than one
// matching event in a single tick.
type ConflictPolicy int

const (
	// LastMatchWins keeps the status of the last matching event in fetch order.
	LastMatchWins ConflictPolicy = iota
	// HighestPriority keeps the status ranked highest by the priority order.
	HighestPriority
	// Strict fails the tick when matching events disagree.
	Strict
)

func (p ConflictPolicy) String() string {
	switch p {
	case LastMatchWins:
		return "last_match"
	case HighestPriority:
		return "priority"
	case Strict:
		return "strict"
	}
	return "unknown"
}

// ParseConflictPolicy parses the names returned by ConflictPolicy.String.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last_match":
		return LastMatchWins, nil
	case "priority":
		return HighestPriority, nil
	case "strict":
		return Strict, nil
	}
	return LastMatchWins, fmt.Errorf("unknown classification policy %q", s)
}

// Layer is one classification source: the classification it assigns to each
// node it knows about.
type Layer map[models.NodeID]models.Classification

// ClassifyOptions controls how the event log is turned into a Layer.
type ClassifyOptions struct {
	GroupKey string
	// Labels maps event statuses to classifications. Defaults to
	// models.InstallLabels.
	Labels   models.LabelSet
	Conflict ConflictPolicy
	// Priority orders classifications highest first for HighestPriority.
	// Defaults to models.DefaultPriority.
	Priority []models.Classification
}

// Classify derives the per-node classification of the events that belong to
// opts.GroupKey. Nodes without a matching event are absent from the result.
func Classify(events []models.EventRecord, opts ClassifyOptions) (Layer, error) {
	labels := opts.Labels
	if labels == nil {
		labels = models.InstallLabels
	}
	rank := rankFunc(opts.Priority)

	layer := make(Layer)
	for _, ev := range events {
		if ev.GroupKey != opts.GroupKey {
			continue
		}
		c := labels.Classify(ev.Status)

		prev, seen := layer[ev.NodeID]
		if !seen {
			layer[ev.NodeID] = c
			continue
		}

		switch opts.Conflict {
		case Strict:
			if prev != c {
				return nil, &AmbiguousClassificationError{
					NodeID:          ev.NodeID,
					GroupKey:        opts.GroupKey,
					Classifications: []models.Classification{prev, c},
				}
			}
		case HighestPriority:
			if rank(c) < rank(prev) {
				layer[ev.NodeID] = c
			}
		default:
			layer[ev.NodeID] = c
		}
	}
	return layer, nil
}

// rankFunc returns the position of a classification in priority, lower is
// stronger. Classifications not listed rank after all listed ones.
func rankFunc(priority []models.Classification) func(models.Classification) int {
	if len(priority) == 0 {
		priority = models.DefaultPriority()
	}
	pos := make(map[models.Classification]int, len(priority))
	for i, c := range priority {
		if _, dup := pos[c]; !dup {
			pos[c] = i
		}
	}
	return func(c models.Classification) int {
		if i, ok := pos[c]; ok {
			return i
		}
		return len(priority)
	}
}

// Overlay merges layers given highest priority first. A node takes its
// classification from the first layer that contains it.
func Overlay(layers ...Layer) Layer {
	merged := make(Layer)
	for i := len(layers) - 1; i >= 0; i-- {
		for id, c := range layers[i] {
			merged[id] = c
		}
	}
	return merged
}

// LayerFromIDs assigns the same classification to every id.
func LayerFromIDs(ids []models.NodeID, c models.Classification) Layer {
	layer := make(Layer, len(ids))
	for _, id := range ids {
		layer[id] = c
	}
	return layer
}
