package statussync

import (
	"errors"
	"fmt"

	"github.com/narvanalabs/topology-console/internal/models"
)

var (
	// ErrFetchFailure is matched by every failed tick reported through OnError.
	ErrFetchFailure = errors.New("fetch failure")

	// ErrAmbiguousClassification is returned in strict mode when one node has
	// conflicting events within a single tick.
	ErrAmbiguousClassification = errors.New("ambiguous classification")

	// ErrNoFetcher is returned by Start when the config has no event fetcher.
	ErrNoFetcher = errors.New("event fetcher is nil")

	// ErrEmptyGroupKey is returned by Start when the group key is empty.
	ErrEmptyGroupKey = errors.New("group key is empty")
)

// FetchError wraps the cause of a skipped tick.
type FetchError struct {
	GroupKey string
	Tick     uint64
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("tick %d for group %q: %s: %v", e.Tick, e.GroupKey, ErrFetchFailure, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFetchFailure) hold.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailure
}

// AmbiguousClassificationError names the node whose events disagree.
type AmbiguousClassificationError struct {
	NodeID          models.NodeID
	GroupKey        string
	Classifications []models.Classification
}

func (e *AmbiguousClassificationError) Error() string {
	return fmt.Sprintf("%s: node %s in group %q has conflicting statuses %v",
		ErrAmbiguousClassification, e.NodeID, e.GroupKey, e.Classifications)
}

// Is makes errors.Is(err, ErrAmbiguousClassification) hold.
func (e *AmbiguousClassificationError) Is(target error) bool {
	return target == ErrAmbiguousClassification
}
