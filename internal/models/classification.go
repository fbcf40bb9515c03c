// Package models provides data models for the topology console.
package models

// Classification is the derived per-node status used to drive the rollout view.
type Classification string

const (
	// ClassificationUnset is assigned to nodes with no matching status.
	ClassificationUnset Classification = "unset"
	// ClassificationWaiting indicates the node is queued for the group.
	ClassificationWaiting Classification = "waiting"
	// ClassificationInProgress indicates work for the group is running on the node.
	ClassificationInProgress Classification = "in_progress"
	// ClassificationDone indicates the group reached its final state on the node.
	ClassificationDone Classification = "done"
)

// String returns the string representation of the classification.
func (c Classification) String() string {
	return string(c)
}

// IsValid returns true if the classification is one of the known values.
func (c Classification) IsValid() bool {
	switch c {
	case ClassificationUnset, ClassificationWaiting, ClassificationInProgress, ClassificationDone:
		return true
	default:
		return false
	}
}

// ValidClassifications returns all classifications, lowest priority first.
func ValidClassifications() []Classification {
	return []Classification{
		ClassificationUnset,
		ClassificationWaiting,
		ClassificationInProgress,
		ClassificationDone,
	}
}

// DefaultPriority orders classifications highest first: done, in progress,
// waiting, unset.
func DefaultPriority() []Classification {
	return []Classification{
		ClassificationDone,
		ClassificationInProgress,
		ClassificationWaiting,
		ClassificationUnset,
	}
}

// StatusLabel is the raw status string reported in the event log.
type StatusLabel string

// LabelSet maps call-site status labels onto classifications.
type LabelSet map[StatusLabel]Classification

// Install labels reported by node agents while a group is rolled out.
const (
	StatusNotSet     StatusLabel = "not_set"
	StatusWaiting    StatusLabel = "waiting"
	StatusInstalling StatusLabel = "installing"
	StatusInstalled  StatusLabel = "installed"
)

// Selection labels used when an operator picks nodes for a new rollout.
const (
	StatusUnselected          StatusLabel = "unselected"
	StatusPreviouslyInstalled StatusLabel = "previously_installed"
	StatusNewlyRequested      StatusLabel = "newly_requested"
	StatusErroring            StatusLabel = "erroring"
)

// InstallLabels is the label set used by the install event log.
var InstallLabels = LabelSet{
	StatusNotSet:     ClassificationUnset,
	StatusWaiting:    ClassificationWaiting,
	StatusInstalling: ClassificationInProgress,
	StatusInstalled:  ClassificationDone,
}

// SelectionLabels is the label set used by the deployment selection view.
var SelectionLabels = LabelSet{
	StatusUnselected:          ClassificationUnset,
	StatusErroring:            ClassificationWaiting,
	StatusNewlyRequested:      ClassificationInProgress,
	StatusPreviouslyInstalled: ClassificationDone,
}

// Classify derives the classification for a label. Unknown labels are unset.
func (ls LabelSet) Classify(label StatusLabel) Classification {
	if c, ok := ls[label]; ok {
		return c
	}
	// Events may already carry a classification name.
	if c := Classification(label); c.IsValid() {
		return c
	}
	return ClassificationUnset
}

// Label returns the first label mapping to the classification, if any.
func (ls LabelSet) Label(c Classification) (StatusLabel, bool) {
	for label, mapped := range ls {
		if mapped == c {
			return label, true
		}
	}
	return "", false
}
