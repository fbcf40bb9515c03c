// Package topology reconstructs the rooted node tree from flat registry records.
package topology

import (
	"errors"
	"fmt"

	"github.com/narvanalabs/topology-console/internal/models"
)

// ErrMalformedTopology is matched by every validation failure of BuildTree.
var ErrMalformedTopology = errors.New("malformed topology")

// Reason describes which topology invariant was violated.
type Reason string

const (
	ReasonEmpty         Reason = "no node records"
	ReasonInvalidID     Reason = "invalid node id"
	ReasonDuplicateID   Reason = "duplicate node id"
	ReasonNoRoot        Reason = "no root node"
	ReasonMultipleRoots Reason = "more than one root node"
	ReasonUnknownParent Reason = "parent does not exist"
	ReasonUnreachable   Reason = "node unreachable from root"
)

// MalformedTopologyError reports the first invariant violation found.
type MalformedTopologyError struct {
	Reason Reason
	NodeID models.NodeID
	// Related holds the other node involved, such as the second root or the
	// missing parent.
	Related models.NodeID
}

func (e *MalformedTopologyError) Error() string {
	switch e.Reason {
	case ReasonEmpty, ReasonNoRoot:
		return fmt.Sprintf("%s: %s", ErrMalformedTopology, e.Reason)
	case ReasonMultipleRoots:
		return fmt.Sprintf("%s: %s (%s and %s)", ErrMalformedTopology, e.Reason, e.Related, e.NodeID)
	case ReasonUnknownParent:
		return fmt.Sprintf("%s: node %s: %s (%s)", ErrMalformedTopology, e.NodeID, e.Reason, e.Related)
	default:
		return fmt.Sprintf("%s: node %s: %s", ErrMalformedTopology, e.NodeID, e.Reason)
	}
}

// Is makes errors.Is(err, ErrMalformedTopology) hold.
func (e *MalformedTopologyError) Is(target error) bool {
	return target == ErrMalformedTopology
}

func malformed(reason Reason, id, related models.NodeID) error {
	return &MalformedTopologyError{Reason: reason, NodeID: id, Related: related}
}
