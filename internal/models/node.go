package models

import (
	"strconv"
	"time"
)

// NodeID identifies a node in the topology. Valid identifiers are non-negative.
type NodeID int64

// RootParent is the parent identifier carried by the single root node.
const RootParent NodeID = -1

// Valid reports whether the identifier is inside the node identifier domain.
func (id NodeID) Valid() bool {
	return id >= 0
}

// String returns the decimal form of the identifier.
func (id NodeID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseNodeID parses a decimal node identifier.
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return NodeID(v), nil
}

// NodeRecord is the flat registry entry for a server in the topology.
// Only ID and ParentID take part in tree construction.
type NodeRecord struct {
	ID           NodeID    `json:"id" yaml:"id"`
	ParentID     NodeID    `json:"parent_id" yaml:"parent_id"`
	Hostname     string    `json:"hostname,omitempty" yaml:"hostname"`
	Address      string    `json:"address,omitempty" yaml:"address"`
	RegisteredAt time.Time `json:"registered_at,omitempty" yaml:"-"`
}

// IsRoot reports whether the record carries the root sentinel as its parent.
func (r NodeRecord) IsRoot() bool {
	return r.ParentID == RootParent
}

// TreeNode is one node of a reconstructed topology tree. Each node exclusively
// owns its children.
type TreeNode struct {
	ID             NodeID         `json:"id"`
	Record         NodeRecord     `json:"record"`
	Classification Classification `json:"classification,omitempty"`
	Children       []*TreeNode    `json:"children"`
}
