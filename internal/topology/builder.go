package topology

import (
	"sort"

	"github.com/narvanalabs/topology-console/internal/models"
)

// BuildTree reconstructs the rooted tree described by records.
//
// The records must contain exactly one root (ParentID == models.RootParent),
// unique non-negative ids, and parents that exist and lead back to the root.
// Any violation is reported as a *MalformedTopologyError before a tree is
// built. Children keep the relative order of their records in the input.
func BuildTree(records []models.NodeRecord) (*models.TreeNode, error) {
	index, err := Validate(records)
	if err != nil {
		return nil, err
	}
	return index.build(index.root), nil
}

// Index is a validated parent→children view over a record collection.
type Index struct {
	root     int
	records  []models.NodeRecord
	children map[models.NodeID][]int
}

// Validate checks the topology invariants and returns the children index used
// to build the tree in a single pass.
func Validate(records []models.NodeRecord) (*Index, error) {
	if len(records) == 0 {
		return nil, malformed(ReasonEmpty, 0, 0)
	}

	idx := &Index{
		root:     -1,
		records:  records,
		children: make(map[models.NodeID][]int, len(records)),
	}
	seen := make(map[models.NodeID]bool, len(records))

	for i, rec := range records {
		if !rec.ID.Valid() {
			return nil, malformed(ReasonInvalidID, rec.ID, 0)
		}
		if seen[rec.ID] {
			return nil, malformed(ReasonDuplicateID, rec.ID, 0)
		}
		seen[rec.ID] = true

		if rec.IsRoot() {
			if idx.root >= 0 {
				return nil, malformed(ReasonMultipleRoots, rec.ID, records[idx.root].ID)
			}
			idx.root = i
			continue
		}
		if !rec.ParentID.Valid() {
			return nil, malformed(ReasonInvalidID, rec.ID, rec.ParentID)
		}
		idx.children[rec.ParentID] = append(idx.children[rec.ParentID], i)
	}

	if idx.root < 0 {
		return nil, malformed(ReasonNoRoot, 0, 0)
	}

	for _, rec := range records {
		if !rec.IsRoot() && !seen[rec.ParentID] {
			return nil, malformed(ReasonUnknownParent, rec.ID, rec.ParentID)
		}
	}

	// With one root and every parent present, any node not reached from the
	// root sits on a cycle.
	reached := make(map[models.NodeID]bool, len(records))
	stack := []int{idx.root}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		id := records[i].ID
		reached[id] = true
		stack = append(stack, idx.children[id]...)
	}
	if len(reached) != len(records) {
		for _, rec := range records {
			if !reached[rec.ID] {
				return nil, malformed(ReasonUnreachable, rec.ID, rec.ParentID)
			}
		}
	}

	return idx, nil
}

func (idx *Index) build(i int) *models.TreeNode {
	rec := idx.records[i]
	kids := idx.children[rec.ID]
	node := &models.TreeNode{
		ID:       rec.ID,
		Record:   rec,
		Children: make([]*models.TreeNode, 0, len(kids)),
	}
	for _, k := range kids {
		node.Children = append(node.Children, idx.build(k))
	}
	return node
}

// Root returns the root record of the validated collection.
func (idx *Index) Root() models.NodeRecord {
	return idx.records[idx.root]
}

// ChildrenOf returns the ids of the direct children of id in input order.
func (idx *Index) ChildrenOf(id models.NodeID) []models.NodeID {
	kids := idx.children[id]
	ids := make([]models.NodeID, len(kids))
	for n, k := range kids {
		ids[n] = idx.records[k].ID
	}
	return ids
}

// SortByID returns a copy of records ordered by ascending id, which makes
// BuildTree emit children sorted by id.
func SortByID(records []models.NodeRecord) []models.NodeRecord {
	sorted := make([]models.NodeRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}
