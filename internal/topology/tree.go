package topology

import "github.com/narvanalabs/topology-console/internal/models"

// Annotate returns a deep copy of tree in which every node carries its
// classification. Nodes missing from classifications get fallback.
func Annotate(tree *models.TreeNode, classifications map[models.NodeID]models.Classification, fallback models.Classification) *models.TreeNode {
	if tree == nil {
		return nil
	}
	c, ok := classifications[tree.ID]
	if !ok {
		c = fallback
	}
	node := &models.TreeNode{
		ID:             tree.ID,
		Record:         tree.Record,
		Classification: c,
		Children:       make([]*models.TreeNode, 0, len(tree.Children)),
	}
	for _, child := range tree.Children {
		node.Children = append(node.Children, Annotate(child, classifications, fallback))
	}
	return node
}

// Walk visits every node depth-first, parents before children. Returning
// false from fn stops the walk.
func Walk(tree *models.TreeNode, fn func(node *models.TreeNode, depth int) bool) {
	walk(tree, 0, fn)
}

func walk(node *models.TreeNode, depth int, fn func(*models.TreeNode, int) bool) bool {
	if node == nil {
		return true
	}
	if !fn(node, depth) {
		return false
	}
	for _, child := range node.Children {
		if !walk(child, depth+1, fn) {
			return false
		}
	}
	return true
}

// Count returns the number of nodes in the tree.
func Count(tree *models.TreeNode) int {
	n := 0
	Walk(tree, func(*models.TreeNode, int) bool {
		n++
		return true
	})
	return n
}

// Find returns the node with the given id, or nil.
func Find(tree *models.TreeNode, id models.NodeID) *models.TreeNode {
	var found *models.TreeNode
	Walk(tree, func(node *models.TreeNode, _ int) bool {
		if node.ID == id {
			found = node
			return false
		}
		return true
	})
	return found
}

// Classifications collects the classification carried by each node.
func Classifications(tree *models.TreeNode) map[models.NodeID]models.Classification {
	out := make(map[models.NodeID]models.Classification)
	Walk(tree, func(node *models.TreeNode, _ int) bool {
		out[node.ID] = node.Classification
		return true
	})
	return out
}
