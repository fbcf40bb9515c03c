package topology

import (
	"errors"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/topology-console/internal/models"
)

// genTopology generates a well-formed record collection of n nodes. Each node i
// (i > 0) picks its parent among the nodes generated before it, and the
// records are then permuted so the root is not always first.
func genTopology() gopter.Gen {
	return gen.IntRange(1, 60).FlatMap(func(v interface{}) gopter.Gen {
		n := v.(int)
		return gopter.CombineGens(
			gen.SliceOfN(n, gen.Float64Range(0, 1)),
			gen.SliceOfN(n, gen.Float64Range(0, 1)),
		).Map(func(vals []interface{}) []models.NodeRecord {
			parents := vals[0].([]float64)
			order := vals[1].([]float64)

			records := make([]models.NodeRecord, n)
			for i := 0; i < n; i++ {
				parent := models.RootParent
				if i > 0 {
					parent = models.NodeID(int(parents[i] * float64(i)))
					if int(parent) >= i {
						parent = models.NodeID(i - 1)
					}
				}
				records[i] = models.NodeRecord{ID: models.NodeID(i), ParentID: parent}
			}

			// Permute with a simple insertion by the generated keys.
			for i := 1; i < n; i++ {
				for j := i; j > 0 && order[j] < order[j-1]; j-- {
					order[j], order[j-1] = order[j-1], order[j]
					records[j], records[j-1] = records[j-1], records[j]
				}
			}
			return records
		})
	}, reflect.TypeOf([]models.NodeRecord{}))
}

func TestBuildTreeStructure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tree contains every record exactly once", prop.ForAll(
		func(records []models.NodeRecord) bool {
			tree, err := BuildTree(records)
			if err != nil {
				t.Logf("unexpected error: %v", err)
				return false
			}
			seen := make(map[models.NodeID]int)
			Walk(tree, func(node *models.TreeNode, _ int) bool {
				seen[node.ID]++
				return true
			})
			if len(seen) != len(records) {
				return false
			}
			for _, rec := range records {
				if seen[rec.ID] != 1 {
					return false
				}
			}
			return true
		},
		genTopology(),
	))

	properties.Property("children relation matches parent ids", prop.ForAll(
		func(records []models.NodeRecord) bool {
			tree, err := BuildTree(records)
			if err != nil {
				return false
			}
			parentOf := make(map[models.NodeID]models.NodeID)
			for _, rec := range records {
				parentOf[rec.ID] = rec.ParentID
			}
			if parentOf[tree.ID] != models.RootParent {
				return false
			}
			ok := true
			Walk(tree, func(node *models.TreeNode, _ int) bool {
				for _, child := range node.Children {
					if parentOf[child.ID] != node.ID {
						ok = false
						return false
					}
				}
				return true
			})
			return ok
		},
		genTopology(),
	))

	properties.Property("children keep input order", prop.ForAll(
		func(records []models.NodeRecord) bool {
			tree, err := BuildTree(records)
			if err != nil {
				return false
			}
			position := make(map[models.NodeID]int)
			for i, rec := range records {
				position[rec.ID] = i
			}
			ok := true
			Walk(tree, func(node *models.TreeNode, _ int) bool {
				for i := 1; i < len(node.Children); i++ {
					if position[node.Children[i-1].ID] > position[node.Children[i].ID] {
						ok = false
						return false
					}
				}
				return true
			})
			return ok
		},
		genTopology(),
	))

	properties.Property("a second root is rejected", prop.ForAll(
		func(records []models.NodeRecord) bool {
			extra := models.NodeRecord{ID: models.NodeID(len(records) + 100), ParentID: models.RootParent}
			_, err := BuildTree(append(append([]models.NodeRecord{}, records...), extra))
			var mte *MalformedTopologyError
			return errors.Is(err, ErrMalformedTopology) && errors.As(err, &mte) && mte.Reason == ReasonMultipleRoots
		},
		genTopology(),
	))

	properties.Property("dropping the root is rejected", prop.ForAll(
		func(records []models.NodeRecord) bool {
			without := make([]models.NodeRecord, 0, len(records))
			for _, rec := range records {
				if !rec.IsRoot() {
					without = append(without, rec)
				}
			}
			_, err := BuildTree(without)
			return errors.Is(err, ErrMalformedTopology)
		},
		genTopology(),
	))

	properties.TestingRun(t)
}
