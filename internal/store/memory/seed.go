package memory

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/store"
	"gopkg.in/yaml.v3"
)

// Seed is the YAML document loaded into a store at startup.
//
//	nodes:
//	  - {id: 1, parent_id: -1, hostname: core-1}
//	  - {id: 2, parent_id: 1, hostname: edge-2}
//	events:
//	  - {node_id: 2, group_key: app, status: installed}
type Seed struct {
	Nodes  []models.NodeRecord  `yaml:"nodes"`
	Events []models.EventRecord `yaml:"events"`
}

// ParseSeed decodes a seed document. Unknown fields are rejected.
func ParseSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &seed, nil
		}
		return nil, fmt.Errorf("decoding seed: %w", err)
	}
	return &seed, nil
}

// LoadSeedFile reads a seed document from path.
func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// Apply writes the seed into st in a single transaction.
func (seed *Seed) Apply(ctx context.Context, st store.Store) error {
	return st.WithTx(ctx, func(tx store.Store) error {
		for i := range seed.Nodes {
			node := seed.Nodes[i]
			if err := tx.Nodes().Register(ctx, &node); err != nil {
				return fmt.Errorf("seeding node %s: %w", node.ID, err)
			}
		}
		for i := range seed.Events {
			ev := seed.Events[i]
			if err := tx.Events().Append(ctx, &ev); err != nil {
				return fmt.Errorf("seeding event %d: %w", i, err)
			}
		}
		return nil
	})
}
