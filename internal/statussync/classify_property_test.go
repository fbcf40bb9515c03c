package statussync

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/topology-console/internal/models"
)

func genInstallEvent() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(0, 9),
		gen.OneConstOf("app", "db", "cache"),
		gen.OneConstOf(
			models.StatusNotSet,
			models.StatusWaiting,
			models.StatusInstalling,
			models.StatusInstalled,
		),
	).Map(func(vals []interface{}) models.EventRecord {
		return models.EventRecord{
			NodeID:   models.NodeID(vals[0].(int64)),
			GroupKey: vals[1].(string),
			Status:   vals[2].(models.StatusLabel),
		}
	})
}

func TestClassifyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("only nodes with events in the group are classified", prop.ForAll(
		func(events []models.EventRecord) bool {
			layer, err := Classify(events, ClassifyOptions{GroupKey: "app"})
			if err != nil {
				return false
			}
			inGroup := make(map[models.NodeID]bool)
			for _, ev := range events {
				if ev.GroupKey == "app" {
					inGroup[ev.NodeID] = true
				}
			}
			if len(layer) != len(inGroup) {
				return false
			}
			for id := range layer {
				if !inGroup[id] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genInstallEvent()),
	))

	properties.Property("last match wins in fetch order", prop.ForAll(
		func(events []models.EventRecord) bool {
			layer, err := Classify(events, ClassifyOptions{GroupKey: "app", Conflict: LastMatchWins})
			if err != nil {
				return false
			}
			last := make(map[models.NodeID]models.Classification)
			for _, ev := range events {
				if ev.GroupKey == "app" {
					last[ev.NodeID] = models.InstallLabels.Classify(ev.Status)
				}
			}
			for id, c := range last {
				if layer[id] != c {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genInstallEvent()),
	))

	properties.Property("highest priority is independent of event order", prop.ForAll(
		func(events []models.EventRecord) bool {
			opts := ClassifyOptions{GroupKey: "app", Conflict: HighestPriority}
			forward, err := Classify(events, opts)
			if err != nil {
				return false
			}
			reversed := make([]models.EventRecord, len(events))
			for i, ev := range events {
				reversed[len(events)-1-i] = ev
			}
			backward, err := Classify(reversed, opts)
			if err != nil {
				return false
			}
			if len(forward) != len(backward) {
				return false
			}
			for id, c := range forward {
				if backward[id] != c {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genInstallEvent()),
	))

	properties.Property("strict mode fails exactly when a node's events disagree", prop.ForAll(
		func(events []models.EventRecord) bool {
			seen := make(map[models.NodeID]models.Classification)
			conflict := false
			for _, ev := range events {
				if ev.GroupKey != "app" {
					continue
				}
				c := models.InstallLabels.Classify(ev.Status)
				if prev, ok := seen[ev.NodeID]; ok && prev != c {
					conflict = true
				}
				seen[ev.NodeID] = c
			}
			_, err := Classify(events, ClassifyOptions{GroupKey: "app", Conflict: Strict})
			return conflict == errors.Is(err, ErrAmbiguousClassification)
		},
		gen.SliceOf(genInstallEvent()),
	))

	properties.TestingRun(t)
}

func TestClassifyPriorityOrder(t *testing.T) {
	events := []models.EventRecord{
		{NodeID: 1, GroupKey: "app", Status: models.StatusInstalled},
		{NodeID: 1, GroupKey: "app", Status: models.StatusWaiting},
	}

	layer, err := Classify(events, ClassifyOptions{GroupKey: "app", Conflict: HighestPriority})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if layer[1] != models.ClassificationDone {
		t.Errorf("default priority: got %q", layer[1])
	}

	layer, err = Classify(events, ClassifyOptions{
		GroupKey: "app",
		Conflict: HighestPriority,
		Priority: []models.Classification{models.ClassificationWaiting},
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if layer[1] != models.ClassificationWaiting {
		t.Errorf("custom priority: got %q", layer[1])
	}

	layer, err = Classify(events, ClassifyOptions{GroupKey: "app"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if layer[1] != models.ClassificationWaiting {
		t.Errorf("last match: got %q", layer[1])
	}
}

func TestClassifySelectionLabels(t *testing.T) {
	layer, err := Classify([]models.EventRecord{
		{NodeID: 4, GroupKey: "app", Status: models.StatusPreviouslyInstalled},
		{NodeID: 5, GroupKey: "app", Status: models.StatusNewlyRequested},
	}, ClassifyOptions{GroupKey: "app", Labels: models.SelectionLabels})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if layer[4] != models.ClassificationDone || layer[5] != models.ClassificationInProgress {
		t.Errorf("unexpected layer %v", layer)
	}
}

func TestOverlayPrecedence(t *testing.T) {
	requested := Layer{1: models.ClassificationInProgress}
	installed := Layer{1: models.ClassificationDone, 2: models.ClassificationDone}

	merged := Overlay(requested, installed)
	if merged[1] != models.ClassificationInProgress {
		t.Errorf("node 1: got %q", merged[1])
	}
	if merged[2] != models.ClassificationDone {
		t.Errorf("node 2: got %q", merged[2])
	}
	if _, ok := merged[3]; ok {
		t.Error("node 3 should not be classified")
	}
}

func TestParseConflictPolicy(t *testing.T) {
	for _, p := range []ConflictPolicy{LastMatchWins, HighestPriority, Strict} {
		got, err := ParseConflictPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParseConflictPolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParseConflictPolicy("newest"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
