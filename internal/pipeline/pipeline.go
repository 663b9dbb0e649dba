package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stage is one step of a pipeline.
type Stage struct {
	Name     string            `json:"name"`
	Settings map[string]string `json:"settings,omitempty"`
}

// Pipeline is an ordered set of stages applied to every image set.
type Pipeline struct {
	Name   string  `json:"name"`
	Stages []Stage `json:"stages"`
}

// Copy returns a deep copy so a run's snapshot is isolated from later edits.
func (p Pipeline) Copy() Pipeline {
	stages := make([]Stage, len(p.Stages))
	for i, stage := range p.Stages {
		settings := make(map[string]string, len(stage.Settings))
		for key, value := range stage.Settings {
			settings[key] = value
		}
		stages[i] = Stage{Name: stage.Name, Settings: settings}
	}
	return Pipeline{Name: p.Name, Stages: stages}
}

// Snapshot serializes the pipeline for transport to workers.
func (p Pipeline) Snapshot() ([]byte, error) {
	blob, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("serialize pipeline: %w", err)
	}
	return blob, nil
}

// FromSnapshot reconstructs a pipeline from a serialized snapshot.
func FromSnapshot(blob []byte) (Pipeline, error) {
	if len(blob) == 0 {
		return Pipeline{}, errors.New("empty pipeline snapshot")
	}
	var p Pipeline
	if err := json.Unmarshal(blob, &p); err != nil {
		return Pipeline{}, fmt.Errorf("parse pipeline snapshot: %w", err)
	}
	return p, nil
}

// Dictionary is the shared cross-image-set cache of one stage. It is mutable
// only on the worker that processes the first unit of work; once captured by
// the coordinator it is broadcast read-only.
type Dictionary map[string]string

// Dictionaries holds one Dictionary per stage, in stage order.
type Dictionaries []Dictionary

// EmptyDictionaries returns one empty dictionary per stage of p.
func EmptyDictionaries(p Pipeline) Dictionaries {
	dicts := make(Dictionaries, len(p.Stages))
	for i := range dicts {
		dicts[i] = Dictionary{}
	}
	return dicts
}

// Preferences are the ambient settings serialized to workers alongside the
// pipeline snapshot.
type Preferences map[string]string
