package measurements

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Well-known object and feature names shared with the initial measurements
// payload produced ahead of a run.
const (
	ObjectImage      = "Image"
	ObjectExperiment = "Experiment"

	FeatureGroupNumber = "Group_Number"
	FeatureGroupIndex  = "Group_Index"
)

// Buffer is an immutable serialized snapshot of measurement values, keyed by
// object, feature, and image-set number. Workers hand partial results back as
// Buffers; the Store merges them without knowing their origin.
type Buffer struct {
	raw []byte
}

// snapshot is the wire layout: object -> feature -> image set (decimal) -> value.
type snapshot map[string]map[string]map[string]string

// ParseBuffer validates raw bytes as a measurement snapshot.
func ParseBuffer(raw []byte) (Buffer, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Buffer{}, fmt.Errorf("parse measurement buffer: %w", err)
	}
	for object, features := range snap {
		for feature, values := range features {
			for key := range values {
				if _, err := strconv.Atoi(key); err != nil {
					return Buffer{}, fmt.Errorf("measurement buffer %s.%s: image set %q is not a number", object, feature, key)
				}
			}
		}
	}
	return Buffer{raw: append([]byte(nil), raw...)}, nil
}

// Bytes returns the serialized snapshot. Callers must not mutate it.
func (b Buffer) Bytes() []byte {
	return b.raw
}

// Empty reports whether the buffer carries no payload.
func (b Buffer) Empty() bool {
	return len(b.raw) == 0
}

func (b Buffer) decode() (snapshot, error) {
	if len(b.raw) == 0 {
		return snapshot{}, nil
	}
	var snap snapshot
	if err := json.Unmarshal(b.raw, &snap); err != nil {
		return nil, fmt.Errorf("decode measurement buffer: %w", err)
	}
	return snap, nil
}

// ImageSetNumbers returns the distinct non-experiment image-set numbers the
// buffer carries values for, in ascending order.
func (b Buffer) ImageSetNumbers() ([]int, error) {
	snap, err := b.decode()
	if err != nil {
		return nil, err
	}
	seen := map[int]struct{}{}
	for object, features := range snap {
		if object == ObjectExperiment {
			continue
		}
		for _, values := range features {
			for key := range values {
				n, err := strconv.Atoi(key)
				if err != nil {
					return nil, fmt.Errorf("image set %q is not a number", key)
				}
				seen[n] = struct{}{}
			}
		}
	}
	numbers := make([]int, 0, len(seen))
	for n := range seen {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}

// BufferBuilder accumulates values and seals them into an immutable Buffer.
type BufferBuilder struct {
	snap snapshot
}

// NewBufferBuilder returns an empty builder.
func NewBufferBuilder() *BufferBuilder {
	return &BufferBuilder{snap: snapshot{}}
}

// Add records one value. Later calls with the same key replace earlier ones.
func (b *BufferBuilder) Add(object, feature string, imageSet int, value string) *BufferBuilder {
	features, ok := b.snap[object]
	if !ok {
		features = map[string]map[string]string{}
		b.snap[object] = features
	}
	values, ok := features[feature]
	if !ok {
		values = map[string]string{}
		features[feature] = values
	}
	values[strconv.Itoa(imageSet)] = value
	return b
}

// AddExperiment records an experiment-scope value, which merge skips.
func (b *BufferBuilder) AddExperiment(feature, value string) *BufferBuilder {
	return b.Add(ObjectExperiment, feature, 0, value)
}

// Seal serializes the accumulated values.
func (b *BufferBuilder) Seal() (Buffer, error) {
	raw, err := json.Marshal(b.snap)
	if err != nil {
		return Buffer{}, fmt.Errorf("seal measurement buffer: %w", err)
	}
	return Buffer{raw: raw}, nil
}
