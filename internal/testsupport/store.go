package testsupport

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"assay/internal/config"
	"assay/internal/measurements"
)

// MustOpenStore opens a measurements.Store under the config's data directory
// and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *measurements.Store {
	t.Helper()

	store, err := measurements.Open(filepath.Join(cfg.Paths.DataDir, "measurements.db"))
	if err != nil {
		t.Fatalf("measurements.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedImageSets registers image sets 1..count with a placeholder measurement.
func SeedImageSets(t testing.TB, store *measurements.Store, count int) {
	t.Helper()

	builder := measurements.NewBufferBuilder()
	for n := 1; n <= count; n++ {
		builder.Add(measurements.ObjectImage, "FileName", n, "img_"+strconv.Itoa(n)+".tif")
	}
	buf, err := builder.Seal()
	if err != nil {
		t.Fatalf("seal seed buffer: %v", err)
	}
	if err := store.WriteInitial(context.Background(), buf); err != nil {
		t.Fatalf("WriteInitial: %v", err)
	}
}

// SeedGroupedImageSets registers image sets with group metadata. groups maps
// group number to its image sets in group-index order.
func SeedGroupedImageSets(t testing.TB, store *measurements.Store, groups map[int][]int) {
	t.Helper()

	builder := measurements.NewBufferBuilder()
	for number, members := range groups {
		for index, imageSet := range members {
			builder.Add(measurements.ObjectImage, "FileName", imageSet, "img_"+strconv.Itoa(imageSet)+".tif")
			builder.Add(measurements.ObjectImage, measurements.FeatureGroupNumber, imageSet, strconv.Itoa(number))
			builder.Add(measurements.ObjectImage, measurements.FeatureGroupIndex, imageSet, strconv.Itoa(index+1))
		}
	}
	buf, err := builder.Seal()
	if err != nil {
		t.Fatalf("seal grouped seed buffer: %v", err)
	}
	if err := store.WriteInitial(context.Background(), buf); err != nil {
		t.Fatalf("WriteInitial: %v", err)
	}
}
