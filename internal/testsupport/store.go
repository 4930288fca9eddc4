package testsupport

import (
	"context"
	"testing"

	"illustpub/internal/catalogue"
	"illustpub/internal/config"
	"illustpub/internal/models"
)

// MustOpenCatalogue opens the configured catalogue and registers cleanup.
func MustOpenCatalogue(t testing.TB, cfg *config.Config) catalogue.Store {
	t.Helper()

	store, err := catalogue.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("catalogue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// SeedImages inserts the given records.
func SeedImages(t testing.TB, store catalogue.Store, recs ...models.ImageRecord) {
	t.Helper()

	for _, rec := range recs {
		if err := store.Insert(context.Background(), rec); err != nil {
			t.Fatalf("insert %d: %v", rec.PID, err)
		}
	}
}

// Image is a shorthand constructor for seeded records.
func Image(pid int64, popularity float64, tags ...string) models.ImageRecord {
	return models.ImageRecord{PID: pid, Popularity: popularity, Tags: tags, Author: "artist"}
}
