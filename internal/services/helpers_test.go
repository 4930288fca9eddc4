package services_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"illustpub/internal/apperr"
	"illustpub/internal/catalogue"
	"illustpub/internal/config"
	"illustpub/internal/logging"
	"illustpub/internal/progress"
	"illustpub/internal/resolution"
	"illustpub/internal/services"
	"illustpub/internal/testsupport"
)

// fakeSource serves tier payloads from memory and counts downloads.
type fakeSource struct {
	mu        sync.Mutex
	payloads  map[string][]byte
	failures  map[string]int
	downloads int
}

func newFakeSource(payloads map[string][]byte) *fakeSource {
	return &fakeSource{payloads: payloads, failures: map[string]int{}}
}

func (f *fakeSource) Resolve(_ context.Context, _ int64, tier string) (string, error) {
	return "fake://" + tier, nil
}

func (f *fakeSource) Download(_ context.Context, raw string, maxBytes int64) ([]byte, error) {
	tier := strings.TrimPrefix(raw, "fake://")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.failures[tier] > 0 {
		f.failures[tier]--
		return nil, apperr.Wrap(apperr.ErrUpstream, "fake", "connection reset", nil)
	}
	data, ok := f.payloads[tier]
	if !ok {
		return nil, resolution.ErrTierUnavailable
	}
	if int64(len(data)) > maxBytes {
		return nil, resolution.ErrTooLarge
	}
	return data, nil
}

func (f *fakeSource) Downloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

type harness struct {
	cfg     *config.Config
	store   catalogue.Store
	source  *fakeSource
	fetcher *services.Fetcher
	tracker *progress.Tracker
}

func newHarness(t *testing.T, source *fakeSource, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenCatalogue(t, cfg)
	return &harness{
		cfg:     cfg,
		store:   store,
		source:  source,
		fetcher: services.NewFetcher(store, source, cfg, logging.Discard()),
		tracker: progress.New(logging.Discard(), time.Hour),
	}
}

// materializeFile writes a local copy for pid and records it.
func (h *harness) materializeFile(t *testing.T, pid int64, author string) string {
	t.Helper()
	path := filepath.Join(h.cfg.Paths.MediaDir, services.FileName(pid, author))
	if err := os.WriteFile(path, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatalf("write media: %v", err)
	}
	if err := h.store.SetMaterializedPath(context.Background(), pid, path); err != nil {
		t.Fatalf("set path: %v", err)
	}
	return path
}

func waitTask(t *testing.T, tracker *progress.Tracker, token string) progress.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := tracker.Wait(ctx, token)
	if err != nil {
		t.Fatalf("wait for task %s: %v", token, err)
	}
	return task
}

func mediaFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
