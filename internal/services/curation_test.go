package services_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"illustpub/internal/apperr"
	"illustpub/internal/logging"
	"illustpub/internal/models"
	"illustpub/internal/progress"
	"illustpub/internal/services"
	"illustpub/internal/testsupport"
)

func TestSessionCanAdvanceRules(t *testing.T) {
	sess := services.NewSession("s", models.Criteria{Destination: "d"}, []models.ImageRecord{
		{PID: 1}, {PID: 2},
	}, nil)
	if sess.CanAdvance() {
		t.Fatal("nothing materialized yet")
	}

	pids := sess.StartMaterialization()
	if len(pids) != 2 {
		t.Fatalf("expected both pids queued, got %v", pids)
	}
	sess.RecordMaterialization(services.MaterializeItem{PID: 1, Status: services.ItemCompleted})
	if sess.CanAdvance() {
		t.Fatal("pid 2 is still downloading")
	}
	sess.RecordMaterialization(services.MaterializeItem{PID: 2, Status: services.ItemFailed,
		Error: &progress.TaskError{Category: apperr.CategoryUpstream, Message: "timeout"}})
	if !sess.CanAdvance() {
		t.Fatal("one fit materialized item should allow advancing")
	}

	if unfit, err := sess.ToggleUnfit(1); err != nil || !unfit {
		t.Fatalf("toggle: %v %v", unfit, err)
	}
	if sess.CanAdvance() {
		t.Fatal("the only materialized item is unfit")
	}
	if _, err := sess.ToggleUnfit(99); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not-found toggle, got %v", err)
	}

	// retry targets only the failed item
	if retry := sess.StartMaterialization(); len(retry) != 1 || retry[0] != 2 {
		t.Fatalf("expected retry of pid 2 only, got %v", retry)
	}
	sess.RecordMaterialization(services.MaterializeItem{PID: 2, Status: services.ItemCompleted})
	if approved, rejected := sess.Approved(), sess.Rejected(); len(approved) != 1 || approved[0] != 2 || len(rejected) != 1 || rejected[0] != 1 {
		t.Fatalf("unexpected decisions approved=%v rejected=%v", approved, rejected)
	}
	view := sess.Snapshot()
	if !view.CanAdvance || len(view.Items) != 2 || view.Items[1].DownloadState != services.DownloadCompleted {
		t.Fatalf("unexpected snapshot %+v", view)
	}
}

func TestSessionSkipsUnfitItemsWhenMaterializing(t *testing.T) {
	sess := services.NewSession("s", models.Criteria{Destination: "d"}, []models.ImageRecord{{PID: 1}, {PID: 2}}, nil)
	if _, err := sess.ToggleUnfit(2); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if pids := sess.StartMaterialization(); len(pids) != 1 || pids[0] != 1 {
		t.Fatalf("unfit items must not be fetched, got %v", pids)
	}
	if pids := sess.StartMaterialization(); len(pids) != 0 {
		t.Fatalf("items already downloading must not be re-queued, got %v", pids)
	}
}

func TestCuratorFlow(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{"original": []byte("img")}))
	for pid := int64(1); pid <= 6; pid++ {
		testsupport.SeedImages(t, h.store, testsupport.Image(pid, 0.5, "landscape"))
	}
	proc := services.NewImageProcessor(h.fetcher, h.tracker, 2, 10, logging.Discard(), nil)
	defer proc.Shutdown()
	curator := services.NewCurator(services.NewSelector(h.store, logging.Discard()), proc, h.fetcher, nil, services.NewSessionStore(time.Hour, logging.Discard()), logging.Discard())
	ctx := context.Background()

	sess, err := curator.Open(ctx, models.Criteria{Destination: "acct1", IncludeTags: []string{"landscape"}, Limit: 3})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := len(sess.Snapshot().Items); got != 3 {
		t.Fatalf("expected 3 items, got %d", got)
	}

	token, err := curator.Materialize(ctx, sess.ID)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if task := waitTask(t, h.tracker, token); task.Status != progress.StatusCompleted {
		t.Fatalf("expected completed batch, got %s", task.Status)
	}
	if !sess.CanAdvance() || len(sess.Approved()) != 3 {
		t.Fatalf("expected three approved items, got %v", sess.Approved())
	}
	if _, err := curator.Materialize(ctx, sess.ID); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("nothing left to materialize, got %v", err)
	}

	refreshed, err := curator.Refresh(ctx, sess.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if view := refreshed.Snapshot(); len(view.Items) != 3 || view.MaterializeTask != "" {
		t.Fatalf("unexpected refreshed view %+v", view)
	}

	if err := curator.Abandon(sess.ID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := curator.Get(sess.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected abandoned session to be gone, got %v", err)
	}
}

func TestSessionPreviewURLRequiresRenderedFile(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	testsupport.SeedImages(t, h.store, testsupport.Image(1, 0.5, "landscape"))
	h.materializeFile(t, 1, "artist")
	rec, err := h.store.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	view := services.NewSession("s", models.Criteria{Destination: "d"}, []models.ImageRecord{*rec}, h.fetcher).Snapshot()
	if item := view.Items[0]; item.DownloadState != services.DownloadCompleted || item.MediaURL == "" || item.PreviewURL != "" {
		t.Fatalf("expected completed item without preview, got %+v", item)
	}

	preview := filepath.Join(h.cfg.Paths.PreviewDir, models.PreviewName(1))
	if err := os.WriteFile(preview, []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatalf("write preview: %v", err)
	}
	view = services.NewSession("s", models.Criteria{Destination: "d"}, []models.ImageRecord{*rec}, h.fetcher).Snapshot()
	if got := view.Items[0].PreviewURL; got != models.PreviewURL(1) {
		t.Fatalf("expected preview url once the file exists, got %q", got)
	}
}

func TestSessionDecisionsAreConsistentUnderToggles(t *testing.T) {
	sess := services.NewSession("s", models.Criteria{Destination: "d"}, []models.ImageRecord{{PID: 1}, {PID: 2}}, nil)
	if _, _, ok := sess.Decisions(); ok {
		t.Fatal("nothing materialized yet")
	}
	sess.StartMaterialization()
	sess.RecordMaterialization(services.MaterializeItem{PID: 1, Status: services.ItemCompleted})
	sess.RecordMaterialization(services.MaterializeItem{PID: 2, Status: services.ItemCompleted})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = sess.ToggleUnfit(1)
				_, _ = sess.ToggleUnfit(2)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		approved, rejected, ok := sess.Decisions()
		if !ok {
			if len(approved) != 0 || len(rejected) != 0 {
				t.Fatalf("blocked session returned decisions %v %v", approved, rejected)
			}
			continue
		}
		if len(approved) == 0 || len(approved)+len(rejected) != 2 {
			close(stop)
			wg.Wait()
			t.Fatalf("inconsistent decisions approved=%v rejected=%v", approved, rejected)
		}
	}
	close(stop)
	wg.Wait()
}

func TestCuratorPublishRefusesBlockedSession(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	testsupport.SeedImages(t, h.store, testsupport.Image(1, 0.5, "landscape"))
	curator := services.NewCurator(services.NewSelector(h.store, logging.Discard()), nil, h.fetcher, nil,
		services.NewSessionStore(time.Hour, logging.Discard()), logging.Discard())

	sess, err := curator.Open(context.Background(), models.Criteria{Destination: "acct1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := curator.Publish(context.Background(), sess.ID); !errors.Is(err, apperr.ErrConstraint) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	if _, err := curator.Get(sess.ID); err != nil {
		t.Fatalf("refused session must stay open: %v", err)
	}
}
