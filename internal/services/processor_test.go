package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"illustpub/internal/apperr"
	"illustpub/internal/logging"
	"illustpub/internal/models"
	"illustpub/internal/progress"
	"illustpub/internal/services"
	"illustpub/internal/testsupport"
)

func TestMaterializeBatchReportsPartialSuccess(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{"original": []byte("img")}))
	testsupport.SeedImages(t, h.store,
		models.ImageRecord{PID: 1}, models.ImageRecord{PID: 2}, models.ImageRecord{PID: 3})

	var mu sync.Mutex
	var completed []int64
	proc := services.NewImageProcessor(h.fetcher, h.tracker, 2, 10, logging.Discard(), func(item services.MaterializeItem) {
		mu.Lock()
		completed = append(completed, item.PID)
		mu.Unlock()
	})
	defer proc.Shutdown()

	var seen []services.MaterializeItem
	token, err := proc.MaterializeBatch(context.Background(), []int64{1, 2, 3, 404, 2}, func(item services.MaterializeItem) {
		seen = append(seen, item)
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	task := waitTask(t, h.tracker, token)
	if task.Status != progress.StatusCompleted || task.Percentage != 100 {
		t.Fatalf("expected completed at 100%%, got %s at %d", task.Status, task.Percentage)
	}
	res, ok := task.Result.(services.BatchResult)
	if !ok {
		t.Fatalf("unexpected result type %T", task.Result)
	}
	if res.TotalCount != 4 || res.DownloadedCount != 3 || res.FailedCount != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if len(seen) != 4 {
		t.Fatalf("onItem should see every item, saw %d", len(seen))
	}
	for _, item := range res.Items {
		if item.PID == 404 && (item.Status != services.ItemFailed || item.Error.Category != apperr.CategoryNotFound) {
			t.Fatalf("unexpected item for unknown pid: %+v", item)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 3 {
		t.Fatalf("onComplete should fire per success, got %d", len(completed))
	}
}

func TestMaterializeBatchFailsWhenEveryItemFails(t *testing.T) {
	h := newHarness(t, newFakeSource(map[string][]byte{}))
	testsupport.SeedImages(t, h.store, models.ImageRecord{PID: 1})
	proc := services.NewImageProcessor(h.fetcher, h.tracker, 2, 10, logging.Discard(), nil)
	defer proc.Shutdown()

	token, err := proc.MaterializeBatch(context.Background(), []int64{1}, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	task := waitTask(t, h.tracker, token)
	if task.Status != progress.StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Error == nil || task.Error.Category != apperr.CategoryNotFound {
		t.Fatalf("expected not-found category, got %+v", task.Error)
	}
}

func TestMaterializeBatchRejectsEmptyInput(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	proc := services.NewImageProcessor(h.fetcher, h.tracker, 1, 1, logging.Discard(), nil)
	defer proc.Shutdown()

	if _, err := proc.MaterializeBatch(context.Background(), nil, nil); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
