package services_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"illustpub/internal/accounts"
	"illustpub/internal/apperr"
	"illustpub/internal/logging"
	"illustpub/internal/platform"
	"illustpub/internal/progress"
	"illustpub/internal/services"
	"illustpub/internal/testsupport"
)

const publishRegistry = `
destinations:
  - id: acct1
    app_id: wx1
    app_secret: secret
    author: curator
    title: Daily picks
    thumb_media_id: thumb-1
`

type fakeSession struct {
	mu         sync.Mutex
	tokenErr   error
	draftErr   error
	failPIDs   map[string]bool
	tokenCalls int
	uploads    []string
	drafts     []platform.Draft
}

func (f *fakeSession) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "tok", nil
}

func (f *fakeSession) UploadImage(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := filepath.Base(path)
	for marker := range f.failPIDs {
		if strings.Contains(name, marker) {
			return "", apperr.Wrap(apperr.ErrUpstream, "fake", "upload rejected", nil)
		}
	}
	f.uploads = append(f.uploads, name)
	return "https://cdn.example/" + name, nil
}

func (f *fakeSession) AddDraft(_ context.Context, d platform.Draft) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, d)
	if f.draftErr != nil {
		return "", f.draftErr
	}
	return "draft-1", nil
}

func newPublisher(t *testing.T, h *harness, sess *fakeSession) *services.Publisher {
	t.Helper()
	reg, err := accounts.Parse([]byte(publishRegistry))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	factory := func(platform.Credentials) services.PlatformSession { return sess }
	return services.NewPublisher(h.store, reg, factory, h.tracker, h.cfg.Paths.WorkDir, logging.Discard())
}

func seedMaterialized(t *testing.T, h *harness, pids ...int64) {
	t.Helper()
	for _, pid := range pids {
		testsupport.SeedImages(t, h.store, testsupport.Image(pid, 0.5, "landscape"))
		h.materializeFile(t, pid, "artist")
	}
}

func TestPublishWithoutApprovedFailsFast(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	sess := &fakeSession{}
	pub := newPublisher(t, h, sess)

	_, err := pub.Publish(context.Background(), services.PublishRequest{Destination: "acct1", Rejected: []int64{1}})
	if !errors.Is(err, apperr.ErrConstraint) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if sess.tokenCalls != 0 || len(sess.uploads) != 0 {
		t.Fatal("the platform must not be contacted")
	}
}

func TestPublishUnknownDestinationIsNotFound(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	pub := newPublisher(t, h, &fakeSession{})
	_, err := pub.Publish(context.Background(), services.PublishRequest{Destination: "nope", Approved: []int64{1}})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestPublishToleratesPartialUploadFailure(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	seedMaterialized(t, h, 1, 2, 3, 4, 5, 6)
	sess := &fakeSession{failPIDs: map[string]bool{"pid_2.": true, "pid_4.": true}}
	pub := newPublisher(t, h, sess)

	token, err := pub.Publish(context.Background(), services.PublishRequest{
		Destination: "acct1",
		Approved:    []int64{1, 2, 3, 4, 5},
		Rejected:    []int64{6},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	task := waitTask(t, h.tracker, token)
	if task.Status != progress.StatusCompleted {
		t.Fatalf("expected completed, got %s (%+v)", task.Status, task.Error)
	}
	res := task.Result.(*services.PublishResult)
	if res.PublishedCount != 3 || res.FailedCount != 2 || len(res.Failures) != 2 || res.UnfitCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.MediaID != "draft-1" {
		t.Fatalf("unexpected media id %q", res.MediaID)
	}

	draft := sess.drafts[0]
	if draft.Title != services.DraftTitle("Daily picks", time.Now()) || draft.Digest != services.DefaultDigest {
		t.Fatalf("unexpected draft header %+v", draft)
	}
	first := strings.Index(draft.Content, "pid_1.jpg")
	third := strings.Index(draft.Content, "pid_3.jpg")
	fifth := strings.Index(draft.Content, "pid_5.jpg")
	if first < 0 || !(first < third && third < fifth) || strings.Contains(draft.Content, "pid_2.jpg") {
		t.Fatalf("article must embed uploads in order: %s", draft.Content)
	}

	recs, err := h.store.GetMany(context.Background(), []int64{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	for _, rec := range recs {
		used := rec.UsedByDestination("acct1")
		wantUsed := rec.PID == 1 || rec.PID == 3 || rec.PID == 5
		if used != wantUsed {
			t.Fatalf("pid %d used=%v want %v", rec.PID, used, wantUsed)
		}
		if rec.Rejected != (rec.PID == 6) {
			t.Fatalf("pid %d rejected=%v", rec.PID, rec.Rejected)
		}
	}
	if _, err := os.Stat(filepath.Join(h.cfg.Paths.WorkDir, token)); !os.IsNotExist(err) {
		t.Fatalf("work area should be removed, stat err=%v", err)
	}
	// shared media stays untouched
	if files := mediaFiles(t, h.cfg.Paths.MediaDir); len(files) != 6 {
		t.Fatalf("media dir changed: %v", files)
	}
}

func TestPublishAuthFailureSkipsReconciliation(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	seedMaterialized(t, h, 1, 2)
	sess := &fakeSession{tokenErr: apperr.Wrap(apperr.ErrUpstream, "fake", "invalid appsecret", nil)}
	pub := newPublisher(t, h, sess)

	token, err := pub.Publish(context.Background(), services.PublishRequest{Destination: "acct1", Approved: []int64{1}, Rejected: []int64{2}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	task := waitTask(t, h.tracker, token)
	if task.Status != progress.StatusFailed || task.Error.Category != apperr.CategoryUpstream {
		t.Fatalf("expected upstream failure, got %s %+v", task.Status, task.Error)
	}
	if res := task.Result.(*services.PublishResult); res.Error == "" {
		t.Fatal("result should carry a readable error")
	}
	rec, err := h.store.Get(context.Background(), 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Rejected {
		t.Fatal("nothing was uploaded, so nothing is reconciled")
	}
}

func TestPublishDraftFailureStillReconciles(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	seedMaterialized(t, h, 1, 2)
	sess := &fakeSession{draftErr: apperr.Wrap(apperr.ErrUpstream, "fake", "draft rejected", nil)}
	pub := newPublisher(t, h, sess)

	token, err := pub.Publish(context.Background(), services.PublishRequest{Destination: "acct1", Approved: []int64{1}, Rejected: []int64{2}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	task := waitTask(t, h.tracker, token)
	if task.Status != progress.StatusFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	recs, err := h.store.GetMany(context.Background(), []int64{1, 2})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	for _, rec := range recs {
		if rec.PID == 1 && !rec.UsedByDestination("acct1") {
			t.Fatal("uploaded image must be marked used")
		}
		if rec.PID == 2 && !rec.Rejected {
			t.Fatal("rejected image must be flagged")
		}
	}
}

func TestPublishUnmaterializedApprovalsFail(t *testing.T) {
	h := newHarness(t, newFakeSource(nil))
	testsupport.SeedImages(t, h.store, testsupport.Image(1, 0.5))
	sess := &fakeSession{}
	pub := newPublisher(t, h, sess)

	token, err := pub.Publish(context.Background(), services.PublishRequest{Destination: "acct1", Approved: []int64{1}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	task := waitTask(t, h.tracker, token)
	if task.Status != progress.StatusFailed || task.Error.Category != apperr.CategoryConstraint {
		t.Fatalf("expected constraint failure, got %s %+v", task.Status, task.Error)
	}
	if sess.tokenCalls != 0 {
		t.Fatal("platform contacted without anything to upload")
	}
}
