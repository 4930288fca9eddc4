package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"illustpub/internal/apperr"
	"illustpub/internal/catalogue"
	"illustpub/internal/fileutil"
	"illustpub/internal/models"
	"illustpub/internal/platform"
	"illustpub/internal/progress"
)

// DefaultDigest is used when neither the request nor the account sets one.
const DefaultDigest = "喜欢的话就点个在看吧"

// Progress checkpoints, one per publish step boundary.
const (
	pctPrepared   = 15
	pctUploaded   = 60
	pctComposed   = 70
	pctSubmitted  = 85
	pctReconciled = 95
)

const uploadConcurrency = 3

// AccountLookup resolves destination ids.
type AccountLookup interface {
	Lookup(id string) (models.DestinationAccount, error)
}

// PlatformSession is what a publish attempt needs from the platform.
type PlatformSession interface {
	Token(ctx context.Context) (string, error)
	UploadImage(ctx context.Context, path string) (string, error)
	AddDraft(ctx context.Context, d platform.Draft) (string, error)
}

// SessionFactory opens an attempt-scoped platform session.
type SessionFactory func(creds platform.Credentials) PlatformSession

// PublishRequest names the curated pids for one destination.
type PublishRequest struct {
	Destination string  `json:"destination"`
	Approved    []int64 `json:"approved"`
	Rejected    []int64 `json:"rejected"`
}

// PublishFailure records why one approved pid was not published.
type PublishFailure struct {
	PID      int64  `json:"pid"`
	Stage    string `json:"stage"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// PublishResult is the result payload of a publish task.
type PublishResult struct {
	Destination    string           `json:"destination"`
	PublishedCount int              `json:"published_count"`
	FailedCount    int              `json:"failed_count"`
	UnfitCount     int              `json:"unfit_count"`
	Failures       []PublishFailure `json:"failures"`
	MediaID        string           `json:"media_id,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Publisher uploads curated images, composes an article and submits it as a
// draft. Independent attempts share nothing but the catalogue.
type Publisher struct {
	store    catalogue.Store
	accounts AccountLookup
	sessions SessionFactory
	tracker  *progress.Tracker
	workDir  string
	logger   *slog.Logger
	now      func() time.Time
}

func NewPublisher(store catalogue.Store, accounts AccountLookup, sessions SessionFactory, tracker *progress.Tracker, workDir string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:    store,
		accounts: accounts,
		sessions: sessions,
		tracker:  tracker,
		workDir:  workDir,
		logger:   logger.With("component", "publisher"),
		now:      time.Now,
	}
}

// ClientSessions adapts a platform client into a SessionFactory.
func ClientSessions(client *platform.Client) SessionFactory {
	return func(creds platform.Credentials) PlatformSession {
		return client.NewSession(creds)
	}
}

// Publish validates req synchronously and runs the attempt in the
// background, returning its task token. Requests without approved pids fail
// here without contacting the platform.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	req.Approved = uniquePIDs(req.Approved)
	req.Rejected = uniquePIDs(req.Rejected)
	if len(req.Approved) == 0 {
		return "", apperr.Constraint("publish", "no approved images")
	}
	approved := make(map[int64]struct{}, len(req.Approved))
	for _, pid := range req.Approved {
		approved[pid] = struct{}{}
	}
	for _, pid := range req.Rejected {
		if _, ok := approved[pid]; ok {
			return "", apperr.Invalid("publish", "pid "+strconv.FormatInt(pid, 10)+" is both approved and rejected")
		}
	}
	acct, err := p.accounts.Lookup(req.Destination)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token := p.tracker.Create(progress.KindPublish)
	go p.run(token, acct, req)
	return token, nil
}

type preparedImage struct {
	pid  int64
	path string
	url  string
	err  error
}

func (p *Publisher) run(token string, acct models.DestinationAccount, req PublishRequest) {
	ctx := context.Background()
	log := p.logger.With("task", token, "destination", acct.ID)
	res := &PublishResult{Destination: acct.ID, UnfitCount: len(req.Rejected), Failures: []PublishFailure{}}
	_ = p.tracker.Start(token, "preparing")

	// 1. prepare
	area := filepath.Join(p.workDir, token)
	defer func() {
		// 6. cleanup
		if err := os.RemoveAll(area); err != nil {
			log.Warn("remove work area", "error", err)
		}
	}()
	prepared, err := p.prepare(ctx, area, req.Approved, res)
	if err != nil {
		p.fail(token, res, err)
		return
	}
	if len(prepared) == 0 {
		p.fail(token, res, apperr.Constraint("publish", "none of the approved images is materialized"))
		return
	}
	_ = p.tracker.Progress(token, pctPrepared, "uploading")

	// 2. upload
	sess := p.sessions(platform.Credentials{AppID: acct.AppID, AppSecret: acct.AppSecret})
	if _, err := sess.Token(ctx); err != nil {
		p.fail(token, res, err)
		return
	}
	uploaded := p.upload(ctx, sess, prepared, res)
	log.Info("uploads finished", "uploaded", len(uploaded), "failed", res.FailedCount)
	if len(uploaded) == 0 {
		p.fail(token, res, apperr.Wrap(apperr.ErrUpstream, "publish", "every upload failed", nil))
		return
	}
	_ = p.tracker.Progress(token, pctUploaded, "composing")

	// 3. compose
	images := make([]platform.ArticleImage, len(uploaded))
	for i, img := range uploaded {
		images[i] = platform.ArticleImage{URL: img.url, Caption: platform.CaptionFor(img.path)}
	}
	content, composeErr := platform.Compose(images)
	_ = p.tracker.Progress(token, pctComposed, "submitting draft")

	// 4. submit
	var draftErr error
	if composeErr != nil {
		draftErr = composeErr
	} else {
		res.MediaID, draftErr = sess.AddDraft(ctx, p.draft(acct, content))
	}
	_ = p.tracker.Progress(token, pctSubmitted, "reconciling catalogue")

	// 5. reconcile, whether or not the draft went through
	pids := make([]int64, len(uploaded))
	for i, img := range uploaded {
		pids[i] = img.pid
	}
	if err := p.store.MarkUsed(ctx, pids, acct.ID); err != nil {
		log.Error("mark used", "error", err)
	}
	if err := p.store.MarkRejected(ctx, req.Rejected); err != nil {
		log.Error("mark rejected", "error", err)
	}
	_ = p.tracker.Progress(token, pctReconciled, "cleaning up")

	if draftErr != nil {
		p.fail(token, res, draftErr)
		return
	}
	log.Info("draft created", "media_id", res.MediaID, "published", res.PublishedCount)
	_ = p.tracker.Complete(token, res)
}

// prepare copies every approved, materialized image into the attempt's own
// work area, keeping approval order.
func (p *Publisher) prepare(ctx context.Context, area string, approved []int64, res *PublishResult) ([]*preparedImage, error) {
	if err := os.MkdirAll(area, 0o755); err != nil {
		return nil, fmt.Errorf("create work area: %w", err)
	}
	recs, err := p.store.GetMany(ctx, approved)
	if err != nil {
		return nil, err
	}
	byPID := make(map[int64]models.ImageRecord, len(recs))
	for _, r := range recs {
		byPID[r.PID] = r
	}

	slots := make([]*preparedImage, len(approved))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, pid := range approved {
		rec, ok := byPID[pid]
		switch {
		case !ok:
			slots[i] = &preparedImage{pid: pid, err: apperr.NotFound("publish", "image not in catalogue")}
			continue
		case !rec.IsMaterialized() || !fileutil.Exists(*rec.MaterializedPath):
			slots[i] = &preparedImage{pid: pid, err: apperr.NotFound("publish", "image is not materialized")}
			continue
		}
		src := *rec.MaterializedPath
		dst := filepath.Join(area, filepath.Base(src))
		slots[i] = &preparedImage{pid: pid, path: dst}
		slot := slots[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fileutil.CopyFile(src, dst); err != nil {
				slot.err = fmt.Errorf("copy into work area: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*preparedImage, 0, len(slots))
	for _, s := range slots {
		if s.err != nil {
			res.recordFailure(s.pid, "prepare", s.err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// upload sends prepared images with bounded concurrency. The returned slice
// keeps approval order regardless of completion order.
func (p *Publisher) upload(ctx context.Context, sess PlatformSession, prepared []*preparedImage, res *PublishResult) []*preparedImage {
	sem := semaphore.NewWeighted(uploadConcurrency)
	done := make(chan struct{}, len(prepared))
	for _, img := range prepared {
		if err := sem.Acquire(ctx, 1); err != nil {
			img.err = err
			done <- struct{}{}
			continue
		}
		go func(img *preparedImage) {
			defer sem.Release(1)
			img.url, img.err = sess.UploadImage(ctx, img.path)
			done <- struct{}{}
		}(img)
	}
	for range prepared {
		<-done
	}

	out := make([]*preparedImage, 0, len(prepared))
	for _, img := range prepared {
		if img.err != nil {
			p.logger.Warn("upload failed", "pid", img.pid, "error", img.err)
			res.recordFailure(img.pid, "upload", img.err)
			continue
		}
		out = append(out, img)
	}
	res.PublishedCount = len(out)
	return out
}

func (p *Publisher) draft(acct models.DestinationAccount, content string) platform.Draft {
	digest := acct.Digest
	if digest == "" {
		digest = DefaultDigest
	}
	open, fans := acct.CommentPolicy()
	return platform.Draft{
		Title:              DraftTitle(acct.Title, p.now()),
		Author:             acct.Author,
		Digest:             digest,
		Content:            content,
		ThumbMediaID:       acct.ThumbMediaID,
		NeedOpenComment:    boolFlag(open),
		OnlyFansCanComment: boolFlag(fans),
	}
}

func (p *Publisher) fail(token string, res *PublishResult, err error) {
	res.Error = err.Error()
	p.logger.Error("publish failed", "task", token, "error", err)
	_ = p.tracker.Fail(token, err, res)
}

func (r *PublishResult) recordFailure(pid int64, stage string, err error) {
	r.FailedCount++
	r.Failures = append(r.Failures, PublishFailure{
		PID:      pid,
		Stage:    stage,
		Category: apperr.Category(err),
		Message:  err.Error(),
	})
}

// DraftTitle is the account's default title followed by the date.
func DraftTitle(title string, now time.Time) string {
	date := now.Format("2006-01-02")
	if title == "" {
		return date
	}
	return title + " " + date
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}
