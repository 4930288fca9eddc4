package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gofrs/flock"

	"illustpub/internal/apperr"
	"illustpub/internal/catalogue"
	"illustpub/internal/config"
	"illustpub/internal/fileutil"
	"illustpub/internal/logging"
	"illustpub/internal/models"
	"illustpub/internal/resolution"
)

// Materialized describes a local copy of one image.
type Materialized struct {
	PID        int64  `json:"pid"`
	Path       string `json:"-"`
	MediaURL   string `json:"media_url"`
	PreviewURL string `json:"preview_url"`
	Tier       string `json:"tier_used,omitempty"`
	ByteSize   int64  `json:"byte_size"`
	Cached     bool   `json:"cached"`
}

// Fetcher materializes images by walking the resolution tier ladder from
// highest to lowest fidelity until one fits under the byte ceiling.
type Fetcher struct {
	store      catalogue.Store
	source     resolution.Source
	tiers      []string
	maxBytes   int64
	mediaDir   string
	previewDir string
	lockDir    string
	retry      apperr.RetryPolicy
	logger     *slog.Logger
}

func NewFetcher(store catalogue.Store, source resolution.Source, cfg *config.Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		store:      store,
		source:     source,
		tiers:      append([]string(nil), cfg.Resolution.Tiers...),
		maxBytes:   cfg.Resolution.MaxBytes,
		mediaDir:   cfg.Paths.MediaDir,
		previewDir: cfg.Paths.PreviewDir,
		lockDir:    cfg.Paths.LockDir,
		retry: apperr.RetryPolicy{
			Attempts: cfg.Resolution.Retries,
			Backoff:  time.Duration(cfg.Resolution.RetryBackoffMS) * time.Millisecond,
		},
		logger: logger.With("component", "fetcher"),
	}
}

// FileName is the deterministic media file name for an image.
func FileName(pid int64, author string) string {
	name := "pid_" + strconv.FormatInt(pid, 10) + ".jpg"
	if label := fileutil.SanitizeName(author); label != "" {
		name = "@" + label + " " + name
	}
	return name
}

// Materialize stores pid locally. An image that already has a local copy is
// returned without any network call.
func (f *Fetcher) Materialize(ctx context.Context, pid int64) (*Materialized, error) {
	rec, err := f.store.Get(ctx, pid)
	if err != nil {
		return nil, err
	}
	target := filepath.Join(f.mediaDir, FileName(pid, rec.Author))
	if m, ok := f.probe(ctx, rec, target); ok {
		return m, nil
	}

	lock := flock.New(filepath.Join(f.lockDir, "pid_"+strconv.FormatInt(pid, 10)+".lock"))
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock pid %d: %w", pid, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock pid %d: not acquired", pid)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	// another worker may have finished while we waited
	if m, ok := f.probe(ctx, rec, target); ok {
		return m, nil
	}
	return f.walkLadder(ctx, rec, target)
}

func (f *Fetcher) probe(ctx context.Context, rec *models.ImageRecord, target string) (*Materialized, bool) {
	path := ""
	switch {
	case rec.IsMaterialized() && fileutil.Exists(*rec.MaterializedPath):
		path = *rec.MaterializedPath
	case fileutil.Exists(target):
		path = target
		if err := f.store.SetMaterializedPath(ctx, rec.PID, path); err != nil {
			f.logger.Warn("record existing file", "pid", rec.PID, "error", err)
		}
		rec.MaterializedPath = &path
	default:
		return nil, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	f.ensurePreview(rec.PID, path)
	return f.result(rec.PID, path, "", info.Size(), true), true
}

func (f *Fetcher) walkLadder(ctx context.Context, rec *models.ImageRecord, target string) (*Materialized, error) {
	var oversize, upstream bool
	var lastErr error
	for _, tier := range f.tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log := f.logger.With("pid", rec.PID, "tier", tier)

		rawURL, err := f.source.Resolve(ctx, rec.PID, tier)
		if err != nil {
			log.Debug("tier unavailable", "error", err)
			continue
		}

		var data []byte
		err = f.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			data, err = f.source.Download(ctx, rawURL, f.maxBytes)
			return err
		})
		if err == nil && int64(len(data)) > f.maxBytes {
			err = resolution.ErrTooLarge
		}
		switch {
		case errors.Is(err, resolution.ErrTooLarge):
			oversize = true
			log.Info("tier over size ceiling", "ceiling", f.maxBytes)
			continue
		case errors.Is(err, resolution.ErrTierUnavailable):
			log.Debug("tier unavailable", "error", err)
			continue
		case errors.Is(err, context.Canceled):
			return nil, err
		case err != nil:
			upstream = true
			lastErr = err
			log.Warn("tier fetch failed", "error", err)
			continue
		}

		if err := fileutil.WriteAtomic(target, data); err != nil {
			return nil, fmt.Errorf("write %s: %w", filepath.Base(target), err)
		}
		if err := f.store.SetMaterializedPath(ctx, rec.PID, target); err != nil {
			return nil, err
		}
		f.ensurePreview(rec.PID, target)
		log.Info("image materialized", logging.Bytes(int64(len(data))))
		return f.result(rec.PID, target, tier, int64(len(data)), false), nil
	}

	pid := strconv.FormatInt(rec.PID, 10)
	switch {
	case oversize:
		return nil, apperr.Constraint("fetcher", "no tier of "+pid+" fits under the size ceiling")
	case upstream:
		return nil, apperr.Wrap(apperr.ErrUpstream, "fetcher", "resolution service failed for "+pid, lastErr)
	default:
		return nil, apperr.NotFound("fetcher", "no tier available for "+pid)
	}
}

// ensurePreview renders the 512px preview once. Failures only cost the
// preview, never the materialization.
func (f *Fetcher) ensurePreview(pid int64, src string) {
	thumbPath := filepath.Join(f.previewDir, models.PreviewName(pid))
	if fileutil.Exists(thumbPath) {
		return
	}
	img, err := imaging.Open(src)
	if err != nil {
		f.logger.Debug("preview skipped", "pid", pid, "error", err)
		return
	}
	thumb := imaging.Fill(img, 512, 512, imaging.Center, imaging.Lanczos)
	if err := imaging.Save(thumb, thumbPath, imaging.JPEGQuality(80)); err != nil {
		f.logger.Warn("save preview", "pid", pid, "error", err)
	}
}

func (f *Fetcher) result(pid int64, path, tier string, size int64, cached bool) *Materialized {
	m := &Materialized{
		PID:      pid,
		Path:     path,
		MediaURL: models.MediaURL(path),
		Tier:     tier,
		ByteSize: size,
		Cached:   cached,
	}
	m.PreviewURL = f.PreviewURL(pid)
	return m
}

// PreviewURL returns the public preview URL for pid when the preview file
// exists, and "" otherwise.
func (f *Fetcher) PreviewURL(pid int64) string {
	if !fileutil.Exists(filepath.Join(f.previewDir, models.PreviewName(pid))) {
		return ""
	}
	return models.PreviewURL(pid)
}

// ImageStatus reports whether one pid has a usable local copy.
type ImageStatus struct {
	PID        int64  `json:"pid"`
	Downloaded bool   `json:"downloaded"`
	MediaURL   string `json:"media_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// Status checks the local copies of pids. Unknown pids report not downloaded.
func (f *Fetcher) Status(ctx context.Context, pids []int64) ([]ImageStatus, error) {
	recs, err := f.store.GetMany(ctx, pids)
	if err != nil {
		return nil, err
	}
	byPID := make(map[int64]models.ImageRecord, len(recs))
	for _, r := range recs {
		byPID[r.PID] = r
	}
	out := make([]ImageStatus, 0, len(pids))
	for _, pid := range pids {
		st := ImageStatus{PID: pid}
		if rec, ok := byPID[pid]; ok && rec.IsMaterialized() && fileutil.Exists(*rec.MaterializedPath) {
			st.Downloaded = true
			st.MediaURL = models.MediaURL(*rec.MaterializedPath)
			st.PreviewURL = f.PreviewURL(pid)
		}
		out = append(out, st)
	}
	return out, nil
}
