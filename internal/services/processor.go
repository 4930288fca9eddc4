package services

import (
	"context"
	"log/slog"
	"sync"

	"illustpub/internal/apperr"
	"illustpub/internal/progress"
)

// Item states reported for each pid of a materialization batch.
const (
	ItemCompleted = "completed"
	ItemFailed    = "failed"
)

// MaterializeItem is the outcome for one pid.
type MaterializeItem struct {
	PID        int64               `json:"pid"`
	Status     string              `json:"status"`
	MediaURL   string              `json:"media_url,omitempty"`
	PreviewURL string              `json:"preview_url,omitempty"`
	Tier       string              `json:"tier_used,omitempty"`
	ByteSize   int64               `json:"byte_size,omitempty"`
	Error      *progress.TaskError `json:"error,omitempty"`
}

// BatchResult is the result payload of a materialization task.
type BatchResult struct {
	DownloadedCount int               `json:"downloaded_count"`
	FailedCount     int               `json:"failed_count"`
	TotalCount      int               `json:"total_count"`
	Items           []MaterializeItem `json:"items"`
}

type materializeJob struct {
	pid     int64
	results chan<- MaterializeItem
}

type OnComplete func(item MaterializeItem)

// ImageProcessor runs materializations on a fixed pool of workers fed by a
// job queue. Results for different pids arrive in any order.
type ImageProcessor struct {
	jobs       chan materializeJob
	wg         sync.WaitGroup
	fetcher    *Fetcher
	tracker    *progress.Tracker
	maxWorkers int
	onComplete OnComplete
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
}

func NewImageProcessor(fetcher *Fetcher, tracker *progress.Tracker, maxWorkers, queueSize int, logger *slog.Logger, onComplete OnComplete) *ImageProcessor {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &ImageProcessor{
		jobs:       make(chan materializeJob, queueSize),
		fetcher:    fetcher,
		tracker:    tracker,
		maxWorkers: maxWorkers,
		onComplete: onComplete,
		logger:     logger.With("component", "processor"),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.startWorkers()
	return p
}

func (p *ImageProcessor) startWorkers() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *ImageProcessor) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			item := p.process(job.pid)
			if item.Status == ItemCompleted {
				p.logger.Debug("materialization complete", "worker", id, "pid", job.pid)
				if p.onComplete != nil {
					p.onComplete(item)
				}
			} else {
				p.logger.Warn("materialization failed", "worker", id, "pid", job.pid, "error", item.Error.Message)
			}
			job.results <- item
		}
	}
}

func (p *ImageProcessor) process(pid int64) MaterializeItem {
	m, err := p.fetcher.Materialize(p.ctx, pid)
	if err != nil {
		return failedItem(pid, err)
	}
	return MaterializeItem{
		PID:        pid,
		Status:     ItemCompleted,
		MediaURL:   m.MediaURL,
		PreviewURL: m.PreviewURL,
		Tier:       m.Tier,
		ByteSize:   m.ByteSize,
	}
}

func failedItem(pid int64, err error) MaterializeItem {
	return MaterializeItem{
		PID:    pid,
		Status: ItemFailed,
		Error:  &progress.TaskError{Category: apperr.Category(err), Message: err.Error()},
	}
}

// MaterializeOne materializes pid synchronously, bypassing the queue.
func (p *ImageProcessor) MaterializeOne(ctx context.Context, pid int64) (*Materialized, error) {
	m, err := p.fetcher.Materialize(ctx, pid)
	if err != nil {
		return nil, err
	}
	if p.onComplete != nil {
		p.onComplete(MaterializeItem{PID: pid, Status: ItemCompleted, MediaURL: m.MediaURL, PreviewURL: m.PreviewURL, Tier: m.Tier, ByteSize: m.ByteSize})
	}
	return m, nil
}

// MaterializeBatch queues pids and returns a task token immediately. onItem,
// if set, sees every item outcome as it arrives. The task fails only when
// every item failed.
func (p *ImageProcessor) MaterializeBatch(ctx context.Context, pids []int64, onItem func(MaterializeItem)) (string, error) {
	pids = uniquePIDs(pids)
	if len(pids) == 0 {
		return "", apperr.Invalid("materialize", "no pids given")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token := p.tracker.Create(progress.KindMaterialize)
	go p.runBatch(token, pids, onItem)
	return token, nil
}

func (p *ImageProcessor) runBatch(token string, pids []int64, onItem func(MaterializeItem)) {
	log := p.logger.With("task", token)
	_ = p.tracker.Start(token, "materializing")

	results := make(chan MaterializeItem, len(pids))
	pending := make(map[int64]struct{}, len(pids))
	for _, pid := range pids {
		pending[pid] = struct{}{}
	}
	res := BatchResult{TotalCount: len(pids), Items: make([]MaterializeItem, 0, len(pids))}
	record := func(item MaterializeItem) {
		delete(pending, item.PID)
		res.Items = append(res.Items, item)
		if item.Status == ItemCompleted {
			res.DownloadedCount++
		} else {
			res.FailedCount++
		}
		if onItem != nil {
			onItem(item)
		}
		_ = p.tracker.Progress(token, len(res.Items)*100/len(pids), "")
	}

	for _, pid := range pids {
		select {
		case p.jobs <- materializeJob{pid: pid, results: results}:
		case <-p.ctx.Done():
			results <- failedItem(pid, p.ctx.Err())
		}
	}
	for len(pending) > 0 {
		select {
		case item := <-results:
			record(item)
		case <-p.ctx.Done():
			// workers are gone; jobs still queued will never run
			for pid := range pending {
				record(failedItem(pid, p.ctx.Err()))
			}
		}
	}

	log.Info("batch finished", "downloaded", res.DownloadedCount, "failed", res.FailedCount)
	if res.DownloadedCount == 0 {
		first := res.Items[0].Error
		_ = p.tracker.Fail(token, apperr.FromCategory(first.Category, "materialize", "every item failed, first: "+first.Message), res)
		return
	}
	_ = p.tracker.Complete(token, res)
}

// Shutdown stops the workers. Queued jobs are abandoned.
func (p *ImageProcessor) Shutdown() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func uniquePIDs(pids []int64) []int64 {
	seen := make(map[int64]struct{}, len(pids))
	out := make([]int64, 0, len(pids))
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	return out
}
