// Package progress tracks asynchronous materialization and publish tasks.
//
// Each task moves strictly forward through queued, running and one of the
// terminal states completed or failed. Updates to a terminal task are dropped
// with a warning.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"illustpub/internal/apperr"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

type Kind string

const (
	KindMaterialize Kind = "materialize"
	KindPublish     Kind = "publish"
)

// TaskError is the failure detail exposed to polling clients.
type TaskError struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Task is a point-in-time snapshot of one tracked operation.
type Task struct {
	Token      string     `json:"token"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Percentage int        `json:"percentage"`
	Message    string     `json:"message,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      *TaskError `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Update describes one state change. Zero fields leave the current value.
type Update struct {
	Status     Status
	Percentage int
	Message    string
	Result     any
	Err        error
}

type entry struct {
	task Task
	done chan struct{}
}

// Tracker is a concurrency-safe task store. The zero value is not usable;
// construct with New.
type Tracker struct {
	mu        sync.RWMutex
	tasks     map[string]*entry
	subs      map[int]chan Task
	nextSub   int
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time
}

// New returns a tracker that forgets terminal tasks after retention.
func New(logger *slog.Logger, retention time.Duration) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		tasks:     make(map[string]*entry),
		subs:      make(map[int]chan Task),
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}
}

// Create registers a queued task and returns its token.
func (t *Tracker) Create(kind Kind) string {
	now := t.now()
	task := Task{
		Token:     uuid.NewString(),
		Kind:      kind,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.mu.Lock()
	t.tasks[task.Token] = &entry{task: task, done: make(chan struct{})}
	t.mu.Unlock()
	t.publish(task)
	return task.Token
}

// Get returns the current state of token or a not-found error.
func (t *Tracker) Get(token string) (Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.tasks[token]
	if !ok {
		return Task{}, apperr.NotFound("progress", "task "+token+" not found")
	}
	return e.task, nil
}

// Update applies u to token. Backward status changes and updates to a
// terminal task are ignored with a warning; percentages never decrease.
func (t *Tracker) Update(token string, u Update) error {
	t.mu.Lock()
	e, ok := t.tasks[token]
	if !ok {
		t.mu.Unlock()
		return apperr.NotFound("progress", "task "+token+" not found")
	}
	cur := e.task
	if cur.Status.Terminal() {
		t.mu.Unlock()
		t.logger.Warn("ignoring update to finished task",
			"task", token, "status", cur.Status, "requested", u.Status)
		return nil
	}

	next := cur
	if u.Status != "" {
		if u.Status.rank() < cur.Status.rank() {
			t.logger.Warn("ignoring backward status change",
				"task", token, "status", cur.Status, "requested", u.Status)
		} else {
			next.Status = u.Status
		}
	}
	pct := u.Percentage
	if pct > 100 {
		pct = 100
	}
	if pct > next.Percentage {
		next.Percentage = pct
	}
	if next.Status == StatusCompleted {
		next.Percentage = 100
	}
	if u.Message != "" {
		next.Message = u.Message
	}
	if u.Result != nil {
		next.Result = u.Result
	}
	if u.Err != nil {
		next.Error = &TaskError{Category: apperr.Category(u.Err), Message: u.Err.Error()}
	}
	next.UpdatedAt = t.now()
	e.task = next
	if next.Status.Terminal() {
		close(e.done)
	}
	t.mu.Unlock()

	t.publish(next)
	return nil
}

// Start moves a task to running.
func (t *Tracker) Start(token, message string) error {
	return t.Update(token, Update{Status: StatusRunning, Message: message})
}

// Progress raises the percentage of a running task.
func (t *Tracker) Progress(token string, pct int, message string) error {
	return t.Update(token, Update{Status: StatusRunning, Percentage: pct, Message: message})
}

// Complete finishes a task with result.
func (t *Tracker) Complete(token string, result any) error {
	return t.Update(token, Update{Status: StatusCompleted, Percentage: 100, Message: "completed", Result: result})
}

// Fail finishes a task with err; result may carry partial detail.
func (t *Tracker) Fail(token string, err error, result any) error {
	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	return t.Update(token, Update{Status: StatusFailed, Message: msg, Result: result, Err: err})
}

// Wait blocks until token reaches a terminal state or ctx is done. On
// timeout it returns the last observed state together with ctx.Err(); the
// task itself keeps running and may still finish later.
func (t *Tracker) Wait(ctx context.Context, token string) (Task, error) {
	t.mu.RLock()
	e, ok := t.tasks[token]
	t.mu.RUnlock()
	if !ok {
		return Task{}, apperr.NotFound("progress", "task "+token+" not found")
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		task, err := t.Get(token)
		if err != nil {
			return Task{}, err
		}
		return task, ctx.Err()
	}
	return t.Get(token)
}

// Subscribe returns a channel receiving every state change. Slow
// subscribers miss updates instead of blocking the tracker.
func (t *Tracker) Subscribe(buffer int) (<-chan Task, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Task, buffer)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) publish(task Task) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- task:
		default:
		}
	}
}

// Sweep drops terminal tasks last updated before now minus retention and
// returns how many were removed.
func (t *Tracker) Sweep() int {
	if t.retention <= 0 {
		return 0
	}
	cutoff := t.now().Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for token, e := range t.tasks {
		if e.task.Status.Terminal() && e.task.UpdatedAt.Before(cutoff) {
			delete(t.tasks, token)
			removed++
		}
	}
	return removed
}

// Run sweeps expired tasks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.retention / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.Debug("expired finished tasks", "count", n)
			}
		}
	}
}
