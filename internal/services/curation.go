package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"illustpub/internal/apperr"
	"illustpub/internal/fileutil"
	"illustpub/internal/models"
)

type DownloadState string

const (
	DownloadPending     DownloadState = "pending"
	DownloadDownloading DownloadState = "downloading"
	DownloadCompleted   DownloadState = "completed"
	DownloadFailed      DownloadState = "failed"
)

// CurationItem is one candidate under operator review.
type CurationItem struct {
	Image         models.ImageRecord `json:"image"`
	Unfit         bool               `json:"is_unfit"`
	DownloadState DownloadState      `json:"download_state"`
	MediaURL      string             `json:"media_url,omitempty"`
	PreviewURL    string             `json:"preview_url,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Session holds one selector batch and the operator's decisions about it.
// Nothing here touches the catalogue; decisions are persisted only when the
// session is published.
type Session struct {
	ID        string
	Criteria  models.Criteria
	CreatedAt time.Time

	mu       sync.Mutex
	items    []*CurationItem
	index    map[int64]*CurationItem
	task     string
	previews PreviewLocator
}

// PreviewLocator reports the public URL of a pid's rendered preview, or ""
// when none exists on disk.
type PreviewLocator interface {
	PreviewURL(pid int64) string
}

// SessionView is a copy of a session safe to serialize.
type SessionView struct {
	ID              string          `json:"id"`
	Criteria        models.Criteria `json:"criteria"`
	Items           []CurationItem  `json:"items"`
	CanAdvance      bool            `json:"can_advance"`
	MaterializeTask string          `json:"materialize_task,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewSession starts a session over recs. previews may be nil, in which case
// items restored from disk carry no preview URL.
func NewSession(id string, c models.Criteria, recs []models.ImageRecord, previews PreviewLocator) *Session {
	s := &Session{ID: id, Criteria: c, CreatedAt: time.Now(), previews: previews}
	s.replace(recs)
	return s
}

func (s *Session) replace(recs []models.ImageRecord) {
	s.items = make([]*CurationItem, 0, len(recs))
	s.index = make(map[int64]*CurationItem, len(recs))
	s.task = ""
	for _, rec := range recs {
		item := &CurationItem{Image: rec, DownloadState: DownloadPending}
		if rec.IsMaterialized() && fileutil.Exists(*rec.MaterializedPath) {
			item.DownloadState = DownloadCompleted
			item.MediaURL = models.MediaURL(*rec.MaterializedPath)
			if s.previews != nil {
				item.PreviewURL = s.previews.PreviewURL(rec.PID)
			}
		}
		s.items = append(s.items, item)
		s.index[rec.PID] = item
	}
}

// ToggleUnfit flips the reject decision for pid and returns the new value.
func (s *Session) ToggleUnfit(pid int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.index[pid]
	if !ok {
		return false, apperr.NotFound("curation", "pid not in session")
	}
	item.Unfit = !item.Unfit
	return item.Unfit, nil
}

// StartMaterialization marks every fit item lacking a local copy as
// downloading and returns their pids. Items already downloading are skipped.
func (s *Session) StartMaterialization() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pids []int64
	for _, item := range s.items {
		if item.Unfit {
			continue
		}
		switch item.DownloadState {
		case DownloadPending, DownloadFailed:
			item.DownloadState = DownloadDownloading
			item.Error = ""
			pids = append(pids, item.Image.PID)
		}
	}
	return pids
}

// RecordMaterialization applies one result. Results for pids no longer in
// the session (after a refresh) are ignored.
func (s *Session) RecordMaterialization(res MaterializeItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.index[res.PID]
	if !ok {
		return
	}
	if res.Status == ItemCompleted {
		item.DownloadState = DownloadCompleted
		item.MediaURL = res.MediaURL
		item.PreviewURL = res.PreviewURL
		item.Error = ""
		return
	}
	item.DownloadState = DownloadFailed
	if res.Error != nil {
		item.Error = res.Error.Message
	}
}

// abortMaterialization returns pids still marked downloading to pending.
func (s *Session) abortMaterialization(pids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range pids {
		if item, ok := s.index[pid]; ok && item.DownloadState == DownloadDownloading {
			item.DownloadState = DownloadPending
		}
	}
}

func (s *Session) setTask(token string) {
	s.mu.Lock()
	s.task = token
	s.mu.Unlock()
}

// CanAdvance is true when nothing is downloading and at least one
// materialized item is still marked fit.
func (s *Session) CanAdvance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canAdvanceLocked()
}

func (s *Session) canAdvanceLocked() bool {
	fit := false
	for _, item := range s.items {
		switch {
		case item.DownloadState == DownloadDownloading:
			return false
		case item.DownloadState == DownloadCompleted && !item.Unfit:
			fit = true
		}
	}
	return fit
}

// Approved returns materialized pids not marked unfit, in session order.
func (s *Session) Approved() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvedLocked()
}

func (s *Session) approvedLocked() []int64 {
	var pids []int64
	for _, item := range s.items {
		if item.DownloadState == DownloadCompleted && !item.Unfit {
			pids = append(pids, item.Image.PID)
		}
	}
	return pids
}

// Rejected returns pids marked unfit.
func (s *Session) Rejected() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectedLocked()
}

func (s *Session) rejectedLocked() []int64 {
	var pids []int64
	for _, item := range s.items {
		if item.Unfit {
			pids = append(pids, item.Image.PID)
		}
	}
	return pids
}

// Decisions returns the approved and rejected pids from one consistent
// view of the session. ok is false when the session cannot advance.
func (s *Session) Decisions() (approved, rejected []int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canAdvanceLocked() {
		return nil, nil, false
	}
	return s.approvedLocked(), s.rejectedLocked(), true
}

// Snapshot copies the session state.
func (s *Session) Snapshot() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := SessionView{
		ID:              s.ID,
		Criteria:        s.Criteria,
		Items:           make([]CurationItem, len(s.items)),
		CanAdvance:      s.canAdvanceLocked(),
		MaterializeTask: s.task,
		CreatedAt:       s.CreatedAt,
	}
	for i, item := range s.items {
		view.Items[i] = *item
	}
	return view
}

// SessionStore keeps live curation sessions in memory. Sessions not looked
// up for longer than ttl are dropped by Sweep.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*storedSession
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type storedSession struct {
	sess    *Session
	touched time.Time
}

// NewSessionStore returns a store expiring idle sessions after ttl. A
// non-positive ttl keeps sessions until they are deleted.
func NewSessionStore(ttl time.Duration, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		sessions: make(map[string]*storedSession),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.With("component", "sessions"),
	}
}

func (s *SessionStore) Put(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = &storedSession{sess: sess, touched: s.now()}
	s.mu.Unlock()
}

// Get returns a live session and marks it as recently used.
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return nil, apperr.NotFound("curation", "session "+id+" not found")
	}
	entry.touched = s.now()
	return entry.sess, nil
}

// Len reports how many sessions are live.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops sessions untouched for longer than ttl and returns how many
// were removed.
func (s *SessionStore) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, entry := range s.sessions {
		if entry.touched.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle sessions until ctx is cancelled.
func (s *SessionStore) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	interval := s.ttl / 2
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
			if n := s.Sweep(); n > 0 {
				s.logger.Info("expired idle sessions", "count", n)
			}
		}
	}
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Materializer starts a background materialization batch.
type Materializer interface {
	MaterializeBatch(ctx context.Context, pids []int64, onItem func(MaterializeItem)) (string, error)
}

// Curator drives curation sessions through selection, materialization and
// publishing.
type Curator struct {
	selector  *Selector
	processor Materializer
	previews  PreviewLocator
	publisher *Publisher
	sessions  *SessionStore
	logger    *slog.Logger
}

// NewCurator wires a curator. previews is usually the Fetcher and may be nil.
func NewCurator(selector *Selector, processor Materializer, previews PreviewLocator, publisher *Publisher, sessions *SessionStore, logger *slog.Logger) *Curator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Curator{
		selector:  selector,
		processor: processor,
		previews:  previews,
		publisher: publisher,
		sessions:  sessions,
		logger:    logger.With("component", "curation"),
	}
}

// Open runs a query and starts a session over its result.
func (c *Curator) Open(ctx context.Context, criteria models.Criteria) (*Session, error) {
	criteria, err := NormalizeCriteria(criteria)
	if err != nil {
		return nil, err
	}
	recs, err := c.selector.Query(ctx, criteria)
	if err != nil {
		return nil, err
	}
	sess := NewSession(uuid.NewString(), criteria, recs, c.previews)
	c.sessions.Put(sess)
	c.logger.Info("session opened", "session", sess.ID, "destination", criteria.Destination, "items", len(recs))
	return sess, nil
}

// Get returns a live session.
func (c *Curator) Get(id string) (*Session, error) {
	return c.sessions.Get(id)
}

// Toggle flips the reject decision of pid in session id.
func (c *Curator) Toggle(id string, pid int64) (bool, error) {
	sess, err := c.sessions.Get(id)
	if err != nil {
		return false, err
	}
	return sess.ToggleUnfit(pid)
}

// Materialize fetches every fit item lacking a local copy and returns the
// batch task token.
func (c *Curator) Materialize(ctx context.Context, id string) (string, error) {
	sess, err := c.sessions.Get(id)
	if err != nil {
		return "", err
	}
	pids := sess.StartMaterialization()
	if len(pids) == 0 {
		return "", apperr.Invalid("curation", "nothing left to materialize")
	}
	token, err := c.processor.MaterializeBatch(ctx, pids, sess.RecordMaterialization)
	if err != nil {
		sess.abortMaterialization(pids)
		return "", err
	}
	sess.setTask(token)
	return token, nil
}

// Refresh replaces the session contents with a new selector batch.
func (c *Curator) Refresh(ctx context.Context, id string) (*Session, error) {
	sess, err := c.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	recs, err := c.selector.Query(ctx, sess.Criteria)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	sess.replace(recs)
	sess.mu.Unlock()
	return sess, nil
}

// Publish hands the session's decisions to the publisher and closes the
// session.
func (c *Curator) Publish(ctx context.Context, id string) (string, error) {
	sess, err := c.sessions.Get(id)
	if err != nil {
		return "", err
	}
	approved, rejected, ok := sess.Decisions()
	if !ok {
		return "", apperr.Constraint("curation", "session has no materialized fit image or is still downloading")
	}
	token, err := c.publisher.Publish(ctx, PublishRequest{
		Destination: sess.Criteria.Destination,
		Approved:    approved,
		Rejected:    rejected,
	})
	if err != nil {
		return "", err
	}
	c.sessions.Delete(id)
	return token, nil
}

// Abandon drops a session without touching the catalogue.
func (c *Curator) Abandon(id string) error {
	if !c.sessions.Delete(id) {
		return apperr.NotFound("curation", "session "+id+" not found")
	}
	return nil
}
