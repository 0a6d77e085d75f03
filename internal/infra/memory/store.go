// Package memory はプロセス内で完結する job.Store の実装を提供する
// テストとローカルでの一回限りの実行に使う
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/ubi-manifest/internal/core/job"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/samber/mo"
)

type batchRecord struct {
	id          uuid.UUID
	createdAt   time.Time
	cancelledAt *time.Time
	jobIDs      []uuid.UUID
}

// Store はミューテックスで保護されたインメモリのジョブストア
type Store struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*job.Job
	batches  map[uuid.UUID]*batchRecord
	inFlight map[manifest.RepositoryTarget]uuid.UUID
}

var _ job.Store = (*Store)(nil)

// NewStore は空のストアを作成する
func NewStore() *Store {
	return &Store{
		jobs:     make(map[uuid.UUID]*job.Job),
		batches:  make(map[uuid.UUID]*batchRecord),
		inFlight: make(map[manifest.RepositoryTarget]uuid.UUID),
	}
}

func cloneJob(j *job.Job) *job.Job {
	c := *j
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.ExpiresAt = cloneTime(j.ExpiresAt)
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateBatch implements job.Store.
func (s *Store) CreateBatch(ctx context.Context, targets []manifest.RepositoryTarget, now time.Time) (*job.BatchHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &batchRecord{id: uuid.New(), createdAt: now}
	handle := &job.BatchHandle{BatchID: b.id}
	for _, target := range targets {
		if id, ok := s.inFlight[target]; ok {
			existing := s.jobs[id]
			if !containsID(b.jobIDs, id) {
				b.jobIDs = append(b.jobIDs, id)
				handle.Jobs = append(handle.Jobs, job.SubmittedJob{JobID: id, Target: target, State: existing.State, Reused: true})
			}
			continue
		}

		j := &job.Job{
			ID:          uuid.New(),
			Target:      target,
			State:       job.StatePending,
			AvailableAt: now,
			CreatedAt:   now,
		}
		s.jobs[j.ID] = j
		s.inFlight[target] = j.ID
		b.jobIDs = append(b.jobIDs, j.ID)
		handle.Jobs = append(handle.Jobs, job.SubmittedJob{JobID: j.ID, Target: target, State: j.State})
	}
	s.batches[b.id] = b
	return handle, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Claim implements job.Store.
func (s *Store) Claim(ctx context.Context, workerID string, now time.Time) (mo.Option[*job.Claim], error) {
	if err := ctx.Err(); err != nil {
		return mo.None[*job.Claim](), err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *job.Job
	for _, j := range s.jobs {
		if j.State != job.StatePending || j.AvailableAt.After(now) {
			continue
		}
		if next == nil || claimsBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return mo.None[*job.Claim](), nil
	}

	token := uuid.New()
	next.State = job.StateRunning
	next.ClaimToken = token
	next.WorkerID = workerID
	next.Attempts++
	next.HeartbeatAt = &now
	next.StartedAt = cloneTime(&now)
	return mo.Some(&job.Claim{Job: cloneJob(next), Token: token}), nil
}

func claimsBefore(a, b *job.Job) bool {
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// running はトークンが一致する RUNNING のジョブを返す
func (s *Store) running(id, token uuid.UUID) (*job.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	if j.State != job.StateRunning || j.ClaimToken != token {
		return nil, job.ErrClaimConflict
	}
	return j, nil
}

// Heartbeat implements job.Store.
func (s *Store) Heartbeat(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.running(id, token)
	if err != nil {
		return err
	}
	j.HeartbeatAt = &now
	return nil
}

// Complete implements job.Store.
func (s *Store) Complete(ctx context.Context, id, token uuid.UUID, params job.CompleteParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.running(id, token)
	if err != nil {
		return err
	}
	j.State = job.StateSucceeded
	j.Manifest = params.Manifest
	j.ManifestDigest = params.Digest
	s.finish(j, params.Now, params.ExpiresAt)
	return nil
}

// Fail implements job.Store.
func (s *Store) Fail(ctx context.Context, id, token uuid.UUID, params job.FailParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.running(id, token)
	if err != nil {
		return err
	}
	f := params.Failure
	j.State = job.StateFailed
	j.Failure = &f
	j.LastError = f.Message
	s.finish(j, params.Now, params.ExpiresAt)
	return nil
}

func (s *Store) finish(j *job.Job, now, expiresAt time.Time) {
	j.ClaimToken = uuid.Nil
	j.CompletedAt = &now
	j.ExpiresAt = &expiresAt
	delete(s.inFlight, j.Target)
}

// Requeue implements job.Store.
func (s *Store) Requeue(ctx context.Context, id, token uuid.UUID, params job.RequeueParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.running(id, token)
	if err != nil {
		return err
	}
	j.State = job.StatePending
	j.ClaimToken = uuid.Nil
	j.WorkerID = ""
	j.HeartbeatAt = nil
	j.LastError = params.LastError
	j.AvailableAt = params.AvailableAt
	if params.RefundAttempt && j.Attempts > 0 {
		j.Attempts--
	}
	return nil
}

// ListStale implements job.Store.
func (s *Store) ListStale(ctx context.Context, staleBefore time.Time) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Job
	for _, j := range s.jobs {
		if j.State == job.StateRunning && j.HeartbeatAt != nil && j.HeartbeatAt.Before(staleBefore) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].HeartbeatAt.Before(*out[k].HeartbeatAt) })
	return out, nil
}

// Reclaim implements job.Store.
func (s *Store) Reclaim(ctx context.Context, id, token uuid.UUID, staleBefore time.Time) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.running(id, token)
	if err != nil {
		return uuid.Nil, err
	}
	if j.HeartbeatAt == nil || !j.HeartbeatAt.Before(staleBefore) {
		return uuid.Nil, job.ErrClaimConflict
	}
	j.ClaimToken = uuid.New()
	return j.ClaimToken, nil
}

// CancelBatch implements job.Store.
func (s *Store) CancelBatch(ctx context.Context, batchID uuid.UUID, now, expiresAt time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, job.ErrBatchNotFound
	}
	if b.cancelledAt == nil {
		b.cancelledAt = &now
	}

	var cancelled []uuid.UUID
	for _, id := range b.jobIDs {
		j, ok := s.jobs[id]
		if !ok || j.State != job.StatePending || s.referencedByLiveBatch(id) {
			continue
		}
		j.State = job.StateCancelled
		s.finish(j, now, expiresAt)
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

func (s *Store) referencedByLiveBatch(jobID uuid.UUID) bool {
	for _, b := range s.batches {
		if b.cancelledAt == nil && containsID(b.jobIDs, jobID) {
			return true
		}
	}
	return false
}

// GetJob implements job.Store.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return mo.None[*job.Job](), nil
	}
	return mo.Some(cloneJob(j)), nil
}

// GetBatch implements job.Store.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (mo.Option[*job.Batch], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return mo.None[*job.Batch](), nil
	}
	ids := make([]uuid.UUID, len(b.jobIDs))
	copy(ids, b.jobIDs)
	return mo.Some(&job.Batch{
		ID:          b.id,
		CreatedAt:   b.createdAt,
		CancelledAt: cloneTime(b.cancelledAt),
		JobIDs:      ids,
	}), nil
}

// ListJobs implements job.Store.
func (s *Store) ListJobs(ctx context.Context, ids []uuid.UUID) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

// LatestSucceeded implements job.Store.
func (s *Store) LatestSucceeded(ctx context.Context, target manifest.RepositoryTarget, now time.Time) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *job.Job
	for _, j := range s.jobs {
		if j.Target != target || j.State != job.StateSucceeded || j.IsExpired(now) {
			continue
		}
		if latest == nil || j.CompletedAt.After(*latest.CompletedAt) {
			latest = j
		}
	}
	if latest == nil {
		return mo.None[*job.Job](), nil
	}
	return mo.Some(cloneJob(latest)), nil
}

// PurgeExpired implements job.Store.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (job.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result job.PurgeResult
	for id, j := range s.jobs {
		if j.State.IsTerminal() && j.IsExpired(now) {
			delete(s.jobs, id)
			result.Jobs++
		}
	}
	for id, b := range s.batches {
		remaining := b.jobIDs[:0]
		for _, jobID := range b.jobIDs {
			if _, ok := s.jobs[jobID]; ok {
				remaining = append(remaining, jobID)
			}
		}
		b.jobIDs = remaining
		if len(b.jobIDs) == 0 {
			delete(s.batches, id)
			result.Batches++
		}
	}
	return result, nil
}
