package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/ubi-manifest/internal/core/job"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/jinford/ubi-manifest/internal/platform/database"
	"github.com/jinford/ubi-manifest/pkg/lock"
	"github.com/opencontainers/go-digest"
	"github.com/samber/mo"
)

// JobStore は job.Store インターフェースを実装する PostgreSQL ストアです
type JobStore struct {
	db *database.Database
}

// NewJobStore は新しい JobStore を作成します
func NewJobStore(db *database.Database) *JobStore {
	return &JobStore{db: db}
}

// コンパイル時の型チェック
var _ job.Store = (*JobStore)(nil)

const jobColumns = `id, target, state, manifest, manifest_digest, error_kind, error_message,
	attempts, last_error, available_at, claim_token, worker_id, heartbeat_at,
	created_at, started_at, completed_at, expires_at`

// targetLockID はターゲット単位のアドバイザリロックIDを返します
func targetLockID(target manifest.RepositoryTarget) int64 {
	return lock.GenerateLockID("manifest-job", string(target))
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j            job.Job
		id           pgtype.UUID
		target       string
		state        string
		manifestJSON []byte
		digestText   pgtype.Text
		errKind      pgtype.Text
		errMessage   pgtype.Text
		lastError    pgtype.Text
		token        pgtype.UUID
		workerID     pgtype.Text
		heartbeatAt  pgtype.Timestamptz
		startedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
		expiresAt    pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &target, &state, &manifestJSON, &digestText, &errKind, &errMessage,
		&j.Attempts, &lastError, &j.AvailableAt, &token, &workerID, &heartbeatAt,
		&j.CreatedAt, &startedAt, &completedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID = PgtypeToUUID(id)
	j.Target = manifest.RepositoryTarget(target)
	j.State = job.State(state)
	j.ManifestDigest = digest.Digest(PgtextToString(digestText))
	j.LastError = PgtextToString(lastError)
	j.ClaimToken = PgtypeToUUID(token)
	j.WorkerID = PgtextToString(workerID)
	j.AvailableAt = j.AvailableAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.HeartbeatAt = PgtypeToTimePtr(heartbeatAt)
	j.StartedAt = PgtypeToTimePtr(startedAt)
	j.CompletedAt = PgtypeToTimePtr(completedAt)
	j.ExpiresAt = PgtypeToTimePtr(expiresAt)

	if len(manifestJSON) > 0 {
		var m manifest.Manifest
		if err := json.Unmarshal(manifestJSON, &m); err != nil {
			return nil, fmt.Errorf("failed to decode manifest of job %s: %w", j.ID, err)
		}
		j.Manifest = &m
	}
	if errKind.Valid {
		j.Failure = &job.Failure{
			Kind:     errKind.String,
			Message:  PgtextToString(errMessage),
			Attempts: j.Attempts,
		}
	}
	return &j, nil
}

// CreateBatch implements job.Store.
func (s *JobStore) CreateBatch(ctx context.Context, targets []manifest.RepositoryTarget, now time.Time) (*job.BatchHandle, error) {
	return database.Transact(ctx, s.db, func(tx pgx.Tx) (*job.BatchHandle, error) {
		lockIDs := make([]int64, 0, len(targets))
		for _, target := range targets {
			lockIDs = append(lockIDs, targetLockID(target))
		}
		if err := lock.AcquireAll(ctx, tx, lockIDs); err != nil {
			return nil, err
		}

		handle := &job.BatchHandle{BatchID: uuid.New()}
		if _, err := tx.Exec(ctx,
			`INSERT INTO manifest_batches (id, created_at) VALUES ($1, $2)`,
			UUIDToPgtype(handle.BatchID), now,
		); err != nil {
			return nil, fmt.Errorf("failed to insert batch: %w", err)
		}

		seen := make(map[manifest.RepositoryTarget]struct{}, len(targets))
		for _, target := range targets {
			if _, ok := seen[target]; ok {
				continue
			}
			seen[target] = struct{}{}

			submitted, err := s.createOrReuse(ctx, tx, target, now)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO manifest_batch_jobs (batch_id, job_id, position) VALUES ($1, $2, $3)`,
				UUIDToPgtype(handle.BatchID), UUIDToPgtype(submitted.JobID), len(handle.Jobs),
			); err != nil {
				return nil, fmt.Errorf("failed to link job to batch: %w", err)
			}
			handle.Jobs = append(handle.Jobs, submitted)
		}
		return handle, nil
	})
}

func (s *JobStore) createOrReuse(ctx context.Context, tx pgx.Tx, target manifest.RepositoryTarget, now time.Time) (job.SubmittedJob, error) {
	var (
		id    pgtype.UUID
		state string
	)
	err := tx.QueryRow(ctx,
		`SELECT id, state FROM manifest_jobs WHERE target = $1 AND state IN ('PENDING', 'RUNNING')`,
		string(target),
	).Scan(&id, &state)
	if err == nil {
		return job.SubmittedJob{JobID: PgtypeToUUID(id), Target: target, State: job.State(state), Reused: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return job.SubmittedJob{}, fmt.Errorf("failed to look up in-flight job: %w", err)
	}

	newID := uuid.New()
	_, err = tx.Exec(ctx,
		`INSERT INTO manifest_jobs (id, target, state, attempts, available_at, created_at)
		 VALUES ($1, $2, 'PENDING', 0, $3, $3)`,
		UUIDToPgtype(newID), string(target), now,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return job.SubmittedJob{}, fmt.Errorf("concurrent submission for %s: %w", target, err)
		}
		return job.SubmittedJob{}, fmt.Errorf("failed to insert job: %w", err)
	}
	return job.SubmittedJob{JobID: newID, Target: target, State: job.StatePending}, nil
}

// Claim implements job.Store.
func (s *JobStore) Claim(ctx context.Context, workerID string, now time.Time) (mo.Option[*job.Claim], error) {
	token := uuid.New()
	row := s.db.Pool.QueryRow(ctx,
		`UPDATE manifest_jobs
		 SET state = 'RUNNING', claim_token = $1, worker_id = $2, attempts = attempts + 1,
		     heartbeat_at = $3, started_at = $3
		 WHERE id = (
		     SELECT id FROM manifest_jobs
		     WHERE state = 'PENDING' AND available_at <= $3
		     ORDER BY available_at, created_at, id
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING `+jobColumns,
		UUIDToPgtype(token), workerID, now,
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*job.Claim](), nil
	}
	if err != nil {
		return mo.None[*job.Claim](), fmt.Errorf("failed to claim job: %w", err)
	}
	return mo.Some(&job.Claim{Job: j, Token: token}), nil
}

// checkTransition は条件付き更新が0件だった理由を判定します
func (s *JobStore) checkTransition(ctx context.Context, tag pgconn.CommandTag, id uuid.UUID) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM manifest_jobs WHERE id = $1)`, UUIDToPgtype(id),
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return job.ErrJobNotFound
	}
	return job.ErrClaimConflict
}

// Heartbeat implements job.Store.
func (s *JobStore) Heartbeat(ctx context.Context, id, token uuid.UUID, now time.Time) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE manifest_jobs SET heartbeat_at = $3
		 WHERE id = $1 AND claim_token = $2 AND state = 'RUNNING'`,
		UUIDToPgtype(id), UUIDToPgtype(token), now,
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return s.checkTransition(ctx, tag, id)
}

// Complete implements job.Store.
func (s *JobStore) Complete(ctx context.Context, id, token uuid.UUID, params job.CompleteParams) error {
	body, err := json.Marshal(params.Manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE manifest_jobs
		 SET state = 'SUCCEEDED', manifest = $3, manifest_digest = $4, claim_token = NULL,
		     completed_at = $5, expires_at = $6
		 WHERE id = $1 AND claim_token = $2 AND state = 'RUNNING'`,
		UUIDToPgtype(id), UUIDToPgtype(token), body, params.Digest.String(), params.Now, params.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.checkTransition(ctx, tag, id)
}

// Fail implements job.Store.
func (s *JobStore) Fail(ctx context.Context, id, token uuid.UUID, params job.FailParams) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE manifest_jobs
		 SET state = 'FAILED', error_kind = $3, error_message = $4, last_error = $4, claim_token = NULL,
		     completed_at = $5, expires_at = $6
		 WHERE id = $1 AND claim_token = $2 AND state = 'RUNNING'`,
		UUIDToPgtype(id), UUIDToPgtype(token), params.Failure.Kind, params.Failure.Message, params.Now, params.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return s.checkTransition(ctx, tag, id)
}

// Requeue implements job.Store.
func (s *JobStore) Requeue(ctx context.Context, id, token uuid.UUID, params job.RequeueParams) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE manifest_jobs
		 SET state = 'PENDING', claim_token = NULL, worker_id = NULL, heartbeat_at = NULL,
		     last_error = $3, available_at = $4,
		     attempts = CASE WHEN $5 AND attempts > 0 THEN attempts - 1 ELSE attempts END
		 WHERE id = $1 AND claim_token = $2 AND state = 'RUNNING'`,
		UUIDToPgtype(id), UUIDToPgtype(token), StringToNullableText(params.LastError), params.AvailableAt, params.RefundAttempt,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return s.checkTransition(ctx, tag, id)
}

// ListStale implements job.Store.
func (s *JobStore) ListStale(ctx context.Context, staleBefore time.Time) ([]*job.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM manifest_jobs
		 WHERE state = 'RUNNING' AND heartbeat_at < $1
		 ORDER BY heartbeat_at`,
		staleBefore,
	)
}

// Reclaim implements job.Store.
func (s *JobStore) Reclaim(ctx context.Context, id, token uuid.UUID, staleBefore time.Time) (uuid.UUID, error) {
	newToken := uuid.New()
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE manifest_jobs SET claim_token = $3
		 WHERE id = $1 AND claim_token = $2 AND state = 'RUNNING' AND heartbeat_at < $4`,
		UUIDToPgtype(id), UUIDToPgtype(token), UUIDToPgtype(newToken), staleBefore,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to reclaim job: %w", err)
	}
	if err := s.checkTransition(ctx, tag, id); err != nil {
		return uuid.Nil, err
	}
	return newToken, nil
}

// CancelBatch implements job.Store.
func (s *JobStore) CancelBatch(ctx context.Context, batchID uuid.UUID, now, expiresAt time.Time) ([]uuid.UUID, error) {
	return database.Transact(ctx, s.db, func(tx pgx.Tx) ([]uuid.UUID, error) {
		tag, err := tx.Exec(ctx,
			`UPDATE manifest_batches SET cancelled_at = COALESCE(cancelled_at, $2) WHERE id = $1`,
			UUIDToPgtype(batchID), now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel batch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, job.ErrBatchNotFound
		}

		// 取り消されていない他のバッチから参照されているジョブは残す
		rows, err := tx.Query(ctx,
			`UPDATE manifest_jobs j
			 SET state = 'CANCELLED', completed_at = $2, expires_at = $3
			 WHERE j.state = 'PENDING'
			   AND j.id IN (SELECT job_id FROM manifest_batch_jobs WHERE batch_id = $1)
			   AND NOT EXISTS (
			       SELECT 1 FROM manifest_batch_jobs bj
			       JOIN manifest_batches b ON b.id = bj.batch_id
			       WHERE bj.job_id = j.id AND b.cancelled_at IS NULL
			   )
			 RETURNING j.id`,
			UUIDToPgtype(batchID), now, expiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel jobs: %w", err)
		}
		ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
			var id pgtype.UUID
			err := row.Scan(&id)
			return PgtypeToUUID(id), err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read cancelled jobs: %w", err)
		}
		return ids, nil
	})
}

// GetJob implements job.Store.
func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (mo.Option[*job.Job], error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM manifest_jobs WHERE id = $1`, UUIDToPgtype(id))
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*job.Job](), nil
	}
	if err != nil {
		return mo.None[*job.Job](), fmt.Errorf("failed to get job: %w", err)
	}
	return mo.Some(j), nil
}

// GetBatch implements job.Store.
func (s *JobStore) GetBatch(ctx context.Context, id uuid.UUID) (mo.Option[*job.Batch], error) {
	var (
		b           job.Batch
		cancelledAt pgtype.Timestamptz
	)
	err := s.db.Pool.QueryRow(ctx,
		`SELECT created_at, cancelled_at FROM manifest_batches WHERE id = $1`, UUIDToPgtype(id),
	).Scan(&b.CreatedAt, &cancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*job.Batch](), nil
	}
	if err != nil {
		return mo.None[*job.Batch](), fmt.Errorf("failed to get batch: %w", err)
	}
	b.ID = id
	b.CreatedAt = b.CreatedAt.UTC()
	b.CancelledAt = PgtypeToTimePtr(cancelledAt)

	rows, err := s.db.Pool.Query(ctx,
		`SELECT job_id FROM manifest_batch_jobs WHERE batch_id = $1 ORDER BY position`, UUIDToPgtype(id),
	)
	if err != nil {
		return mo.None[*job.Batch](), fmt.Errorf("failed to list batch jobs: %w", err)
	}
	b.JobIDs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var jobID pgtype.UUID
		err := row.Scan(&jobID)
		return PgtypeToUUID(jobID), err
	})
	if err != nil {
		return mo.None[*job.Batch](), fmt.Errorf("failed to read batch jobs: %w", err)
	}
	return mo.Some(&b), nil
}

// ListJobs implements job.Store.
func (s *JobStore) ListJobs(ctx context.Context, ids []uuid.UUID) ([]*job.Job, error) {
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM manifest_jobs WHERE id = ANY($1::uuid[])`,
		UUIDsToStrings(ids),
	)
	if err != nil {
		return nil, err
	}

	// 引数の順序に揃える
	byID := make(map[uuid.UUID]*job.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	ordered := make([]*job.Job, 0, len(jobs))
	for _, id := range ids {
		if j, ok := byID[id]; ok {
			ordered = append(ordered, j)
		}
	}
	return ordered, nil
}

// LatestSucceeded implements job.Store.
func (s *JobStore) LatestSucceeded(ctx context.Context, target manifest.RepositoryTarget, now time.Time) (mo.Option[*job.Job], error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM manifest_jobs
		 WHERE target = $1 AND state = 'SUCCEEDED' AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY completed_at DESC
		 LIMIT 1`,
		string(target), now,
	)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*job.Job](), nil
	}
	if err != nil {
		return mo.None[*job.Job](), fmt.Errorf("failed to get latest manifest: %w", err)
	}
	return mo.Some(j), nil
}

// PurgeExpired implements job.Store.
func (s *JobStore) PurgeExpired(ctx context.Context, now time.Time) (job.PurgeResult, error) {
	return database.Transact(ctx, s.db, func(tx pgx.Tx) (job.PurgeResult, error) {
		var result job.PurgeResult

		tag, err := tx.Exec(ctx,
			`DELETE FROM manifest_jobs
			 WHERE state IN ('SUCCEEDED', 'FAILED', 'CANCELLED') AND expires_at <= $1`,
			now,
		)
		if err != nil {
			return result, fmt.Errorf("failed to delete expired jobs: %w", err)
		}
		result.Jobs = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx,
			`DELETE FROM manifest_batches b
			 WHERE NOT EXISTS (SELECT 1 FROM manifest_batch_jobs bj WHERE bj.batch_id = b.id)`,
		)
		if err != nil {
			return result, fmt.Errorf("failed to delete empty batches: %w", err)
		}
		result.Batches = int(tag.RowsAffected())
		return result, nil
	})
}

func (s *JobStore) queryJobs(ctx context.Context, sql string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}
