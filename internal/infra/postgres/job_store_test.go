package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/ubi-manifest/internal/core/job"
	"github.com/jinford/ubi-manifest/internal/core/manifest"
	"github.com/jinford/ubi-manifest/internal/platform/database"
	"github.com/jinford/ubi-manifest/pkg/lock"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDatabase はコンテナ上の PostgreSQL に接続してスキーマを適用します
// Docker が使えない環境や -short ではスキップします
func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker is not available: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=ubi",
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_DB=ubi_manifest",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})
	_ = resource.Expire(300)

	port := 0
	_, err = fmt.Sscanf(resource.GetPort("5432/tcp"), "%d", &port)
	require.NoError(t, err)

	host := os.Getenv("DOCKER_TEST_HOST")
	if host == "" {
		host = "localhost"
	}
	params := database.ConnectionParams{
		Host:     host,
		Port:     port,
		User:     "ubi",
		Password: "secret",
		DBName:   "ubi_manifest",
		SSLMode:  "disable",
	}

	var db *database.Database
	pool.MaxWait = 60 * time.Second
	err = pool.Retry(func() error {
		var err error
		db, err = database.New(context.Background(), params)
		return err
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(context.Background()))
	// 2回目の適用も成功する
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestDatabase_MigrateDoesNotWaitForAnotherMigration(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	tx, err := db.Pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, lock.Acquire(ctx, tx, database.SchemaLockID))

	err = db.Migrate(ctx)
	require.ErrorIs(t, err, database.ErrMigrationInProgress)

	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, db.Migrate(ctx))
}

func TestJobStore_Lifecycle(t *testing.T) {
	db := newTestDatabase(t)
	store := NewJobStore(db)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	handle, err := store.CreateBatch(ctx, []manifest.RepositoryTarget{"repo1", "repo2"}, now)
	require.NoError(t, err)
	require.Len(t, handle.Jobs, 2)

	t.Run("実行中のターゲットは再利用される", func(t *testing.T) {
		again, err := store.CreateBatch(ctx, []manifest.RepositoryTarget{"repo1"}, now)
		require.NoError(t, err)
		require.Len(t, again.Jobs, 1)
		assert.True(t, again.Jobs[0].Reused)
		assert.Equal(t, handle.Jobs[0].JobID, again.Jobs[0].JobID)
	})

	// 2件のジョブは同時刻に作られるため、どちらが先に取得されるかは決めない
	var succeeded, requeued *job.Job

	t.Run("クレームとトークンによる条件付き遷移", func(t *testing.T) {
		opt, err := store.Claim(ctx, "w1", now)
		require.NoError(t, err)
		claim, ok := opt.Get()
		require.True(t, ok)
		assert.Equal(t, job.StateRunning, claim.Job.State)
		assert.Equal(t, 1, claim.Job.Attempts)
		assert.Equal(t, "w1", claim.Job.WorkerID)

		require.ErrorIs(t, store.Heartbeat(ctx, claim.Job.ID, uuid.New(), now), job.ErrClaimConflict)
		require.NoError(t, store.Heartbeat(ctx, claim.Job.ID, claim.Token, now.Add(time.Second)))

		m := &manifest.Manifest{Target: claim.Job.Target, Entries: []manifest.Entry{{Kind: manifest.UnitKindRPM, Name: "bash", Version: "5.1", Arch: "x86_64", Reason: manifest.ReasonWhitelist}}}
		d, err := m.Digest()
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, claim.Job.ID, claim.Token, job.CompleteParams{
			Manifest: m, Digest: d, Now: now, ExpiresAt: now.Add(time.Hour),
		}))
		require.ErrorIs(t, store.Complete(ctx, claim.Job.ID, claim.Token, job.CompleteParams{Manifest: m, Now: now, ExpiresAt: now}), job.ErrClaimConflict)

		latest, err := store.LatestSucceeded(ctx, claim.Job.Target, now)
		require.NoError(t, err)
		got, ok := latest.Get()
		require.True(t, ok)
		assert.Equal(t, d, got.ManifestDigest)
		assert.Equal(t, []string{"bash"}, got.Manifest.Names())
		succeeded = got
	})

	t.Run("停止したワーカーのジョブを回収して再投入する", func(t *testing.T) {
		opt, err := store.Claim(ctx, "w2", now)
		require.NoError(t, err)
		claim, ok := opt.Get()
		require.True(t, ok)

		stale, err := store.ListStale(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)

		token, err := store.Reclaim(ctx, claim.Job.ID, claim.Token, now.Add(time.Minute))
		require.NoError(t, err)
		require.ErrorIs(t, store.Heartbeat(ctx, claim.Job.ID, claim.Token, now), job.ErrClaimConflict)

		require.NoError(t, store.Requeue(ctx, claim.Job.ID, token, job.RequeueParams{LastError: "lost", AvailableAt: now.Add(time.Second)}))
		got, err := store.GetJob(ctx, claim.Job.ID)
		require.NoError(t, err)
		requeued = got.MustGet()
		assert.Equal(t, job.StatePending, requeued.State)
		assert.Equal(t, "lost", requeued.LastError)
		assert.Equal(t, 1, requeued.Attempts)

		none, err := store.Claim(ctx, "w3", now)
		require.NoError(t, err)
		assert.True(t, none.IsAbsent(), "バックオフ中は取得できない")
	})

	require.NotNil(t, succeeded)
	require.NotNil(t, requeued)

	// repo1 のジョブは再投入時のバッチからも参照されている
	var wantCancelled []uuid.UUID
	if requeued.Target != "repo1" {
		wantCancelled = []uuid.UUID{requeued.ID}
	}

	t.Run("バッチの参照と取り消し", func(t *testing.T) {
		b, err := store.GetBatch(ctx, handle.BatchID)
		require.NoError(t, err)
		batch := b.MustGet()
		assert.Equal(t, handle.JobIDs(), batch.JobIDs)

		jobs, err := store.ListJobs(ctx, batch.JobIDs)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, handle.JobIDs(), []uuid.UUID{jobs[0].ID, jobs[1].ID})

		cancelled, err := store.CancelBatch(ctx, handle.BatchID, now, now.Add(time.Hour))
		require.NoError(t, err)
		assert.ElementsMatch(t, wantCancelled, cancelled)

		_, err = store.CancelBatch(ctx, uuid.New(), now, now)
		require.ErrorIs(t, err, job.ErrBatchNotFound)
	})

	t.Run("保持期間切れのジョブを削除する", func(t *testing.T) {
		result, err := store.PurgeExpired(ctx, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1+len(wantCancelled), result.Jobs)

		opt, err := store.GetJob(ctx, succeeded.ID)
		require.NoError(t, err)
		assert.True(t, opt.IsAbsent())
	})
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(fmt.Errorf("plain")))
}
