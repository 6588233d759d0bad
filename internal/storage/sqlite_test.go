package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chis/corectl/internal/domain"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := NewSQLiteRepository(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestNewSQLiteRepositoryCreatesSchema(t *testing.T) {
	repo := newTestRepo(t)

	var count int
	err := repo.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table'").Scan(&count)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 10)
}

// TestServerPasskeyRoundTrips guards the storage-record fix: Passkey is
// json:"-" on domain.Server so it must be persisted through serverRecord,
// not dropped by a bare json.Marshal(s).
func TestServerPasskeyRoundTrips(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	s := &domain.Server{Name: "srv1", Address: "https://10.0.0.1:8120", Passkey: "super-secret-passkey", Enabled: true}
	require.NoError(t, repo.InsertServer(ctx, s))
	require.NotEmpty(t, s.ID)

	found, err := repo.FindServer(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-passkey", found.Passkey)

	found.Passkey = "rotated-passkey"
	require.NoError(t, repo.UpdateServer(ctx, found))

	reloaded, err := repo.FindServer(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-passkey", reloaded.Passkey)
}

func TestFindServerByNameAndFindServers(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertServer(ctx, &domain.Server{Name: "srv1", Passkey: "k1"}))
	require.NoError(t, repo.InsertServer(ctx, &domain.Server{Name: "srv2", Passkey: "k2"}))

	byName, err := repo.FindServerByName(ctx, "srv2")
	require.NoError(t, err)
	assert.Equal(t, "k2", byName.Passkey)

	all, err := repo.FindServers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFindServerNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.FindServer(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSecretValueRoundTrips guards the same storage-record pattern applied
// to domain.Secret.Value.
func TestSecretValueRoundTrips(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	sec := &domain.Secret{Name: "db_password", Value: "hunter2"}
	require.NoError(t, repo.InsertSecret(ctx, sec))

	found, err := repo.FindSecret(ctx, "db_password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", found.Value)

	all, err := repo.FindSecrets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "hunter2", all[0].Value)
}

// TestUserPasswordHashRoundTrips guards the same fix for domain.User.
func TestUserPasswordHashRoundTrips(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := &domain.User{Username: "alice", PasswordHash: "deadbeef", CreatedAt: time.Now()}
	require.NoError(t, repo.InsertUser(ctx, u))

	found, err := repo.FindUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", found.PasswordHash)

	byUsername, err := repo.FindUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", byUsername.PasswordHash)
}

// TestApiKeySecretHashRoundTrips guards the same fix for domain.ApiKey.
func TestApiKeySecretHashRoundTrips(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	k := &domain.ApiKey{UserID: "u1", Key: "pub-key-1", SecretHash: "hashedsecret", CreatedAt: time.Now()}
	require.NoError(t, repo.InsertApiKey(ctx, k))

	found, err := repo.FindApiKeyByKey(ctx, "pub-key-1")
	require.NoError(t, err)
	assert.Equal(t, "hashedsecret", found.SecretHash)
}

func TestDeploymentCRUDRoundTrips(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.InsertServer(ctx, &domain.Server{ID: "srv1", Name: "srv1"}))
	dep := &domain.Deployment{Name: "app", ServerID: "srv1", Image: domain.ImageSource{ImageRef: "nginx:latest"}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	found, err := repo.FindDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, "nginx:latest", found.Image.ImageRef)

	byServer, err := repo.FindDeploymentsByServer(ctx, "srv1")
	require.NoError(t, err)
	assert.Len(t, byServer, 1)

	found.Image.ImageRef = "nginx:1.27"
	require.NoError(t, repo.UpdateDeployment(ctx, found))
	reloaded, err := repo.FindDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, "nginx:1.27", reloaded.Image.ImageRef)

	require.NoError(t, repo.DeleteDeployment(ctx, dep.ID))
	_, err = repo.FindDeployment(ctx, dep.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateLifecyclePersists(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := &domain.Update{
		Target:    domain.Target{Kind: domain.TargetServer, ID: "srv1"},
		Operation: "Prune",
		Operator:  "admin",
		Start:     time.Now(),
		Status:    domain.UpdateInProgress,
	}
	id, err := repo.InsertUpdate(ctx, u)
	require.NoError(t, err)
	u.ID = id

	u.AppendLog(domain.LogEntry{Stage: "prune", Success: true})
	u.Finalize(time.Now())
	require.NoError(t, repo.SaveUpdate(ctx, u))

	found, err := repo.FindUpdate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateComplete, found.Status)
	assert.True(t, found.Success)
	require.Len(t, found.Logs, 1)
}

func TestFindInProgressUpdates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	target := domain.Target{Kind: domain.TargetServer, ID: "srv1"}
	_, err := repo.InsertUpdate(ctx, &domain.Update{Target: target, Operation: "Deploy", Status: domain.UpdateInProgress, Start: time.Now()})
	require.NoError(t, err)

	done := &domain.Update{Target: target, Operation: "Deploy", Status: domain.UpdateInProgress, Start: time.Now()}
	id, err := repo.InsertUpdate(ctx, done)
	require.NoError(t, err)
	done.ID = id
	done.Finalize(time.Now())
	require.NoError(t, repo.SaveUpdate(ctx, done))

	inProgress, err := repo.FindInProgressUpdates(ctx)
	require.NoError(t, err)
	assert.Len(t, inProgress, 1)
}

func TestStatsPageFirstPageAndNextPage(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	interval := time.Minute
	now := time.Now().Truncate(interval)
	for i := 0; i < 3; i++ {
		ts := now.Add(-time.Duration(i) * interval)
		require.NoError(t, repo.InsertStatsRecord(ctx, &domain.SystemStatsRecord{
			ServerID: "srv1", Ts: ts, Stats: domain.SystemStats{CPUPercent: float64(i)},
		}))
	}

	page, next, err := repo.FindStatsPage(ctx, "srv1", interval, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotNil(t, next)
	assert.Equal(t, 1, *next)

	page2, next2, err := repo.FindStatsPage(ctx, "srv1", interval, 1, 2)
	require.NoError(t, err)
	assert.Len(t, page2, 1)
	assert.Nil(t, next2)
}
