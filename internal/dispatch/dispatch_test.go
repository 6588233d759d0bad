package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chis/corectl/internal/apperr"
	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/events"
	"github.com/chis/corectl/internal/periphery"
	"github.com/chis/corectl/internal/statuscache"
	"github.com/chis/corectl/internal/storagetest"
)

const testPasskey = "test-passkey"

func admin() Caller { return Caller{UserID: "admin", IsAdmin: true} }

// fakePeripheryAgent serves the endpoints dispatch calls, recording every
// deploy/start/stop/remove/prune request it receives.
type fakePeripheryAgent struct {
	t        *testing.T
	srv      *httptest.Server
	fail     map[string]bool
	requests []string
}

func newFakePeripheryAgent(t *testing.T) *fakePeripheryAgent {
	t.Helper()
	a := &fakePeripheryAgent{t: t, fail: map[string]bool{}}
	mux := http.NewServeMux()
	handle := func(path string) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			a.requests = append(a.requests, path)
			if a.fail[path] {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
				return
			}
			json.NewEncoder(w).Encode(periphery.Log{Stage: path, Success: true, Stdout: "ok"})
		})
	}
	handle("/container/deploy")
	handle("/container/start")
	handle("/container/stop")
	handle("/container/remove")
	handle("/container/prune")
	handle("/network/prune")
	handle("/image/prune")
	handle("/build/run")
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) { json.NewEncoder(w).Encode(periphery.StatsResponse{}) })
	a.srv = httptest.NewServer(mux)
	return a
}

func (a *fakePeripheryAgent) client(s *domain.Server) *periphery.Client {
	return periphery.New(s.Address, testPasskey, time.Second)
}

func (a *fakePeripheryAgent) Close() { a.srv.Close() }

func newTestDispatcher(t *testing.T, agent *fakePeripheryAgent) (*Dispatcher, *storagetest.Memory) {
	t.Helper()
	repo := storagetest.New()
	cache := statuscache.New(repo, agent.client, events.New(), statuscache.Thresholds{}, time.Hour, time.Second)
	return New(repo, cache, agent.client, time.Second), repo
}

func markServerReachable(t *testing.T, repo *storagetest.Memory, cache *statuscache.Cache, server *domain.Server) {
	t.Helper()
	require.NoError(t, repo.InsertServer(context.Background(), server))
	cache.PollOnce(context.Background())
}

func TestDeployResolvesImageRefDirectly(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	dep := &domain.Deployment{Name: "app", ServerID: server.ID, Image: domain.ImageSource{ImageRef: "nginx:latest"}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	u, err := d.Deploy(ctx, DeployRequest{DeploymentID: dep.ID}, admin())
	require.NoError(t, err)
	assert.Equal(t, domain.UpdateComplete, u.Status)
	assert.True(t, u.Success)
	assert.Contains(t, agent.requests, "/container/deploy")
}

func TestDeployResolvesBuildVersion(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	build := &domain.Build{Name: "api", ImageName: "acme/api", Version: "1.2.3", DockerAccount: "acme"}
	require.NoError(t, repo.InsertBuild(ctx, build))

	dep := &domain.Deployment{Name: "api-dep", ServerID: server.ID, Image: domain.ImageSource{BuildID: build.ID}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	u, err := d.Deploy(ctx, DeployRequest{DeploymentID: dep.ID}, admin())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", u.Version)
	assert.True(t, u.Success)
}

func TestDeployVersionOverrideTakesPrecedenceOverBuildVersion(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	build := &domain.Build{Name: "api", ImageName: "acme/api", Version: "1.2.3"}
	require.NoError(t, repo.InsertBuild(ctx, build))
	dep := &domain.Deployment{Name: "api-dep", ServerID: server.ID, Image: domain.ImageSource{BuildID: build.ID}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	u, err := d.Deploy(ctx, DeployRequest{DeploymentID: dep.ID, Version: "2.0.0"}, admin())
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", u.Version)
}

func TestDeployInterpolatesEnvAndRedactsSecretsInAuditLog(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	dep := &domain.Deployment{
		Name:     "app",
		ServerID: server.ID,
		Image:    domain.ImageSource{ImageRef: "nginx:latest"},
		Env:      map[string]string{"DB_PASSWORD": "[[db_password]]"},
	}
	require.NoError(t, repo.InsertDeployment(ctx, dep))
	require.NoError(t, repo.InsertSecret(ctx, &domain.Secret{Name: "db_password", Value: "s3cr3t"}))

	u, err := d.Deploy(ctx, DeployRequest{
		DeploymentID: dep.ID,
	}, admin())
	require.NoError(t, err)
	require.True(t, u.Success)

	var sawInterpolateLog bool
	for _, l := range u.Logs {
		if l.Stage == "interpolate" {
			sawInterpolateLog = true
			assert.Contains(t, l.Stdout, "db_password")
			assert.NotContains(t, l.Stdout, "s3cr3t")
		}
	}
	assert.True(t, sawInterpolateLog, "expected an interpolate log entry")
}

func TestDeployUnreachableServerFailsPrecondition(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: "http://127.0.0.1:1", Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	dep := &domain.Deployment{Name: "app", ServerID: server.ID, Image: domain.ImageSource{ImageRef: "nginx:latest"}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	_, err := d.Deploy(ctx, DeployRequest{DeploymentID: dep.ID}, admin())
	require.Error(t, err)
	kind, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindPreconditionFailed, kind)
}

func TestDeployMissingServerIDIsPreconditionFailed(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	dep := &domain.Deployment{Name: "app", Image: domain.ImageSource{ImageRef: "nginx:latest"}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	_, err := d.Deploy(ctx, DeployRequest{DeploymentID: dep.ID}, admin())
	require.Error(t, err)
	kind, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindPreconditionFailed, kind)
}

func TestDeployNonAdminWithoutPermissionIsDenied(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	dep := &domain.Deployment{
		Name: "app", ServerID: server.ID, Image: domain.ImageSource{ImageRef: "nginx:latest"},
		Permissions: map[string]domain.PermissionLevel{"someone-else": domain.PermissionWrite},
	}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	_, err := d.Deploy(ctx, DeployRequest{DeploymentID: dep.ID}, Caller{UserID: "nobody"})
	require.Error(t, err)
	kind, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindPermissionDenied, kind)
}

func TestDeployRejectsWhenDeploymentAlreadyBusy(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	dep := &domain.Deployment{Name: "app", ServerID: server.ID, Image: domain.ImageSource{ImageRef: "nginx:latest"}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	ok := d.DeploymentStates.TryAcquire(dep.ID,
		func(s domain.DeploymentActionState) bool { return s.Deploying },
		func(s domain.DeploymentActionState) domain.DeploymentActionState { s.Deploying = true; return s })
	require.True(t, ok)
	defer d.DeploymentStates.Release(dep.ID, func(s domain.DeploymentActionState) domain.DeploymentActionState {
		s.Deploying = false
		return s
	})

	_, err := d.Deploy(ctx, DeployRequest{DeploymentID: dep.ID}, admin())
	require.Error(t, err)
	kind, ok2 := apperr.As(err)
	require.True(t, ok2)
	assert.Equal(t, apperr.KindBusy, kind)
}

func TestDeployPeripheryFailureIsCapturedInUpdateLogsNotReturnedAsError(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	agent.fail["/container/deploy"] = true
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	dep := &domain.Deployment{Name: "app", ServerID: server.ID, Image: domain.ImageSource{ImageRef: "nginx:latest"}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	u, err := d.Deploy(ctx, DeployRequest{DeploymentID: dep.ID}, admin())
	require.NoError(t, err)
	assert.False(t, u.Success)
	assert.Equal(t, domain.UpdateComplete, u.Status)

	var sawFailure bool
	for _, l := range u.Logs {
		if l.Stage == "deploy" && !l.Success {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestStopAllContainersAggregatesOneLogPerDeployment(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	for i := 0; i < 3; i++ {
		dep := &domain.Deployment{Name: "app", ServerID: server.ID}
		require.NoError(t, repo.InsertDeployment(ctx, dep))
	}

	u, err := d.StopAllContainers(ctx, server.ID, admin())
	require.NoError(t, err)
	assert.True(t, u.Success)
	assert.Len(t, u.Logs, 3)
}

func TestStopAllContainersRecordsEveryFailureWithoutReturningError(t *testing.T) {
	failingAgent := newFakePeripheryAgent(t)
	defer failingAgent.Close()
	failingAgent.fail["/container/stop"] = true

	d, repo := newTestDispatcher(t, failingAgent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: failingAgent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	dep1 := &domain.Deployment{Name: "app1", ServerID: server.ID}
	dep2 := &domain.Deployment{Name: "app2", ServerID: server.ID}
	require.NoError(t, repo.InsertDeployment(ctx, dep1))
	require.NoError(t, repo.InsertDeployment(ctx, dep2))

	u, err := d.StopAllContainers(ctx, server.ID, admin())
	require.NoError(t, err)
	assert.False(t, u.Success)
	assert.Len(t, u.Logs, 2)
	for _, l := range u.Logs {
		assert.False(t, l.Success)
	}
}

func TestPruneDispatchesToCorrectEndpoint(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	u, err := d.Prune(ctx, server.ID, PruneNetworks, admin())
	require.NoError(t, err)
	assert.True(t, u.Success)
	assert.Contains(t, agent.requests, "/network/prune")
}

func TestRunBuildDispatchesToPeripheryAndResolvesVersion(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	build := &domain.Build{Name: "api", ServerID: server.ID, ImageName: "acme/api", Version: "1.2.3", DockerAccount: "acme"}
	require.NoError(t, repo.InsertBuild(ctx, build))

	u, err := d.RunBuild(ctx, build.ID, "", admin())
	require.NoError(t, err)
	assert.True(t, u.Success)
	assert.Equal(t, "1.2.3", u.Version)
	assert.Contains(t, agent.requests, "/build/run")
}

func TestRunBuildPeripheryFailureIsCapturedInUpdateLogsNotReturnedAsError(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	agent.fail["/build/run"] = true
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	build := &domain.Build{Name: "api", ServerID: server.ID, ImageName: "acme/api", Version: "1.2.3"}
	require.NoError(t, repo.InsertBuild(ctx, build))

	u, err := d.RunBuild(ctx, build.ID, "", admin())
	require.NoError(t, err)
	assert.False(t, u.Success)
	assert.Equal(t, domain.UpdateComplete, u.Status)

	var sawFailure bool
	for _, l := range u.Logs {
		if l.Stage == "build" && !l.Success {
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestRunBuildNonAdminWithoutPermissionIsDenied(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	build := &domain.Build{
		Name: "api", ServerID: server.ID, ImageName: "acme/api",
		Permissions: map[string]domain.PermissionLevel{"someone-else": domain.PermissionWrite},
	}
	require.NoError(t, repo.InsertBuild(ctx, build))

	_, err := d.RunBuild(ctx, build.ID, "", Caller{UserID: "nobody"})
	require.Error(t, err)
	kind, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindPermissionDenied, kind)
}

func TestRunProcedureStopsOnFirstFailureWhenNotContinueOnError(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	agent.fail["/container/deploy"] = true
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	dep := &domain.Deployment{Name: "app", ServerID: server.ID, Image: domain.ImageSource{ImageRef: "nginx:latest"}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	proc := &domain.Procedure{
		Name: "deploy-then-start",
		Stages: []domain.ProcedureStage{
			{Operation: "Deploy", TargetID: dep.ID},
			{Operation: "StartContainer", TargetID: dep.ID},
		},
		ContinueOnError: false,
	}
	require.NoError(t, repo.InsertProcedure(ctx, proc))

	u, err := d.RunProcedure(ctx, proc.ID, admin())
	require.NoError(t, err)
	assert.False(t, u.Success)
	assert.Len(t, u.Logs, 1, "second stage must not run once the first fails with continue_on_error=false")
}

func TestRunProcedureContinuesOnErrorWhenConfigured(t *testing.T) {
	agent := newFakePeripheryAgent(t)
	defer agent.Close()
	agent.fail["/container/deploy"] = true
	d, repo := newTestDispatcher(t, agent)
	ctx := context.Background()

	server := &domain.Server{Name: "srv1", Address: agent.srv.URL, Enabled: true}
	markServerReachable(t, repo, d.Cache, server)

	dep := &domain.Deployment{Name: "app", ServerID: server.ID, Image: domain.ImageSource{ImageRef: "nginx:latest"}}
	require.NoError(t, repo.InsertDeployment(ctx, dep))

	proc := &domain.Procedure{
		Name: "deploy-then-start",
		Stages: []domain.ProcedureStage{
			{Operation: "Deploy", TargetID: dep.ID},
			{Operation: "StartContainer", TargetID: dep.ID},
		},
		ContinueOnError: true,
	}
	require.NoError(t, repo.InsertProcedure(ctx, proc))

	u, err := d.RunProcedure(ctx, proc.ID, admin())
	require.NoError(t, err)
	assert.Len(t, u.Logs, 2, "both stages must run when continue_on_error=true")
}
