// Package dispatch implements the action dispatcher (C9, spec.md §4.3): one
// typed handler per mutating action variant, plus the pure read handlers
// (C10, spec.md §4.8). Deploy/Start/Stop/Remove, StopAllContainers and Prune
// follow one pipeline (permission → preconditions → server status → busy
// check and acquire in one TryAcquire → body → release unconditionally →
// return update); RunBuild and RunProcedure set no busy flag and do not
// check server status.
//
// Grounded on the teacher's internal/update.UpdateOrchestrator: the
// dispatcher is the orchestrator generalized from single-stack locking to
// the full server/deployment action-state registries, wired to the new
// domain's audit, interpolate, periphery and statuscache packages in place
// of the teacher's docker/registry/storage calls.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/chis/corectl/internal/actionstate"
	"github.com/chis/corectl/internal/apperr"
	"github.com/chis/corectl/internal/audit"
	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/interpolate"
	"github.com/chis/corectl/internal/logging"
	"github.com/chis/corectl/internal/periphery"
	"github.com/chis/corectl/internal/permission"
	"github.com/chis/corectl/internal/statuscache"
	"github.com/chis/corectl/internal/storage"
)

// Caller identifies who is making a request, resolved by the API layer
// from the auth header before the dispatcher ever sees it.
type Caller struct {
	UserID  string
	IsAdmin bool
}

// Dispatcher wires the repository, action-state registries, status cache
// and periphery client factory together into the mutating pipeline and the
// read handlers.
type Dispatcher struct {
	Repo             storage.Repository
	ServerStates     *actionstate.Registry[domain.ServerActionState]
	DeploymentStates *actionstate.Registry[domain.DeploymentActionState]
	Cache            *statuscache.Cache
	NewClient        func(*domain.Server) *periphery.Client
	PeripheryTimeout time.Duration
}

func New(repo storage.Repository, cache *statuscache.Cache, newClient func(*domain.Server) *periphery.Client, peripheryTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		Repo:             repo,
		ServerStates:     actionstate.New(domain.ServerActionState{}),
		DeploymentStates: actionstate.New(domain.DeploymentActionState{}),
		Cache:            cache,
		NewClient:        newClient,
		PeripheryTimeout: peripheryTimeout,
	}
}

// loadServerWithStatus implements pipeline step 4: resolve the server and
// its current cached health, failing fast if it is unreachable or disabled.
func (d *Dispatcher) loadServerWithStatus(ctx context.Context, serverID string) (*domain.Server, error) {
	if serverID == "" {
		return nil, apperr.InvalidRequest("server_id must not be empty")
	}
	server, err := d.Repo.FindServer(ctx, serverID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("server %s not found", serverID)
		}
		return nil, apperr.WrapStore(err)
	}
	if rec := d.Cache.Get(serverID); rec != nil && rec.Status != domain.HealthOk {
		return nil, apperr.PreconditionFailed("server %s is %s", server.Name, rec.Status)
	}
	return server, nil
}

// runDeployment runs the canonical pipeline for a deployment-scoped action.
func (d *Dispatcher) runDeployment(
	ctx context.Context,
	dep *domain.Deployment,
	caller Caller,
	required domain.PermissionLevel,
	operation string,
	isSet func(domain.DeploymentActionState) bool,
	setTrue func(domain.DeploymentActionState) domain.DeploymentActionState,
	setFalse func(domain.DeploymentActionState) domain.DeploymentActionState,
	body func(ctx context.Context, u *domain.Update, server *domain.Server) error,
) (*domain.Update, error) {
	if err := permission.CheckUser(dep.Permissions, caller.UserID, caller.IsAdmin, required); err != nil {
		return nil, err
	}
	server, err := d.loadServerWithStatus(ctx, dep.ServerID)
	if err != nil {
		return nil, err
	}

	if !d.DeploymentStates.TryAcquire(dep.ID, isSet, setTrue) {
		return nil, apperr.Busy("deployment %s is busy", dep.Name)
	}
	defer d.DeploymentStates.Release(dep.ID, setFalse)

	target := domain.Target{Kind: domain.TargetDeployment, ID: dep.ID}
	ctx = logging.WithCaller(ctx, caller.UserID, caller.IsAdmin)
	ctx = logging.WithOperation(ctx, target, operation)

	u, err := audit.Open(ctx, d.Repo, target, operation, caller.UserID)
	if err != nil {
		return nil, err
	}

	if bodyErr := body(ctx, u, server); bodyErr != nil {
		u.AppendLog(domain.LogEntry{
			Stage:   "error",
			Success: false,
			Stderr:  bodyErr.Error(),
			Start:   time.Now(),
			End:     time.Now(),
		})
	}

	if err := audit.Finalize(ctx, d.Repo, u); err != nil {
		logging.ErrorContext(ctx, "dispatch: finalize update %s: %v", u.ID, err)
	}
	return u, nil
}

func logFromPeriphery(stage string, l periphery.Log, err error) domain.LogEntry {
	start := time.Now()
	if err != nil {
		return domain.LogEntry{Stage: stage, Success: false, Stderr: err.Error(), Command: l.Command, Start: start, End: time.Now()}
	}
	return domain.LogEntry{
		Stage:   stage,
		Stdout:  l.Stdout,
		Stderr:  l.Stderr,
		Command: l.Command,
		Success: l.Success,
		Start:   start,
		End:     time.Now(),
	}
}

// DeployRequest carries the id of the deployment to (re)deploy and an
// optional version override. Variables are caller-supplied [[name]]
// replacement values; secret values are never taken from the request —
// they are resolved server-side from the Secret collection by name
// (spec.md §4.5: Secret.Value is never client-visible).
type DeployRequest struct {
	DeploymentID string
	Version      string
	Variables    map[string]string
}

// resolveSecrets loads the full Secret collection into a name->value map
// for the interpolation pass. Secret.Value is tagged json:"-" precisely so
// this is the only path a value can reach a deploy: by reference, never by
// a caller-supplied value in the request body.
func (d *Dispatcher) resolveSecrets(ctx context.Context) (map[string]string, error) {
	secrets, err := d.Repo.FindSecrets(ctx)
	if err != nil {
		return nil, apperr.WrapStore(err)
	}
	out := make(map[string]string, len(secrets))
	for _, s := range secrets {
		out[s.Name] = s.Value
	}
	return out, nil
}

// Deploy resolves the image (from a pinned ref or a Build reference, per
// spec.md §4.3), interpolates env/args, and calls periphery to deploy.
func (d *Dispatcher) Deploy(ctx context.Context, req DeployRequest, caller Caller) (*domain.Update, error) {
	dep, err := d.Repo.FindDeployment(ctx, req.DeploymentID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("deployment %s not found", req.DeploymentID)
		}
		return nil, apperr.WrapStore(err)
	}
	if dep.ServerID == "" {
		return nil, apperr.PreconditionFailed("deployment %s has no server_id", dep.Name)
	}

	return d.runDeployment(ctx, dep, caller, domain.PermissionExecute, "Deploy",
		func(s domain.DeploymentActionState) bool { return s.Deploying },
		func(s domain.DeploymentActionState) domain.DeploymentActionState { s.Deploying = true; return s },
		func(s domain.DeploymentActionState) domain.DeploymentActionState { s.Deploying = false; return s },
		func(ctx context.Context, u *domain.Update, server *domain.Server) error {
			image := dep.Image.ImageRef
			dockerAccount := dep.DockerAccount
			version := req.Version

			if dep.Image.IsBuild() {
				build, err := d.Repo.FindBuild(ctx, dep.Image.BuildID)
				if err != nil {
					return apperr.NotFound("build %s not found", dep.Image.BuildID)
				}
				requestedVersion := req.Version
				if requestedVersion == "" {
					requestedVersion = dep.Image.BuildVersion
				}
				resolved := build.Resolve(requestedVersion, dep.DockerAccount)
				image = resolved.Image
				dockerAccount = resolved.DockerAccount
				version = resolved.Version
			}
			u.Version = version

			env := make(map[string]string, len(dep.Env))
			for k, v := range dep.Env {
				env[k] = v
			}
			args := append([]string(nil), dep.ExtraArgs...)

			secrets, err := d.resolveSecrets(ctx)
			if err != nil {
				return err
			}

			globalReplacers, secretReplacers := &interpolate.Set{}, &interpolate.Set{}
			for k, v := range env {
				env[k] = interpolate.String(v, req.Variables, secrets, globalReplacers, secretReplacers)
			}
			args = interpolate.Slice(args, req.Variables, secrets, globalReplacers, secretReplacers)
			for _, line := range interpolate.AuditLines(globalReplacers, secretReplacers) {
				u.AppendLog(domain.LogEntry{Stage: "interpolate", Success: true, Stdout: line, Start: time.Now(), End: time.Now()})
			}

			client := d.NewClient(server)
			callCtx, cancel := context.WithTimeout(ctx, d.PeripheryTimeout)
			defer cancel()
			log, err := client.DeployContainer(callCtx, periphery.DeployContainerRequest{
				Name:          dep.Name,
				Image:         image,
				DockerAccount: dockerAccount,
				Env:           env,
				ExtraArgs:     args,
			})
			u.AppendLog(logFromPeriphery("deploy", log, err))
			return err
		})
}

// StartContainer starts an already-deployed container.
func (d *Dispatcher) StartContainer(ctx context.Context, deploymentID string, caller Caller) (*domain.Update, error) {
	dep, err := d.Repo.FindDeployment(ctx, deploymentID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("deployment %s not found", deploymentID)
		}
		return nil, apperr.WrapStore(err)
	}
	return d.runDeployment(ctx, dep, caller, domain.PermissionExecute, "StartContainer",
		func(s domain.DeploymentActionState) bool { return s.Starting },
		func(s domain.DeploymentActionState) domain.DeploymentActionState { s.Starting = true; return s },
		func(s domain.DeploymentActionState) domain.DeploymentActionState { s.Starting = false; return s },
		func(ctx context.Context, u *domain.Update, server *domain.Server) error {
			client := d.NewClient(server)
			callCtx, cancel := context.WithTimeout(ctx, d.PeripheryTimeout)
			defer cancel()
			log, err := client.StartContainer(callCtx, dep.Name)
			u.AppendLog(logFromPeriphery("start", log, err))
			return err
		})
}

// StopOrRemoveRequest carries the optional signal/time override for
// StopContainer/RemoveContainer (spec.md §4.3 edge cases).
type StopOrRemoveRequest struct {
	DeploymentID string
	Signal       string
	TimeSecs     *int
}

func (d *Dispatcher) resolveSignalAndTime(dep *domain.Deployment, req StopOrRemoveRequest) (string, int) {
	signal := req.Signal
	if signal == "" {
		signal = dep.TerminationSignal
	}
	t := dep.TerminationTimeout
	if req.TimeSecs != nil {
		t = *req.TimeSecs
	}
	return signal, t
}

// StopContainer stops a deployment's container.
func (d *Dispatcher) StopContainer(ctx context.Context, req StopOrRemoveRequest, caller Caller) (*domain.Update, error) {
	dep, err := d.Repo.FindDeployment(ctx, req.DeploymentID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("deployment %s not found", req.DeploymentID)
		}
		return nil, apperr.WrapStore(err)
	}
	return d.runDeployment(ctx, dep, caller, domain.PermissionExecute, "StopContainer",
		func(s domain.DeploymentActionState) bool { return s.Stopping },
		func(s domain.DeploymentActionState) domain.DeploymentActionState { s.Stopping = true; return s },
		func(s domain.DeploymentActionState) domain.DeploymentActionState { s.Stopping = false; return s },
		func(ctx context.Context, u *domain.Update, server *domain.Server) error {
			signal, t := d.resolveSignalAndTime(dep, req)
			client := d.NewClient(server)
			callCtx, cancel := context.WithTimeout(ctx, d.PeripheryTimeout)
			defer cancel()
			log, err := client.StopContainer(callCtx, periphery.StopContainerRequest{Name: dep.Name, Signal: signal, Time: t})
			u.AppendLog(logFromPeriphery("stop", log, err))
			return err
		})
}

// RemoveContainer removes a deployment's container.
func (d *Dispatcher) RemoveContainer(ctx context.Context, req StopOrRemoveRequest, caller Caller) (*domain.Update, error) {
	dep, err := d.Repo.FindDeployment(ctx, req.DeploymentID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("deployment %s not found", req.DeploymentID)
		}
		return nil, apperr.WrapStore(err)
	}
	return d.runDeployment(ctx, dep, caller, domain.PermissionExecute, "RemoveContainer",
		func(s domain.DeploymentActionState) bool { return s.Removing },
		func(s domain.DeploymentActionState) domain.DeploymentActionState { s.Removing = true; return s },
		func(s domain.DeploymentActionState) domain.DeploymentActionState { s.Removing = false; return s },
		func(ctx context.Context, u *domain.Update, server *domain.Server) error {
			signal, t := d.resolveSignalAndTime(dep, req)
			client := d.NewClient(server)
			callCtx, cancel := context.WithTimeout(ctx, d.PeripheryTimeout)
			defer cancel()
			log, err := client.RemoveContainer(callCtx, periphery.RemoveContainerRequest{Name: dep.Name, Signal: signal, Time: t})
			u.AppendLog(logFromPeriphery("remove", log, err))
			return err
		})
}

// StopAllContainers is the compound action of spec.md §4.3: fan out
// StopContainer to every deployment on a server concurrently, aggregating
// per-deployment outcomes into one update under Target{Server, id}. A failed
// stop becomes a failed log entry (so the update's Success is false), the
// other stops still run, and no error is returned for it.
func (d *Dispatcher) StopAllContainers(ctx context.Context, serverID string, caller Caller) (*domain.Update, error) {
	server, err := d.Repo.FindServer(ctx, serverID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("server %s not found", serverID)
		}
		return nil, apperr.WrapStore(err)
	}
	if err := permission.CheckUser(server.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionExecute); err != nil {
		return nil, err
	}
	if rec := d.Cache.Get(server.ID); rec != nil && rec.Status != domain.HealthOk {
		return nil, apperr.PreconditionFailed("server %s is %s", server.Name, rec.Status)
	}

	if !d.ServerStates.TryAcquire(server.ID,
		func(s domain.ServerActionState) bool { return s.StoppingContainers },
		func(s domain.ServerActionState) domain.ServerActionState { s.StoppingContainers = true; return s }) {
		return nil, apperr.Busy("server %s is busy", server.Name)
	}
	defer d.ServerStates.Release(server.ID, func(s domain.ServerActionState) domain.ServerActionState {
		s.StoppingContainers = false
		return s
	})

	target := domain.Target{Kind: domain.TargetServer, ID: server.ID}
	ctx = logging.WithCaller(ctx, caller.UserID, caller.IsAdmin)
	ctx = logging.WithOperation(ctx, target, "StopAllContainers")

	u, err := audit.Open(ctx, d.Repo, target, "StopAllContainers", caller.UserID)
	if err != nil {
		return nil, err
	}

	deployments, err := d.Repo.FindDeploymentsByServer(ctx, server.ID)
	if err != nil {
		u.AppendLog(domain.LogEntry{Stage: "load_deployments", Success: false, Stderr: err.Error(), Start: time.Now(), End: time.Now()})
	} else {
		type outcome struct {
			entry domain.LogEntry
		}
		results := make(chan outcome, len(deployments))
		for _, dep := range deployments {
			go func(dep *domain.Deployment) {
				callCtx, cancel := context.WithTimeout(ctx, d.PeripheryTimeout)
				defer cancel()
				client := d.NewClient(server)
				signal, t := d.resolveSignalAndTime(dep, StopOrRemoveRequest{})
				log, err := client.StopContainer(callCtx, periphery.StopContainerRequest{Name: dep.Name, Signal: signal, Time: t})
				entry := logFromPeriphery(fmt.Sprintf("stop:%s", dep.Name), log, err)
				results <- outcome{entry: entry}
			}(dep)
		}
		for range deployments {
			out := <-results
			u.AppendLog(out.entry)
		}
	}

	if err := audit.Finalize(ctx, d.Repo, u); err != nil {
		logging.ErrorContext(ctx, "dispatch: finalize StopAllContainers %s: %v", u.ID, err)
	}
	return u, nil
}

// PruneKind is which periphery prune endpoint to call.
type PruneKind string

const (
	PruneContainers PruneKind = "containers"
	PruneNetworks   PruneKind = "networks"
	PruneImages     PruneKind = "images"
)

// Prune runs one of the server-scoped prune actions.
func (d *Dispatcher) Prune(ctx context.Context, serverID string, kind PruneKind, caller Caller) (*domain.Update, error) {
	server, err := d.Repo.FindServer(ctx, serverID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("server %s not found", serverID)
		}
		return nil, apperr.WrapStore(err)
	}
	if err := permission.CheckUser(server.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionExecute); err != nil {
		return nil, err
	}
	if rec := d.Cache.Get(server.ID); rec != nil && rec.Status != domain.HealthOk {
		return nil, apperr.PreconditionFailed("server %s is %s", server.Name, rec.Status)
	}

	isSet, setTrue, setFalse := pruneFlagFuncs(kind)
	if !d.ServerStates.TryAcquire(server.ID, isSet, setTrue) {
		return nil, apperr.Busy("server %s is busy", server.Name)
	}
	defer d.ServerStates.Release(server.ID, setFalse)

	target := domain.Target{Kind: domain.TargetServer, ID: server.ID}
	ctx = logging.WithCaller(ctx, caller.UserID, caller.IsAdmin)
	ctx = logging.WithOperation(ctx, target, "Prune"+string(kind))

	u, err := audit.Open(ctx, d.Repo, target, "Prune"+string(kind), caller.UserID)
	if err != nil {
		return nil, err
	}

	client := d.NewClient(server)
	callCtx, cancel := context.WithTimeout(ctx, d.PeripheryTimeout)
	defer cancel()

	var log periphery.Log
	switch kind {
	case PruneContainers:
		log, err = client.PruneContainers(callCtx)
	case PruneNetworks:
		log, err = client.PruneNetworks(callCtx)
	case PruneImages:
		log, err = client.PruneImages(callCtx)
	}
	u.AppendLog(logFromPeriphery("prune", log, err))

	if err := audit.Finalize(ctx, d.Repo, u); err != nil {
		logging.ErrorContext(ctx, "dispatch: finalize prune %s: %v", u.ID, err)
	}
	return u, nil
}

func pruneFlagFuncs(kind PruneKind) (
	func(domain.ServerActionState) bool,
	func(domain.ServerActionState) domain.ServerActionState,
	func(domain.ServerActionState) domain.ServerActionState,
) {
	switch kind {
	case PruneNetworks:
		return func(s domain.ServerActionState) bool { return s.PruningNetworks },
			func(s domain.ServerActionState) domain.ServerActionState { s.PruningNetworks = true; return s },
			func(s domain.ServerActionState) domain.ServerActionState { s.PruningNetworks = false; return s }
	case PruneImages:
		return func(s domain.ServerActionState) bool { return s.PruningImages },
			func(s domain.ServerActionState) domain.ServerActionState { s.PruningImages = true; return s },
			func(s domain.ServerActionState) domain.ServerActionState { s.PruningImages = false; return s }
	default:
		return func(s domain.ServerActionState) bool { return s.PruningContainers },
			func(s domain.ServerActionState) domain.ServerActionState { s.PruningContainers = true; return s },
			func(s domain.ServerActionState) domain.ServerActionState { s.PruningContainers = false; return s }
	}
}

// RunBuild triggers a build on its configured server via periphery.
func (d *Dispatcher) RunBuild(ctx context.Context, buildID, version string, caller Caller) (*domain.Update, error) {
	build, err := d.Repo.FindBuild(ctx, buildID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("build %s not found", buildID)
		}
		return nil, apperr.WrapStore(err)
	}
	if err := permission.CheckUser(build.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionExecute); err != nil {
		return nil, err
	}

	server, err := d.Repo.FindServer(ctx, build.ServerID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("server %s not found", build.ServerID)
		}
		return nil, apperr.WrapStore(err)
	}

	resolved := build.Resolve(version, "")
	target := domain.Target{Kind: domain.TargetBuild, ID: build.ID}
	ctx = logging.WithCaller(ctx, caller.UserID, caller.IsAdmin)
	ctx = logging.WithOperation(ctx, target, "RunBuild")

	u, err := audit.Open(ctx, d.Repo, target, "RunBuild", caller.UserID)
	if err != nil {
		return nil, err
	}
	u.Version = resolved.Version

	client := d.NewClient(server)
	callCtx, cancel := context.WithTimeout(ctx, d.PeripheryTimeout)
	defer cancel()

	log, err := client.RunBuild(callCtx, resolved)
	u.AppendLog(logFromPeriphery("build", log, err))

	if err := audit.Finalize(ctx, d.Repo, u); err != nil {
		logging.ErrorContext(ctx, "dispatch: finalize RunBuild %s: %v", u.ID, err)
	}
	return u, nil
}

// RunProcedure executes every stage of a procedure in order. When
// ContinueOnError is false, the first failing stage stops the remainder;
// otherwise every stage runs regardless of prior failures, and the
// procedure-level update succeeds only if every stage succeeded (inherited
// from domain.Update.Finalize's AND-of-logs rule).
func (d *Dispatcher) RunProcedure(ctx context.Context, procedureID string, caller Caller) (*domain.Update, error) {
	proc, err := d.Repo.FindProcedure(ctx, procedureID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.NotFound("procedure %s not found", procedureID)
		}
		return nil, apperr.WrapStore(err)
	}
	if err := permission.CheckUser(proc.Permissions, caller.UserID, caller.IsAdmin, domain.PermissionExecute); err != nil {
		return nil, err
	}

	target := domain.Target{Kind: domain.TargetProcedure, ID: proc.ID}
	ctx = logging.WithCaller(ctx, caller.UserID, caller.IsAdmin)
	ctx = logging.WithOperation(ctx, target, "RunProcedure")

	u, err := audit.Open(ctx, d.Repo, target, "RunProcedure", caller.UserID)
	if err != nil {
		return nil, err
	}

	for _, stage := range proc.Stages {
		stageUpdate, stageErr := d.runStage(ctx, stage, caller)
		success := stageErr == nil && stageUpdate != nil && stageUpdate.Success
		entry := domain.LogEntry{
			Stage:   stage.Operation,
			Success: success,
			Start:   time.Now(),
			End:     time.Now(),
		}
		if stageErr != nil {
			entry.Stderr = stageErr.Error()
		}
		u.AppendLog(entry)
		if !success && !proc.ContinueOnError {
			break
		}
	}

	if err := audit.Finalize(ctx, d.Repo, u); err != nil {
		logging.ErrorContext(ctx, "dispatch: finalize RunProcedure %s: %v", u.ID, err)
	}
	return u, nil
}

func (d *Dispatcher) runStage(ctx context.Context, stage domain.ProcedureStage, caller Caller) (*domain.Update, error) {
	switch stage.Operation {
	case "Deploy":
		return d.Deploy(ctx, DeployRequest{DeploymentID: stage.TargetID}, caller)
	case "StartContainer":
		return d.StartContainer(ctx, stage.TargetID, caller)
	case "StopContainer":
		return d.StopContainer(ctx, StopOrRemoveRequest{DeploymentID: stage.TargetID}, caller)
	case "RemoveContainer":
		return d.RemoveContainer(ctx, StopOrRemoveRequest{DeploymentID: stage.TargetID}, caller)
	case "StopAllContainers":
		return d.StopAllContainers(ctx, stage.TargetID, caller)
	default:
		return nil, apperr.InvalidRequest("unknown procedure stage operation %q", stage.Operation)
	}
}
