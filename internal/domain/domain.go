// Package domain holds the resource types that make up the control plane's
// declarative model: servers, deployments, builds, updates and the rest of
// the entities named in the data model. Nothing in this package talks to the
// store, the network, or the docker API — it is pure data.
package domain

import (
	"time"
)

// PermissionLevel orders access a user can hold on a resource.
type PermissionLevel int

const (
	PermissionNone PermissionLevel = iota
	PermissionRead
	PermissionExecute
	PermissionWrite
)

// Server is a Linux host running a periphery agent.
type Server struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Address     string                     `json:"address"`
	Passkey     string                     `json:"-"`
	Enabled     bool                       `json:"enabled"`
	Region      string                     `json:"region,omitempty"`
	Tags        []string                   `json:"tags,omitempty"`
	Permissions map[string]PermissionLevel `json:"permissions,omitempty"`
}

// ImageSource is either a pinned Image or a reference to a Build that must
// be resolved just-in-time.
type ImageSource struct {
	// Exactly one of the two is populated.
	BuildID      string `json:"build_id,omitempty"`
	BuildVersion string `json:"build_version,omitempty"`
	ImageRef     string `json:"image_ref,omitempty"`
}

func (s ImageSource) IsBuild() bool { return s.BuildID != "" }

// Deployment pins a container to one server.
type Deployment struct {
	ID                 string                     `json:"id"`
	Name                string                     `json:"name"`
	ServerID            string                     `json:"server_id"`
	Image               ImageSource                `json:"image"`
	DockerAccount       string                     `json:"docker_account,omitempty"`
	TerminationSignal   string                     `json:"termination_signal,omitempty"`
	TerminationTimeout  int                        `json:"termination_timeout_secs,omitempty"`
	Env                 map[string]string          `json:"env,omitempty"`
	ExtraArgs           []string                   `json:"extra_args,omitempty"`
	Tags                []string                   `json:"tags,omitempty"`
	Permissions         map[string]PermissionLevel `json:"permissions,omitempty"`
}

// Build describes how to build and publish an image.
type Build struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	ServerID      string                     `json:"server_id"`
	DockerAccount string                     `json:"docker_account,omitempty"`
	Version       string                     `json:"version,omitempty"`
	ImageName     string                     `json:"image_name"`
	Tags          []string                   `json:"tags,omitempty"`
	Permissions   map[string]PermissionLevel `json:"permissions,omitempty"`
}

// ResolvedImage is the output of just-in-time Build resolution (spec.md §3).
type ResolvedImage struct {
	Image         string
	DockerAccount string
	Version       string
}

// Resolve computes the concrete image reference for a deployment, inheriting
// docker_account from the build when the deployment did not set one.
func (b Build) Resolve(requestedVersion, deploymentDockerAccount string) ResolvedImage {
	version := requestedVersion
	if version == "" {
		version = b.Version
	}
	account := deploymentDockerAccount
	if account == "" {
		account = b.DockerAccount
	}
	return ResolvedImage{
		Image:         b.ImageName + ":" + version,
		DockerAccount: account,
		Version:       version,
	}
}

// TargetKind identifies what kind of resource an Update or action concerns.
type TargetKind string

const (
	TargetSystem     TargetKind = "System"
	TargetServer     TargetKind = "Server"
	TargetDeployment TargetKind = "Deployment"
	TargetBuild      TargetKind = "Build"
	TargetProcedure  TargetKind = "Procedure"
)

// Target names the resource an Update or action operates on.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

// UpdateStatus is the lifecycle state of an audit record.
type UpdateStatus string

const (
	UpdateInProgress UpdateStatus = "InProgress"
	UpdateComplete   UpdateStatus = "Complete"
)

// LogEntry records one stage of an action (spec.md §3).
type LogEntry struct {
	Stage   string    `json:"stage"`
	Stdout  string    `json:"stdout,omitempty"`
	Stderr  string    `json:"stderr,omitempty"`
	Command string    `json:"command,omitempty"`
	Success bool      `json:"success"`
	Start   time.Time `json:"start_ts"`
	End     time.Time `json:"end_ts"`
}

// Update is the append-only audit record: the sole mechanism for recording
// what happened to a resource (spec.md §4.2).
type Update struct {
	ID        string       `json:"id"`
	Target    Target       `json:"target"`
	Operation string       `json:"operation"`
	Operator  string       `json:"operator"`
	Start     time.Time    `json:"start_ts"`
	End       *time.Time   `json:"end_ts,omitempty"`
	Status    UpdateStatus `json:"status"`
	Success   bool         `json:"success"`
	Version   string       `json:"version,omitempty"`
	Logs      []LogEntry   `json:"logs"`
}

// AppendLog appends a log entry to the update's history.
func (u *Update) AppendLog(entry LogEntry) {
	u.Logs = append(u.Logs, entry)
}

// Finalize closes out an update: end_ts is set, status becomes Complete and
// success is the conjunction of every log entry's success (spec.md §4.2).
func (u *Update) Finalize(now time.Time) {
	end := now
	u.End = &end
	u.Status = UpdateComplete
	u.Success = true
	for _, l := range u.Logs {
		if !l.Success {
			u.Success = false
			break
		}
	}
}

// ServerActionState is the busy-flag shape for server-level actions.
type ServerActionState struct {
	Pinging            bool `json:"pinging"`
	PruningNetworks    bool `json:"pruning_networks"`
	PruningImages      bool `json:"pruning_images"`
	PruningContainers  bool `json:"pruning_containers"`
	StoppingContainers bool `json:"stopping_containers"`
}

func (s ServerActionState) Busy() bool {
	return s.Pinging || s.PruningNetworks || s.PruningImages || s.PruningContainers || s.StoppingContainers
}

// DeploymentActionState is the busy-flag shape for deployment-level actions.
type DeploymentActionState struct {
	Deploying  bool `json:"deploying"`
	Starting   bool `json:"starting"`
	Stopping   bool `json:"stopping"`
	Removing   bool `json:"removing"`
	Pulling    bool `json:"pulling"`
	Recloning  bool `json:"recloning"`
}

func (s DeploymentActionState) Busy() bool {
	return s.Deploying || s.Starting || s.Stopping || s.Removing || s.Pulling || s.Recloning
}

// ServerHealth is the coarse reachability status derived by the poller.
type ServerHealth string

const (
	HealthOk       ServerHealth = "Ok"
	HealthNotOk    ServerHealth = "NotOk"
	HealthDisabled ServerHealth = "Disabled"
)

// Severity is the step function of a stat percentage against thresholds.
type Severity string

const (
	SeverityOk       Severity = "Ok"
	SeverityWarning  Severity = "Warning"
	SeverityCritical Severity = "Critical"
)

// DiskUsage is one mounted filesystem's usage snapshot.
type DiskUsage struct {
	Path     string  `json:"path"`
	UsedGB   float64 `json:"used_gb"`
	TotalGB  float64 `json:"total_gb"`
	Severity Severity `json:"severity"`
}

// SystemStats is a single polled snapshot of a server's resource usage.
type SystemStats struct {
	CPUPercent   float64     `json:"cpu_percent"`
	CPUSeverity  Severity    `json:"cpu_severity"`
	MemUsedGB    float64     `json:"mem_used_gb"`
	MemTotalGB   float64     `json:"mem_total_gb"`
	MemSeverity  Severity    `json:"mem_severity"`
	Disks        []DiskUsage `json:"disks"`
}

// ContainerState is the reported lifecycle state of a running container.
// The periphery agent fills this straight from the Docker SDK's own
// container.Summary.State field (a plain string: "running", "exited",
// "paused", ...), so the coordinator keeps it as a string rather than
// re-deriving its own enum that could drift from the daemon's vocabulary.
type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerExited  ContainerState = "exited"
	ContainerPaused  ContainerState = "paused"
	ContainerUnknown ContainerState = ""
)

// ContainerSummary is what the poller learns per container per tick.
type ContainerSummary struct {
	Name  string         `json:"name"`
	ID    string         `json:"id"`
	Image string         `json:"image"`
	State ContainerState `json:"state"`
}

// SystemStatsRecord is a persisted, timestamped stats sample (the `stats`
// collection of spec.md §6).
type SystemStatsRecord struct {
	ServerID string      `json:"sid"`
	Ts       time.Time   `json:"ts"`
	Stats    SystemStats `json:"stats"`
}

// ServerStatusRecord is the cache-only live view of a server (spec.md §3).
type ServerStatusRecord struct {
	ServerID    string             `json:"server_id"`
	Status      ServerHealth       `json:"status"`
	Version     string             `json:"version,omitempty"`
	Stats       *SystemStats       `json:"stats,omitempty"`
	Containers  []ContainerSummary `json:"containers,omitempty"`
	LastPolled  time.Time          `json:"last_polled_ts"`
}

// AlerterConfigKind distinguishes the alerter sink transport.
type AlerterConfigKind string

const (
	AlerterSlack  AlerterConfigKind = "Slack"
	AlerterCustom AlerterConfigKind = "Custom"
)

// AlerterConfig is the sink-specific configuration of an Alerter.
type AlerterConfig struct {
	Kind    AlerterConfigKind `json:"kind"`
	URL     string            `json:"url"`
	Enabled bool              `json:"enabled"`
}

// Alerter is a user-configured alert sink.
type Alerter struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Config AlerterConfig `json:"config"`
}

// Secret is a named sensitive value available for interpolation.
type Secret struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"-"`
}

// Tag is a free-form label attachable to servers/deployments/builds.
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProcedureStage is one step of a Procedure.
type ProcedureStage struct {
	Operation string `json:"operation"`
	TargetID  string `json:"target_id"`
}

// Procedure is a named ordered sequence of stages (spec.md §3, expanded in
// SPEC_FULL.md §6).
type Procedure struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Stages            []ProcedureStage `json:"stages"`
	ContinueOnError   bool             `json:"continue_on_error"`
	Permissions       map[string]PermissionLevel `json:"permissions,omitempty"`
}

// User is a coordinator account (SPEC_FULL.md §4 — restored from
// original_source/ to give the permission resolver and /auth a concrete home).
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Admin        bool   `json:"admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// ApiKey is a long-lived credential pair issued to a User.
type ApiKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Key        string    `json:"key"`
	SecretHash string    `json:"-"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}
