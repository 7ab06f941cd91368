package provider

import (
	"context"
	"time"
)

// Runner represents a worker instance managed by a runtime adapter.
type Runner struct {
	ID         string
	Name       string
	WorkerName string
	Status     RunnerStatus
	Labels     map[string]string
	Provider   string
	ProviderID string
	Image      string
	CreatedAt  time.Time
	LastSeen   time.Time
	Metadata   map[string]string
}

// RunnerStatus represents the state of a worker container/instance.
type RunnerStatus string

const (
	StatusPending      RunnerStatus = "pending"
	StatusProvisioning RunnerStatus = "provisioning"
	StatusRunning      RunnerStatus = "running"
	StatusIdle         RunnerStatus = "idle"
	StatusBusy         RunnerStatus = "busy"
	StatusTerminating  RunnerStatus = "terminating"
	StatusTerminated   RunnerStatus = "terminated"
	StatusFailed       RunnerStatus = "failed"
)

// CreateRunnerRequest contains parameters for launching a new worker.
type CreateRunnerRequest struct {
	Name           string
	NamePrefix     string // container/instance name prefix, distinct from Name's identity prefix
	Labels         []string
	GitHubToken    string
	GitHubOrg      string
	GitHubRepo     string
	RunnerVersion  string
	ScopeURL       string
	RegistrationID string
	Metadata       map[string]string
}

// LogOptions controls a GetLogs call.
type LogOptions struct {
	Tail int
}

// Provider is the runtime adapter interface. Implementations talk to one
// specific container/instance runtime (Docker, EC2, ...).
type Provider interface {
	// Name returns the provider name.
	Name() string

	// ListRunners returns all workers managed by this provider, filtered to
	// entities carrying this controller's managed-by label.
	ListRunners(ctx context.Context) ([]*Runner, error)

	// GetRunner returns a specific worker by its Runner.ID.
	GetRunner(ctx context.Context, id string) (*Runner, error)

	// CreateRunner provisions a new worker.
	CreateRunner(ctx context.Context, req *CreateRunnerRequest) (*Runner, error)

	// RemoveRunner terminates and removes a worker. graceful requests a
	// SIGTERM-then-grace stop before force removal.
	RemoveRunner(ctx context.Context, id string, graceful bool) error

	// ReapDead removes workers the runtime itself reports as terminal
	// (exited/dead), along with anything they hold (e.g. volumes).
	ReapDead(ctx context.Context) ([]string, error)

	// GetLogs returns the tail of a worker's output.
	GetLogs(ctx context.Context, id string, opts LogOptions) (string, error)

	// EnsureNetwork idempotently creates the dedicated runtime network used
	// to isolate workers, if the runtime has a notion of networks.
	EnsureNetwork(ctx context.Context, name string) error

	// ListVolumes lists anonymous work volumes still owned by this
	// controller, for diagnostics and orphan cleanup.
	ListVolumes(ctx context.Context) ([]string, error)

	// HealthCheck performs a liveness check on the runtime connection.
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// ProviderFactory creates a provider instance based on configuration.
type ProviderFactory func(config interface{}) (Provider, error)
