package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the controller. Every field is
// squashed into a single flat key namespace so that e.g. Scaling.MinRunners
// is read from the env var CONTROLLER_MIN_RUNNERS, not CONTROLLER_SCALING_MIN_RUNNERS.
type Config struct {
	GitHub        GitHubConfig        `mapstructure:",squash"`
	Scaling       ScalingConfig       `mapstructure:",squash"`
	Timing        TimingConfig        `mapstructure:",squash"`
	Identity      IdentityConfig      `mapstructure:",squash"`
	Runtime       RuntimeConfig       `mapstructure:",squash"`
	AWS           AWSConfig           `mapstructure:",squash"`
	Server        ServerConfig        `mapstructure:",squash"`
	Observability ObservabilityConfig `mapstructure:",squash"`
	DryRun        bool                `mapstructure:"dry_run"`
}

// GitHubConfig holds the credentials and scope of the remote registry.
type GitHubConfig struct {
	Token            string        `mapstructure:"token"`
	Org              string        `mapstructure:"org"`
	Repo             string        `mapstructure:"repo"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max"`
}

// ScalingConfig holds the thresholds the policy package reads.
type ScalingConfig struct {
	MinRunners         int           `mapstructure:"min_runners"`
	MaxRunners         int           `mapstructure:"max_runners"`
	ScaleUpThreshold   int           `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold int           `mapstructure:"scale_down_threshold"`
	ScaleUpBatch       int           `mapstructure:"scale_up_batch"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	UtilHighWatermark  float64       `mapstructure:"util_high_watermark"`
	UtilLowWatermark   float64       `mapstructure:"util_low_watermark"`
	CircuitBreakerTrip int           `mapstructure:"circuit_breaker_trip"`
}

// TimingConfig holds the controller's task cadences and cooldowns.
type TimingConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MinMaintainInterval time.Duration `mapstructure:"min_maintain_interval"`
	RuntimeSyncInterval time.Duration `mapstructure:"runtime_sync_interval"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	DeadCleanInterval   time.Duration `mapstructure:"dead_clean_interval"`
	UtilInterval        time.Duration `mapstructure:"util_interval"`
	RegistrationGrace   time.Duration `mapstructure:"registration_grace"`
	ScaleUpCooldown     time.Duration `mapstructure:"scale_up_cooldown"`
}

// IdentityConfig distinguishes this controller's workers from everything else
// sharing the registry scope or the runtime socket.
type IdentityConfig struct {
	RunnerPrefix     string `mapstructure:"runner_prefix"`
	RunnerNamePrefix string `mapstructure:"runner_name_prefix"`
	ControllerID     string `mapstructure:"controller_id"`
}

// RuntimeConfig selects and configures the runtime adapter.
type RuntimeConfig struct {
	Type          string            `mapstructure:"runtime"`
	RunnerImage   string            `mapstructure:"runner_image"`
	RunnerNetwork string            `mapstructure:"runner_network"`
	RunnerLabels  []string          `mapstructure:"runner_labels"`
	DockerSocket  string            `mapstructure:"docker_socket"`
	StopGrace     time.Duration     `mapstructure:"stop_grace"`
	CPULimit      float64           `mapstructure:"cpu_limit"`
	MemoryLimit   int64             `mapstructure:"memory_limit"`
	Volumes       []string          `mapstructure:"volumes"`
	Labels        map[string]string `mapstructure:"labels"`
	PullPolicy    string            `mapstructure:"pull_policy"`
	Privileged    bool              `mapstructure:"privileged"`
}

// AWSConfig is only consulted when Runtime.Type == "ec2".
type AWSConfig struct {
	Region             string            `mapstructure:"aws_region"`
	InstanceType       string            `mapstructure:"aws_instance_type"`
	AMI                string            `mapstructure:"aws_ami"`
	SubnetID           string            `mapstructure:"aws_subnet_id"`
	SecurityGroupIDs   []string          `mapstructure:"aws_security_group_ids"`
	KeyName            string            `mapstructure:"aws_key_name"`
	IAMInstanceProfile string            `mapstructure:"aws_iam_instance_profile"`
	UseSpot            bool              `mapstructure:"aws_use_spot"`
	SpotMaxPrice       string            `mapstructure:"aws_spot_max_price"`
	Tags               map[string]string `mapstructure:"aws_tags"`
	UserDataScript     string            `mapstructure:"aws_user_data_script"`
	VolumeSize         int32             `mapstructure:"aws_volume_size"`
	VolumeType         string            `mapstructure:"aws_volume_type"`
}

// ServerConfig configures the status/control HTTP surface.
type ServerConfig struct {
	Address      string        `mapstructure:"server_address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"server_read_timeout"`
	WriteTimeout time.Duration `mapstructure:"server_write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
}

// ObservabilityConfig is the ambient logging/metrics surface.
type ObservabilityConfig struct {
	LogLevel          string `mapstructure:"log_level"`
	StructuredLogging bool   `mapstructure:"structured_logging"`
	MetricsPath       string `mapstructure:"metrics_path"`
	HealthCheckPath   string `mapstructure:"health_check_path"`
}

// Load reads configuration from CONTROLLER_-prefixed environment variables
// and an optional config file, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONTROLLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys with no meaningful default still need one registered so that
	// AutomaticEnv-sourced values survive Unmarshal.
	v.SetDefault("token", "")
	v.SetDefault("org", "")
	v.SetDefault("repo", "")

	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff_base", 1*time.Second)
	v.SetDefault("retry_backoff_max", 30*time.Second)

	v.SetDefault("min_runners", 2)
	v.SetDefault("max_runners", 10)
	v.SetDefault("scale_up_threshold", 3)
	v.SetDefault("scale_down_threshold", 1)
	v.SetDefault("scale_up_batch", 2)
	v.SetDefault("idle_timeout", 300*time.Second)
	v.SetDefault("util_high_watermark", 0.80)
	v.SetDefault("util_low_watermark", 0.20)
	v.SetDefault("circuit_breaker_trip", 5)

	v.SetDefault("poll_interval", 30*time.Second)
	v.SetDefault("min_maintain_interval", 60*time.Second)
	v.SetDefault("runtime_sync_interval", 30*time.Second)
	v.SetDefault("reconcile_interval", 120*time.Second)
	v.SetDefault("dead_clean_interval", 300*time.Second)
	v.SetDefault("util_interval", 60*time.Second)
	v.SetDefault("registration_grace", 120*time.Second)
	v.SetDefault("scale_up_cooldown", 60*time.Second)
	v.SetDefault("stop_grace", 30*time.Second)

	v.SetDefault("runner_prefix", "orchestrated")
	v.SetDefault("runner_name_prefix", "github-runner")
	v.SetDefault("controller_id", "")

	v.SetDefault("runtime", "docker")
	v.SetDefault("runner_image", "myoung34/github-runner:latest")
	v.SetDefault("runner_network", "runner-network")
	v.SetDefault("runner_labels", []string{})
	v.SetDefault("docker_socket", "unix:///var/run/docker.sock")
	v.SetDefault("cpu_limit", 1.0)
	v.SetDefault("memory_limit", int64(2147483648)) // 2GB
	v.SetDefault("pull_policy", "if-not-present")
	v.SetDefault("privileged", true)
	v.SetDefault("volumes", []string{})
	v.SetDefault("labels", map[string]string{})

	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("aws_instance_type", "t3.medium")
	v.SetDefault("aws_use_spot", true)
	v.SetDefault("aws_volume_size", int32(30))
	v.SetDefault("aws_volume_type", "gp3")
	v.SetDefault("aws_ami", "")
	v.SetDefault("aws_subnet_id", "")
	v.SetDefault("aws_security_group_ids", []string{})
	v.SetDefault("aws_key_name", "")
	v.SetDefault("aws_iam_instance_profile", "")
	v.SetDefault("aws_spot_max_price", "")
	v.SetDefault("aws_tags", map[string]string{})
	v.SetDefault("aws_user_data_script", "")

	v.SetDefault("server_address", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("server_read_timeout", 15*time.Second)
	v.SetDefault("server_write_timeout", 15*time.Second)
	v.SetDefault("enable_auth", false)
	v.SetDefault("api_key", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("structured_logging", true)
	v.SetDefault("metrics_path", "/api/v1/metrics")
	v.SetDefault("health_check_path", "/health")

	v.SetDefault("dry_run", false)
}

func (c *Config) Validate() error {
	if c.GitHub.Token == "" {
		return fmt.Errorf("token is required")
	}
	if (c.GitHub.Org == "") == (c.GitHub.Repo == "") {
		return fmt.Errorf("exactly one of org or repo must be set")
	}
	if c.GitHub.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}

	if c.Scaling.MinRunners < 0 {
		return fmt.Errorf("min_runners must be >= 0")
	}
	if c.Scaling.MaxRunners < c.Scaling.MinRunners {
		return fmt.Errorf("max_runners must be >= min_runners")
	}
	if c.Scaling.ScaleDownThreshold < 0 {
		return fmt.Errorf("scale_down_threshold must be >= 0")
	}
	if c.Scaling.ScaleUpThreshold <= c.Scaling.ScaleDownThreshold {
		return fmt.Errorf("scale_up_threshold must be > scale_down_threshold")
	}
	if c.Scaling.CircuitBreakerTrip <= 0 {
		return fmt.Errorf("circuit_breaker_trip must be > 0")
	}

	if c.Timing.PollInterval < 15*time.Second {
		return fmt.Errorf("poll_interval must be >= 15s")
	}

	switch c.Runtime.Type {
	case "docker":
		if c.Runtime.RunnerImage == "" {
			return fmt.Errorf("runner_image is required when runtime is docker")
		}
	case "ec2":
		if c.AWS.Region == "" {
			return fmt.Errorf("aws_region is required when runtime is ec2")
		}
		if c.AWS.AMI == "" {
			return fmt.Errorf("aws_ami is required when runtime is ec2")
		}
		if c.AWS.SubnetID == "" {
			return fmt.Errorf("aws_subnet_id is required when runtime is ec2")
		}
		if len(c.AWS.SecurityGroupIDs) == 0 {
			return fmt.Errorf("aws_security_group_ids is required when runtime is ec2")
		}
	default:
		return fmt.Errorf("runtime must be either 'docker' or 'ec2'")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("api_key is required when enable_auth is true")
	}

	return nil
}

// Scope returns the scope path segment used by the Registry Adapter
// ("repos/{owner}/{repo}" or "orgs/{org}") and whether it is org-scoped.
func (c *GitHubConfig) Scope() (path string, isOrg bool) {
	if c.Org != "" {
		return fmt.Sprintf("orgs/%s", c.Org), true
	}
	return fmt.Sprintf("repos/%s", c.Repo), false
}
