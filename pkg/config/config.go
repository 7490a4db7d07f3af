package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/switchyard/pkg/types"
)

// EnvPrefix is prepended to every environment variable read by Load
const EnvPrefix = "SWITCHYARD"

// Config is the complete, immutable configuration of one switchyard invocation.
// Components receive the sub-struct they need by value.
type Config struct {
	DataDir          string `envconfig:"DATA_DIR" default:"/var/lib/switchyard" desc:"Registry database and proxy backups"`
	DeployFile       string `envconfig:"DEPLOY_FILE" default:"switchyard.yaml" desc:"Deployment description (optional)"`
	Runtime          string `envconfig:"RUNTIME" default:"docker" desc:"docker or containerd"`
	DockerHost       string `envconfig:"DOCKER_HOST"`
	ContainerdSocket string `envconfig:"CONTAINERD_SOCKET" default:"/run/containerd/containerd.sock"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON          bool   `envconfig:"LOG_JSON" default:"false"`

	Health  Health  `envconfig:"HEALTH"`
	Release Release `envconfig:"RELEASE"`
	Proxy   Proxy   `envconfig:"PROXY"`
	Backup  Backup  `envconfig:"BACKUP"`
	Drill   Drill   `envconfig:"DRILL"`
	Metrics Metrics `envconfig:"METRICS"`

	Deployment Deployment `ignored:"true"`
}

// Health configures the pre-switch health gate
type Health struct {
	Retries  int           `envconfig:"RETRIES" default:"30"`
	Interval time.Duration `envconfig:"INTERVAL" default:"2s"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"5s"`
}

// Release configures the orchestrator outside the health gate
type Release struct {
	PostSwitchRetries int           `envconfig:"POST_SWITCH_RETRIES" default:"3"`
	SettlePeriod      time.Duration `envconfig:"SETTLE_PERIOD" default:"10s"`
	StopTimeout       time.Duration `envconfig:"STOP_TIMEOUT" default:"30s"`
	LockTimeout       time.Duration `envconfig:"LOCK_TIMEOUT" default:"1s"`
	History           int           `envconfig:"HISTORY" default:"10" desc:"Releases shown by status"`
}

// Proxy configures traffic switch housekeeping
type Proxy struct {
	BackupKeep    int           `envconfig:"BACKUP_KEEP" default:"10"`
	ReloadTimeout time.Duration `envconfig:"RELOAD_TIMEOUT" default:"15s"`
}

// Backup locates backup artifacts in object storage
type Backup struct {
	Bucket     string `envconfig:"BUCKET"`
	Prefix     string `envconfig:"PREFIX" default:"backups/"`
	S3Endpoint string `envconfig:"S3_ENDPOINT"`
	S3Region   string `envconfig:"S3_REGION" default:"us-east-1"`
	AccessKey  string `envconfig:"S3_ACCESS_KEY"`
	SecretKey  string `envconfig:"S3_SECRET_KEY"`
}

// Drill configures the restore drill
type Drill struct {
	Image        string        `envconfig:"IMAGE" default:"postgres:17-alpine"`
	WorkDir      string        `envconfig:"WORK_DIR"`
	Database     string        `envconfig:"DATABASE" default:"drill"`
	ReadyRetries int           `envconfig:"READY_RETRIES" default:"30"`
	ReadyDelay   time.Duration `envconfig:"READY_INTERVAL" default:"2s"`
	RTOTarget    time.Duration `envconfig:"RTO_TARGET" default:"1h"`
	RPOTarget    time.Duration `envconfig:"RPO_TARGET" default:"24h"`
	SanityTables []string      `envconfig:"SANITY_TABLES" default:"users,clips,submissions"`
}

// Metrics configures the Pushgateway reporter
type Metrics struct {
	PushURL string `envconfig:"PUSH_URL"`
	Job     string `envconfig:"JOB" default:"switchyard"`
}

// Load reads the environment and the optional deploy file
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	deployment, err := LoadDeployment(cfg.DeployFile)
	if err != nil {
		return Config{}, err
	}
	deployment.ApplyDefaults(cfg.DataDir)
	if err := deployment.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid deploy file %s: %w", cfg.DeployFile, err)
	}
	cfg.Deployment = deployment

	if cfg.Drill.WorkDir == "" {
		cfg.Drill.WorkDir = os.TempDir()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Usage writes the environment variable reference to stdout
func Usage() error {
	var cfg Config
	return envconfig.Usage(EnvPrefix, &cfg)
}

// Validate checks values that envconfig cannot express
func (c Config) Validate() error {
	switch c.Runtime {
	case "docker", "containerd":
	default:
		return fmt.Errorf("unsupported runtime %q", c.Runtime)
	}
	if c.Health.Retries < 1 {
		return errors.New("HEALTH_RETRIES must be at least 1")
	}
	if c.Release.PostSwitchRetries < 1 {
		return errors.New("RELEASE_POST_SWITCH_RETRIES must be at least 1")
	}
	if c.Health.Interval <= 0 || c.Drill.ReadyDelay <= 0 {
		return errors.New("probe intervals must be positive")
	}
	return nil
}

// RegistryPath is the location of the bbolt registry
func (c Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "switchyard.db")
}

// Deployment describes the application being released
type Deployment struct {
	App          string                       `yaml:"app"`
	Services     []Service                    `yaml:"services"`
	Environments map[types.Environment]EnvSpec `yaml:"environments"`
	Proxy        ProxySpec                    `yaml:"proxy"`
}

// Service is one container in an environment
type Service struct {
	Name          string            `yaml:"name"`
	Image         string            `yaml:"image"`
	Port          int               `yaml:"port"`
	HealthPath    string            `yaml:"health_path"`
	HealthCheck   string            `yaml:"health_check"`
	HealthCommand []string          `yaml:"health_command"`
	Env           map[string]string `yaml:"env"`
}

// EnvSpec holds per-environment settings
type EnvSpec struct {
	// Port is the host port of the first service; later services use Port+index
	Port int `yaml:"port"`
}

// ProxySpec describes the reverse proxy fronting both environments
type ProxySpec struct {
	ConfigPath    string   `yaml:"config_path"`
	BackupDir     string   `yaml:"backup_dir"`
	Container     string   `yaml:"container"`
	TestCommand   []string `yaml:"test_command"`
	ReloadCommand []string `yaml:"reload_command"`
	PublicURL     string   `yaml:"public_url"`
	UpstreamHost  string   `yaml:"upstream_host"`
}

// LoadDeployment parses the deploy file; a missing file yields an empty Deployment
func LoadDeployment(path string) (Deployment, error) {
	var d Deployment
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("failed to read deploy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("failed to parse deploy file: %w", err)
	}
	return d, nil
}

// ApplyDefaults fills unset fields with single-service, local-nginx defaults
func (d *Deployment) ApplyDefaults(dataDir string) {
	if d.App == "" {
		d.App = "app"
	}
	if len(d.Services) == 0 {
		d.Services = []Service{{Name: "app", Image: d.App, Port: 8080}}
	}
	for i := range d.Services {
		s := &d.Services[i]
		if s.HealthCheck == "" {
			s.HealthCheck = "http"
		}
		if s.HealthPath == "" {
			s.HealthPath = "/health"
		}
	}
	if d.Environments == nil {
		d.Environments = map[types.Environment]EnvSpec{}
	}
	if _, ok := d.Environments[types.EnvironmentBlue]; !ok {
		d.Environments[types.EnvironmentBlue] = EnvSpec{Port: 8081}
	}
	if _, ok := d.Environments[types.EnvironmentGreen]; !ok {
		d.Environments[types.EnvironmentGreen] = EnvSpec{Port: 8091}
	}

	p := &d.Proxy
	if p.ConfigPath == "" {
		p.ConfigPath = filepath.Join(dataDir, "proxy", "upstream.conf")
	}
	if p.BackupDir == "" {
		p.BackupDir = filepath.Join(dataDir, "proxy", "backups")
	}
	if p.Container == "" {
		p.Container = "nginx"
	}
	if len(p.TestCommand) == 0 {
		p.TestCommand = []string{"nginx", "-t"}
	}
	if len(p.ReloadCommand) == 0 {
		p.ReloadCommand = []string{"nginx", "-s", "reload"}
	}
	if p.PublicURL == "" {
		p.PublicURL = "http://127.0.0.1/health"
	}
	if p.UpstreamHost == "" {
		p.UpstreamHost = "127.0.0.1"
	}
}

// Validate checks the deployment for port collisions and missing fields
func (d Deployment) Validate() error {
	if len(d.Services) == 0 {
		return errors.New("at least one service is required")
	}
	seen := make(map[string]bool)
	for _, s := range d.Services {
		if s.Name == "" || s.Image == "" {
			return errors.New("service name and image are required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service %s", s.Name)
		}
		seen[s.Name] = true
		switch s.HealthCheck {
		case "http", "tcp":
			if s.Port == 0 {
				return fmt.Errorf("service %s: %s health check needs a port", s.Name, s.HealthCheck)
			}
		case "exec":
			if len(s.HealthCommand) == 0 {
				return fmt.Errorf("service %s: exec health check needs health_command", s.Name)
			}
		default:
			return fmt.Errorf("service %s: unknown health check %q", s.Name, s.HealthCheck)
		}
	}

	blue, green := d.Environments[types.EnvironmentBlue].Port, d.Environments[types.EnvironmentGreen].Port
	if blue == 0 || green == 0 {
		return errors.New("both environments need a port")
	}
	n := len(d.Services)
	if (blue <= green && green < blue+n) || (green <= blue && blue < green+n) {
		return fmt.Errorf("environment port ranges overlap (blue %d, green %d, %d services)", blue, green, n)
	}
	return nil
}

// HostPort returns the host port of the service at index i in env
func (d Deployment) HostPort(env types.Environment, i int) int {
	return d.Environments[env].Port + i
}

// ContainerName returns the container name of a service in env
func (d Deployment) ContainerName(env types.Environment, service string) string {
	return fmt.Sprintf("%s-%s-%s", d.App, service, env)
}

// ImageRef returns the image reference of a service at version
func (s Service) ImageRef(version string) string {
	return s.Image + ":" + version
}
