package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite"`
	DatabaseDSN    string `envconfig:"DATABASE_DSN" default:""`

	// Sandbox backend settings
	SandboxBackend string  `envconfig:"SANDBOX_BACKEND" default:"auto"`
	SandboxImage   string  `envconfig:"SANDBOX_IMAGE" default:"python:3.12-slim"`
	SandboxMemory  string  `envconfig:"SANDBOX_MEMORY" default:"512m"`
	SandboxCPUs    float64 `envconfig:"SANDBOX_CPUS" default:"1.0"`
	DockerHost     string  `envconfig:"DOCKER_HOST" default:""`
	K8sNamespace   string  `envconfig:"K8S_NAMESPACE" default:"sandterm"`

	// Terminal session settings
	SessionTTL        time.Duration `envconfig:"SESSION_TTL" default:"10m"`
	ReapSchedule      string        `envconfig:"REAP_SCHEDULE" default:"@every 60s"`
	RemoteCallTimeout time.Duration `envconfig:"REMOTE_CALL_TIMEOUT" default:"15s"`
	CommandTimeout    time.Duration `envconfig:"COMMAND_TIMEOUT" default:"60s"`
	Shell             string        `envconfig:"PTY_SHELL" default:"/bin/bash"`
	WorkDir           string        `envconfig:"PTY_WORKDIR" default:"/home/user"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	CreateRate     float64  `envconfig:"CREATE_RATE" default:"1"`
	CreateBurst    int      `envconfig:"CREATE_BURST" default:"5"`
	MetricsEnabled bool     `envconfig:"METRICS_ENABLED" default:"true"`
}

var Cfg Settings

// Load reads an optional .env file and then the SANDTERM_* environment.
// Values already present in the environment win over the .env file.
func Load() {
	_ = godotenv.Load()
	if err := envconfig.Process("SANDTERM", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// ResolvedLogPath returns LogPath, or the default file under DataPath.
func (s Settings) ResolvedLogPath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "sandterm.log")
}

// ResolvedDatabaseDSN returns DatabaseDSN, or the default sqlite file under
// DataPath when the sqlite driver is selected.
func (s Settings) ResolvedDatabaseDSN() string {
	if s.DatabaseDSN != "" || s.DatabaseDriver != "sqlite" {
		return s.DatabaseDSN
	}
	return filepath.Join(s.DataPath, "sandterm.db")
}
