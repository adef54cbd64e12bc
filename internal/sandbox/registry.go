package sandbox

import (
	"context"
	"fmt"
	"log"

	"github.com/gluk-w/sandterm/internal/config"
)

// Options configure every backend.
type Options struct {
	Image      string
	Memory     string
	CPUs       float64
	WorkDir    string
	DockerHost string
	Namespace  string
	// LocalRoot is the parent directory for local sandboxes; empty means
	// the OS temp dir.
	LocalRoot string
}

func OptionsFromSettings(s config.Settings) Options {
	return Options{
		Image:      s.SandboxImage,
		Memory:     s.SandboxMemory,
		CPUs:       s.SandboxCPUs,
		WorkDir:    s.WorkDir,
		DockerHost: s.DockerHost,
		Namespace:  s.K8sNamespace,
	}
}

// New picks a backend. "auto" tries kubernetes, then docker, then local.
func New(ctx context.Context, s config.Settings) (Provider, error) {
	backend := s.SandboxBackend
	opts := OptionsFromSettings(s)

	if backend == "auto" || backend == "kubernetes" {
		k8s, err := NewKubernetesProvider(ctx, opts)
		if err == nil {
			log.Println("[sandbox] using Kubernetes backend")
			return k8s, nil
		}
		log.Printf("[sandbox] Kubernetes backend unavailable: %v", err)
		if backend == "kubernetes" {
			return nil, err
		}
	}

	if backend == "auto" || backend == "docker" {
		docker, err := NewDockerProvider(ctx, opts)
		if err == nil {
			log.Println("[sandbox] using Docker backend")
			return docker, nil
		}
		log.Printf("[sandbox] Docker backend unavailable: %v", err)
		if backend == "docker" {
			return nil, err
		}
	}

	if backend == "auto" || backend == "local" {
		local, err := NewLocalProvider(opts)
		if err != nil {
			return nil, err
		}
		log.Println("[sandbox] WARNING: using local backend; shells run on this host without isolation")
		return local, nil
	}

	return nil, fmt.Errorf("unknown sandbox backend %q", backend)
}
