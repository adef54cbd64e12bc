package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// DockerProvider runs each sandbox as an idle container and opens terminals
// with TTY exec sessions.
type DockerProvider struct {
	client *dockerclient.Client
	opts   Options
}

func NewDockerProvider(ctx context.Context, opts Options) (*DockerProvider, error) {
	clientOpts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if opts.DockerHost != "" {
		clientOpts = append(clientOpts, dockerclient.WithHost(opts.DockerHost))
	}

	cli, err := dockerclient.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &DockerProvider{client: cli, opts: opts}, nil
}

func (d *DockerProvider) Name() string { return "docker" }

func (d *DockerProvider) ensureImage(ctx context.Context, img string) error {
	if _, err := d.client.ImageInspect(ctx, img); err == nil {
		return nil
	}

	log.Printf("[sandbox] image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("[sandbox] image %s pulled", img)
	return nil
}

func (d *DockerProvider) Create(ctx context.Context) (Sandbox, error) {
	if err := d.ensureImage(ctx, d.opts.Image); err != nil {
		return nil, err
	}

	var memLimit int64
	if d.opts.Memory != "" {
		var err error
		memLimit, err = units.RAMInBytes(d.opts.Memory)
		if err != nil {
			return nil, fmt.Errorf("parse memory limit %q: %w", d.opts.Memory, err)
		}
	}

	name := "sandterm-" + uuid.NewString()[:8]
	containerCfg := &container.Config{
		Image:      d.opts.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: d.opts.WorkDir,
		Env:        []string{"HOME=" + d.opts.WorkDir, "TERM=xterm-256color"},
		Labels:     map[string]string{"managed-by": labelManagedBy},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(d.opts.CPUs * 1_000_000_000),
			Memory:   memLimit,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	log.Printf("[sandbox] created container %s", name)
	return &dockerSandbox{client: d.client, id: resp.ID, name: name, workDir: d.opts.WorkDir}, nil
}

type dockerSandbox struct {
	client  *dockerclient.Client
	id      string
	name    string
	workDir string
	terms   terminals
}

func (s *dockerSandbox) ID() string { return s.name }

func (s *dockerSandbox) exec(ctx context.Context, cmd []string) (string, string, int, error) {
	execID, err := s.client.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", -1, fmt.Errorf("exec create: %w", err)
	}

	resp, err := s.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", -1, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return "", "", -1, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := s.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return stdout.String(), stderr.String(), -1, fmt.Errorf("exec inspect: %w", err)
	}
	return stdout.String(), stderr.String(), inspect.ExitCode, nil
}

func (s *dockerSandbox) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return writeFile(ctx, s.exec, path, data, mode)
}

func (s *dockerSandbox) Run(ctx context.Context, command string) (*CommandResult, error) {
	return runShell(ctx, s.exec, s.workDir, command)
}

func (s *dockerSandbox) OpenPTY(ctx context.Context, opts PTYOptions) (PTY, error) {
	consoleSize := &[2]uint{uint(opts.Size.Rows), uint(opts.Size.Cols)}
	execID, err := s.client.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          []string{opts.Shell, "-l"},
		Env:          envList(opts.Env),
		WorkingDir:   opts.Cwd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  consoleSize,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	// The hijacked stream outlives the call that opens it.
	resp, err := s.client.ContainerExecAttach(context.WithoutCancel(ctx), execID.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: consoleSize,
	})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	t := &terminal{
		out: resp.Reader,
		in:  resp.Conn,
		resize: func(ctx context.Context, size Size) error {
			return s.client.ContainerExecResize(ctx, execID.ID, container.ResizeOptions{
				Height: uint(size.Rows),
				Width:  uint(size.Cols),
			})
		},
		close: func() error {
			resp.Close()
			return nil
		},
	}
	s.terms.add(t)
	return t, nil
}

func (s *dockerSandbox) SendInput(_ context.Context, pid int, data []byte) error {
	return s.terms.sendInput(pid, data)
}

func (s *dockerSandbox) ResizePTY(ctx context.Context, pid int, size Size) error {
	return s.terms.resize(ctx, pid, size)
}

func (s *dockerSandbox) KillPTY(_ context.Context, pid int) error {
	return s.terms.kill(pid)
}

func (s *dockerSandbox) Kill(ctx context.Context) error {
	s.terms.closeAll()
	err := s.client.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", s.name, err)
	}
	return nil
}

var _ Provider = (*DockerProvider)(nil)
