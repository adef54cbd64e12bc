package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"
)

const podReadyTimeout = 120 * time.Second

// KubernetesProvider runs each sandbox as a single Pod and opens terminals
// through the pod exec subresource.
type KubernetesProvider struct {
	clientset  *kubernetes.Clientset
	restConfig *rest.Config
	opts       Options
}

func NewKubernetesProvider(ctx context.Context, opts Options) (*KubernetesProvider, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8s config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	if _, err := clientset.CoreV1().Namespaces().Get(ctx, opts.Namespace, metav1.GetOptions{}); err != nil {
		return nil, fmt.Errorf("k8s namespace check: %w", err)
	}
	return &KubernetesProvider{clientset: clientset, restConfig: cfg, opts: opts}, nil
}

func (k *KubernetesProvider) Name() string { return "kubernetes" }

func (k *KubernetesProvider) Create(ctx context.Context) (Sandbox, error) {
	name := "sandterm-" + uuid.NewString()[:8]
	pod, err := buildPod(name, k.opts)
	if err != nil {
		return nil, err
	}

	pods := k.clientset.CoreV1().Pods(k.opts.Namespace)
	if _, err := pods.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("create pod: %w", err)
	}

	sb := &podSandbox{k: k, name: name}
	if err := k.waitForPodRunning(ctx, name, podReadyTimeout); err != nil {
		sb.Kill(context.WithoutCancel(ctx))
		return nil, err
	}
	log.Printf("[sandbox] created pod %s/%s", k.opts.Namespace, name)
	return sb, nil
}

func (k *KubernetesProvider) waitForPodRunning(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pod, err := k.clientset.CoreV1().Pods(k.opts.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			switch pod.Status.Phase {
			case corev1.PodRunning:
				return nil
			case corev1.PodFailed, corev1.PodSucceeded:
				return fmt.Errorf("pod %s exited with phase %s", name, pod.Status.Phase)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("timed out waiting for pod %s", name)
}

func buildPod(name string, opts Options) (*corev1.Pod, error) {
	limits := corev1.ResourceList{}
	if opts.Memory != "" {
		mem, err := units.RAMInBytes(opts.Memory)
		if err != nil {
			return nil, fmt.Errorf("parse memory limit %q: %w", opts.Memory, err)
		}
		limits[corev1.ResourceMemory] = *resource.NewQuantity(mem, resource.BinarySI)
	}
	if opts.CPUs > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(opts.CPUs*1000), resource.DecimalSI)
	}

	automount := false
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: opts.Namespace,
			Labels:    map[string]string{"app": name, "managed-by": labelManagedBy},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: &automount,
			Containers: []corev1.Container{{
				Name:       "sandbox",
				Image:      opts.Image,
				Command:    []string{"sleep", "infinity"},
				WorkingDir: opts.WorkDir,
				Env: []corev1.EnvVar{
					{Name: "HOME", Value: opts.WorkDir},
					{Name: "TERM", Value: "xterm-256color"},
				},
				Resources: corev1.ResourceRequirements{Limits: limits},
			}},
		},
	}, nil
}

type podSandbox struct {
	k     *KubernetesProvider
	name  string
	terms terminals
}

func (s *podSandbox) ID() string { return s.name }

func (s *podSandbox) executor(opts *corev1.PodExecOptions) (remotecommand.Executor, error) {
	req := s.k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(s.name).
		Namespace(s.k.opts.Namespace).
		SubResource("exec").
		VersionedParams(opts, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(s.k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}
	return exec, nil
}

func (s *podSandbox) exec(ctx context.Context, cmd []string) (string, string, int, error) {
	exec, err := s.executor(&corev1.PodExecOptions{
		Command: cmd,
		Stdout:  true,
		Stderr:  true,
	})
	if err != nil {
		return "", "", -1, err
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	exitCode := 0
	if err != nil {
		var exitErr interface{ ExitStatus() int }
		if !errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), -1, fmt.Errorf("exec stream: %w", err)
		}
		exitCode = exitErr.ExitStatus()
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

func (s *podSandbox) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return writeFile(ctx, s.exec, path, data, mode)
}

func (s *podSandbox) Run(ctx context.Context, command string) (*CommandResult, error) {
	return runShell(ctx, s.exec, s.k.opts.WorkDir, command)
}

// termSizeQueue implements remotecommand.TerminalSizeQueue via a channel.
type termSizeQueue struct {
	mu     sync.Mutex
	ch     chan remotecommand.TerminalSize
	closed bool
}

func newTermSizeQueue(initial Size) *termSizeQueue {
	q := &termSizeQueue{ch: make(chan remotecommand.TerminalSize, 1)}
	q.ch <- remotecommand.TerminalSize{Width: initial.Cols, Height: initial.Rows}
	return q
}

func (q *termSizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-q.ch
	if !ok {
		return nil
	}
	return &size
}

// push replaces any pending size so the newest one is always delivered.
func (q *termSizeQueue) push(size Size) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case <-q.ch:
	default:
	}
	q.ch <- remotecommand.TerminalSize{Width: size.Cols, Height: size.Rows}
}

func (q *termSizeQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (s *podSandbox) OpenPTY(_ context.Context, opts PTYOptions) (PTY, error) {
	script := fmt.Sprintf("cd %s && exec %s -l", shellQuote(opts.Cwd), opts.Shell)
	if len(opts.Env) > 0 {
		script = fmt.Sprintf("cd %s && exec env %s %s -l", shellQuote(opts.Cwd), quotedEnv(opts.Env), opts.Shell)
	}
	exec, err := s.executor(&corev1.PodExecOptions{
		Command: []string{"sh", "-c", script},
		Stdin:   true,
		Stdout:  true,
		Stderr:  false,
		TTY:     true,
	})
	if err != nil {
		return nil, err
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	sizes := newTermSizeQueue(opts.Size)
	streamCtx, cancel := context.WithCancel(context.Background())

	go func() {
		err := exec.StreamWithContext(streamCtx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: sizes,
		})
		if err != nil && streamCtx.Err() == nil {
			log.Printf("[sandbox] pod %s exec stream ended: %v", s.name, err)
		}
		stdoutW.CloseWithError(err)
	}()

	t := &terminal{
		out: stdoutR,
		in:  stdinW,
		resize: func(_ context.Context, size Size) error {
			sizes.push(size)
			return nil
		},
		close: func() error {
			cancel()
			sizes.close()
			stdinW.Close()
			stdoutR.Close()
			return nil
		},
	}
	s.terms.add(t)
	return t, nil
}

func quotedEnv(env map[string]string) string {
	var b bytes.Buffer
	for k, v := range env {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellQuote(k + "=" + v))
	}
	return b.String()
}

func (s *podSandbox) SendInput(_ context.Context, pid int, data []byte) error {
	return s.terms.sendInput(pid, data)
}

func (s *podSandbox) ResizePTY(ctx context.Context, pid int, size Size) error {
	return s.terms.resize(ctx, pid, size)
}

func (s *podSandbox) KillPTY(_ context.Context, pid int) error {
	return s.terms.kill(pid)
}

func (s *podSandbox) Kill(ctx context.Context) error {
	s.terms.closeAll()
	grace := int64(0)
	err := s.k.clientset.CoreV1().Pods(s.k.opts.Namespace).Delete(ctx, s.name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", s.name, err)
	}
	return nil
}

var _ Provider = (*KubernetesProvider)(nil)
