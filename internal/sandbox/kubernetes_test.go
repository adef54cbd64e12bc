package sandbox

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
)

func TestBuildPod(t *testing.T) {
	opts := Options{
		Image:     "python:3.12-slim",
		Memory:    "512m",
		CPUs:      1.5,
		WorkDir:   "/home/user",
		Namespace: "sandterm",
	}

	pod, err := buildPod("sandterm-abc", opts)
	if err != nil {
		t.Fatalf("buildPod: %v", err)
	}
	if pod.Name != "sandterm-abc" || pod.Namespace != "sandterm" {
		t.Errorf("unexpected object meta %s/%s", pod.Namespace, pod.Name)
	}
	if pod.Labels["managed-by"] != "sandterm" {
		t.Errorf("expected managed-by label, got %v", pod.Labels)
	}
	if pod.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("expected RestartPolicyNever, got %s", pod.Spec.RestartPolicy)
	}

	c := pod.Spec.Containers[0]
	if c.Image != opts.Image || c.WorkingDir != "/home/user" {
		t.Errorf("unexpected container %+v", c)
	}
	if len(c.Command) != 2 || c.Command[0] != "sleep" {
		t.Errorf("expected idle command, got %v", c.Command)
	}

	mem := c.Resources.Limits[corev1.ResourceMemory]
	if mem.Value() != 512*1024*1024 {
		t.Errorf("expected 512MiB memory limit, got %d", mem.Value())
	}
	cpu := c.Resources.Limits[corev1.ResourceCPU]
	if cpu.MilliValue() != 1500 {
		t.Errorf("expected 1500m cpu limit, got %d", cpu.MilliValue())
	}
}

func TestBuildPodInvalidMemory(t *testing.T) {
	if _, err := buildPod("x", Options{Memory: "lots"}); err == nil {
		t.Fatal("expected error for unparsable memory")
	}
}

func TestTermSizeQueueKeepsNewest(t *testing.T) {
	q := newTermSizeQueue(Size{Rows: 24, Cols: 80})
	q.push(Size{Rows: 30, Cols: 100})
	q.push(Size{Rows: 40, Cols: 120})

	got := q.Next()
	if got == nil || got.Height != 40 || got.Width != 120 {
		t.Fatalf("expected newest size 40x120, got %+v", got)
	}

	q.close()
	q.close()
	q.push(Size{Rows: 1, Cols: 1})
	if q.Next() != nil {
		t.Error("expected nil after close")
	}
}
