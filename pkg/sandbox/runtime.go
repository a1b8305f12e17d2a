// Copyright 2026 The Sandboxd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Runtime is the isolation runtime behind the lifecycle manager. The
// production implementation shells out to docker or podman; tests substitute
// a fake. All calls may block and take a context.
type Runtime interface {
	// Available reports whether a container runtime is usable on this host.
	Available(ctx context.Context) bool

	// Create builds an isolated environment for a session and returns its
	// handle. The environment is created but not started.
	Create(ctx context.Context, spec CreateSpec) (Handle, error)

	// Start begins executing the session's code.
	Start(ctx context.Context, h Handle) error

	// Pause freezes all processes in the environment for forensic capture.
	Pause(ctx context.Context, h Handle) error

	// Kill force-stops the environment.
	Kill(ctx context.Context, h Handle) error

	// Destroy force-removes the environment and its resources. Idempotent:
	// repeated calls and calls on unknown handles return nil.
	Destroy(ctx context.Context, h Handle) error

	// Wait blocks until the environment's main process exits and returns its
	// exit code.
	Wait(ctx context.Context, h Handle) (int, error)

	// Processes lists the processes currently running inside the environment.
	Processes(ctx context.Context, h Handle) ([]ProcessInfo, error)

	// Stats returns a point-in-time resource snapshot.
	Stats(ctx context.Context, h Handle) (Stats, error)

	// Export writes the environment's full filesystem as a tar archive to
	// the given host path.
	Export(ctx context.Context, h Handle, path string) error

	// Output returns the captured stdout/stderr of the environment.
	Output(ctx context.Context, h Handle) (string, error)
}

// CreateSpec describes the environment to create for one session.
type CreateSpec struct {
	SessionID string
	Limits    ResourceLimits

	// WorkspaceDir is the host directory bound as the single writable
	// workspace; the code file is written here before Create.
	WorkspaceDir string

	// Command is the entrypoint run inside the environment.
	Command []string

	// Env are the (already credential-filtered) environment variables.
	Env map[string]string
}

const (
	// defaultImage is the container image used for sandboxes.
	defaultImage = "python:3.12-alpine"

	// sandboxUser is the non-root identity inside the container.
	sandboxUser = "65534:65534"

	// workspaceMount is where the writable workspace appears in-container.
	workspaceMount = "/workspace"
)

// DockerRuntime drives sandbox environments through the docker or podman CLI.
type DockerRuntime struct {
	binary string
	image  string
	// ops bounds concurrent runtime CLI invocations; the underlying API is
	// synchronous and each call holds a slot for its duration.
	ops chan struct{}
}

// DockerRuntimeConfig configures the docker runtime.
type DockerRuntimeConfig struct {
	// Binary overrides runtime auto-detection ("docker" or "podman").
	Binary string

	// Image is the container image for sandboxes.
	Image string

	// MaxConcurrentOps bounds concurrent CLI invocations. Default 8.
	MaxConcurrentOps int
}

// NewDockerRuntime creates a runtime driver, auto-detecting docker then
// podman when no binary is configured.
func NewDockerRuntime(cfg DockerRuntimeConfig) *DockerRuntime {
	binary := cfg.Binary
	if binary == "" {
		binary = detectRuntime()
	}
	image := cfg.Image
	if image == "" {
		image = defaultImage
	}
	maxOps := cfg.MaxConcurrentOps
	if maxOps <= 0 {
		maxOps = 8
	}
	return &DockerRuntime{
		binary: binary,
		image:  image,
		ops:    make(chan struct{}, maxOps),
	}
}

// detectRuntime checks which container runtime is available.
func detectRuntime() string {
	if _, err := exec.LookPath("docker"); err == nil {
		if err := exec.Command("docker", "info").Run(); err == nil {
			return "docker"
		}
	}
	if _, err := exec.LookPath("podman"); err == nil {
		return "podman"
	}
	return ""
}

// Available reports whether a container runtime was detected.
func (r *DockerRuntime) Available(ctx context.Context) bool {
	return r.binary != ""
}

// acquire takes a worker-pool slot, honoring context cancellation.
func (r *DockerRuntime) acquire(ctx context.Context) error {
	select {
	case r.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *DockerRuntime) release() {
	<-r.ops
}

// run executes one runtime CLI invocation and returns trimmed stdout.
func (r *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	if err := r.acquire(ctx); err != nil {
		return "", err
	}
	defer r.release()

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("%s %s failed: %w (stderr: %s)",
				r.binary, args[0], err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%s %s failed: %w", r.binary, args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// createArgs builds the container-create argument list. Isolation guarantees
// are enforced here at creation, not observed after the fact: no network,
// read-only root with one writable workspace, dropped privileges, pid cap,
// and runtime-enforced memory/CPU quotas.
func (r *DockerRuntime) createArgs(spec CreateSpec) []string {
	args := []string{"create"}

	args = append(args, "--network", "none")
	args = append(args,
		"--read-only",
		"--volume", fmt.Sprintf("%s:%s", spec.WorkspaceDir, workspaceMount),
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16m",
	)
	args = append(args,
		"--user", sandboxUser,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	)
	if spec.Limits.PIDLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(spec.Limits.PIDLimit))
	}
	if spec.Limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.Limits.MemoryMB))
	}
	if spec.Limits.CPUCores > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.Limits.CPUCores, 'f', 2, 64))
	}

	for k, v := range spec.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args,
		"--workdir", workspaceMount,
		"--label", fmt.Sprintf("sandboxd.session=%s", spec.SessionID),
		"--label", "sandboxd.sandbox=true",
	)

	args = append(args, r.image)
	args = append(args, spec.Command...)
	return args
}

// Create creates the container and returns its ID as the handle.
func (r *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	if !r.Available(ctx) {
		return "", fmt.Errorf("no container runtime available (tried docker, podman)")
	}
	out, err := r.run(ctx, r.createArgs(spec)...)
	if err != nil {
		return "", err
	}
	return Handle(out), nil
}

// Start starts the container.
func (r *DockerRuntime) Start(ctx context.Context, h Handle) error {
	_, err := r.run(ctx, "start", string(h))
	return err
}

// Pause freezes the container's processes.
func (r *DockerRuntime) Pause(ctx context.Context, h Handle) error {
	_, err := r.run(ctx, "pause", string(h))
	return err
}

// Kill force-stops the container.
func (r *DockerRuntime) Kill(ctx context.Context, h Handle) error {
	_, err := r.run(ctx, "kill", string(h))
	return err
}

// Destroy force-removes the container. Calling it twice, or on a handle the
// runtime no longer knows, is not an error.
func (r *DockerRuntime) Destroy(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	_, err := r.run(ctx, "rm", "--force", string(h))
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// isNotFound matches the runtime's missing-container error text.
func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no container with name or id")
}

// Wait blocks until the container exits and returns its exit code.
func (r *DockerRuntime) Wait(ctx context.Context, h Handle) (int, error) {
	// Wait holds no ops slot: it blocks for the container's full lifetime
	// and must not starve lifecycle operations.
	cmd := exec.CommandContext(ctx, r.binary, "wait", string(h))
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%s wait failed: %w", r.binary, err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
	if err != nil {
		return 0, fmt.Errorf("unparseable exit code from %s wait: %w", r.binary, err)
	}
	return code, nil
}

// Processes lists in-container processes via the runtime's top command.
func (r *DockerRuntime) Processes(ctx context.Context, h Handle) ([]ProcessInfo, error) {
	out, err := r.run(ctx, "top", string(h), "-eo", "pid,comm,args")
	if err != nil {
		return nil, err
	}
	return parseTop(out), nil
}

// parseTop parses `docker top` output in pid,comm,args format.
func parseTop(out string) []ProcessInfo {
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		return nil
	}
	procs := make([]ProcessInfo, 0, len(lines)-1)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			continue
		}
		info := ProcessInfo{
			PID:  int32(pid),
			Name: fields[1],
		}
		if len(fields) > 2 {
			info.Cmdline = strings.Join(fields[2:], " ")
		}
		procs = append(procs, info)
	}
	return procs
}

// Stats returns a resource snapshot via the runtime's stats command.
func (r *DockerRuntime) Stats(ctx context.Context, h Handle) (Stats, error) {
	out, err := r.run(ctx, "stats", "--no-stream", "--format",
		"{{.MemUsage}}\t{{.CPUPerc}}\t{{.NetIO}}\t{{.PIDs}}", string(h))
	if err != nil {
		return Stats{}, err
	}
	return parseStats(out)
}

// parseStats parses one line of docker stats output in the format above.
func parseStats(line string) (Stats, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return Stats{}, fmt.Errorf("unparseable stats output: %q", line)
	}

	var st Stats
	// MemUsage: "12.5MiB / 128MiB"
	if parts := strings.SplitN(fields[0], "/", 2); len(parts) > 0 {
		st.MemoryBytes = parseByteSize(strings.TrimSpace(parts[0]))
	}
	// CPUPerc: "12.34%"
	if pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(fields[1]), "%"), 64); err == nil {
		st.CPUPercent = pct
	}
	// NetIO: "0B / 0B"
	if parts := strings.SplitN(fields[2], "/", 2); len(parts) == 2 {
		st.NetworkRxBytes = parseByteSize(strings.TrimSpace(parts[0]))
		st.NetworkTxBytes = parseByteSize(strings.TrimSpace(parts[1]))
	}
	if pids, err := strconv.Atoi(strings.TrimSpace(fields[3])); err == nil {
		st.ProcessCount = pids
	}
	return st, nil
}

// byteUnits maps docker stats size suffixes to byte multipliers.
var byteUnits = []struct {
	suffix     string
	multiplier float64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"GB", 1e9},
	{"MB", 1e6},
	{"kB", 1e3},
	{"B", 1},
}

// parseByteSize converts a docker stats size string ("12.5MiB") to bytes.
// Unparseable input yields zero; stats are advisory, not load-bearing.
func parseByteSize(s string) int64 {
	for _, unit := range byteUnits {
		if strings.HasSuffix(s, unit.suffix) {
			value := strings.TrimSuffix(s, unit.suffix)
			f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return 0
			}
			return int64(f * unit.multiplier)
		}
	}
	return 0
}

// Export writes the container's filesystem as a tar archive.
func (r *DockerRuntime) Export(ctx context.Context, h Handle, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	_, err := r.run(ctx, "export", "--output", path, string(h))
	return err
}

// Output returns the container's captured stdout/stderr.
func (r *DockerRuntime) Output(ctx context.Context, h Handle) (string, error) {
	return r.run(ctx, "logs", string(h))
}

// RootPID returns the host PID of the container's init process, used by the
// host-side process inspector.
func (r *DockerRuntime) RootPID(ctx context.Context, h Handle) (int32, error) {
	out, err := r.run(ctx, "inspect", "--format", "{{.State.Pid}}", string(h))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.ParseInt(out, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unparseable root pid %q: %w", out, err)
	}
	return int32(pid), nil
}

// isCredentialEnvVar checks if an environment variable name indicates
// credentials. Agent-provided env vars that look like secrets are stripped
// before container creation.
func isCredentialEnvVar(name string) bool {
	upperName := strings.ToUpper(name)

	patterns := []string{
		"AWS_",
		"API_KEY",
		"APIKEY",
		"_TOKEN",
		"_SECRET",
		"_PASSWORD",
		"_PASS",
		"_PWD",
	}

	for _, pattern := range patterns {
		if strings.Contains(upperName, pattern) {
			return true
		}
	}

	return false
}

// FilterEnv removes credential-looking variables from an env map.
func FilterEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if isCredentialEnvVar(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Verify DockerRuntime implements the Runtime interface.
var _ Runtime = (*DockerRuntime)(nil)
