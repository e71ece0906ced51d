package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

func decodeStats(r io.ReadCloser, out *types.StatsJSON) error {
	return json.NewDecoder(r).Decode(out)
}

// oomKilledExitCode is the exit code Docker reports for a container killed
// by the kernel OOM killer.
const oomKilledExitCode = 137

// ContainerSandbox is the container-runtime variant: it runs the guest
// agent inside a Docker container with a hard memory limit, so a guest
// breaching its quota is killed by the kernel rather than merely observed
// by a sampler (contrast ThreadSandbox's §4.5 sub-interval gap).
//
// Grounded on ghostpool's DockerBackend (create/start/stop/remove via
// github.com/docker/docker/client, NanoCPUs + Memory resource limits,
// read-only rootfs, tmpfs scratch space), adapted from a long-lived ghost
// pool to a single-run, single-container lifecycle.
type ContainerSandbox struct {
	image string

	cli         *dockerclient.Client
	containerID string
	logs        *logBuffer
	mem         int64
	stopCh      chan struct{}
	mu          sync.Mutex
}

// NewContainerSandbox creates a container-variant sandbox using the given
// guest image (must already contain the guest agent binary at /guest).
func NewContainerSandbox(image string) *ContainerSandbox {
	return &ContainerSandbox{
		image:  image,
		logs:   newLogBuffer(),
		stopCh: make(chan struct{}),
	}
}

// Start creates and runs a container bound to the guest's memory cap, with
// the guest's script mounted read-only and the proxy endpoints reachable
// via the host-gateway alias.
func (s *ContainerSandbox) Start(ctx context.Context, params StartParams) error {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("sandbox(container): docker client: %w", err)
	}
	s.cli = cli

	hostConfig := &container.HostConfig{
		ReadonlyRootfs: true,
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
		Resources: container.Resources{
			Memory:   params.MemoryBytes,
			NanoCPUs: 1_000_000_000,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   params.ScriptPath,
				Target:   "/script.js",
				ReadOnly: true,
			},
		},
	}

	env := []string{
		"WEB3_FUNCTION_SERVER_PORT=" + strconv.Itoa(params.ServerPort),
		"WEB3_FUNCTION_MOUNT_PATH=" + params.MountPath,
		"WEB3_FUNCTION_VERSION=" + params.Version,
		fmt.Sprintf("WEB3_FUNCTION_HTTP_PROXY=http://host.docker.internal:%d", params.ProxyPort),
		"WEB3_FUNCTION_RPC_PROXY_PORT=" + strconv.Itoa(params.RPCProxyPort),
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: s.image,
		Cmd:   []string{"/guest", "/script.js"},
		Env:   env,
		Tty:   false,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("sandbox(container): create: %w", err)
	}
	s.containerID = resp.ID

	if err := cli.ContainerStart(ctx, s.containerID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("sandbox(container): start: %w", err)
	}

	go s.streamLogs(ctx, params.ShowLogs)
	go s.sampleMemory()

	return nil
}

func (s *ContainerSandbox) streamLogs(ctx context.Context, show bool) {
	out, err := s.cli.ContainerLogs(ctx, s.containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return
	}
	defer out.Close()

	pr, pw := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(pw, pw, out)
		pw.Close()
	}()

	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		line := scanner.Text()
		s.logs.add(line)
		if show {
			log.Printf("guest[container]: %s", line)
		}
	}
}

// sampleMemory polls container stats every 100ms, mirroring
// ThreadSandbox's cadence so reports are comparable across backends.
func (s *ContainerSandbox) sampleMemory() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			stats, err := s.cli.ContainerStatsOneShot(context.Background(), s.containerID)
			if err != nil {
				continue
			}
			var parsed types.StatsJSON
			if err := decodeStats(stats.Body, &parsed); err != nil {
				stats.Body.Close()
				continue
			}
			stats.Body.Close()
			if usage := int64(parsed.MemoryStats.Usage); usage > atomic.LoadInt64(&s.mem) {
				atomic.StoreInt64(&s.mem, usage)
			}
		}
	}
}

// MemoryUsage returns the running maximum sampled container memory usage.
func (s *ContainerSandbox) MemoryUsage() int64 {
	return atomic.LoadInt64(&s.mem)
}

// WaitProcessEnd blocks until the container exits, classifying an
// OOM-killed container's exit code for the supervisor's quota-breach logic.
func (s *ContainerSandbox) WaitProcessEnd(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := s.cli.ContainerWait(ctx, s.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return ExitResult{}, err
	case status := <-statusCh:
		code := int(status.StatusCode)
		result := ExitResult{ExitCode: code}
		if code == oomKilledExitCode {
			result.Signaled = true
			result.Signal = 9
		}
		return result, nil
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

// Stop kills and removes the container. Idempotent.
func (s *ContainerSandbox) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
		return nil
	default:
		close(s.stopCh)
	}
	if s.cli == nil || s.containerID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.cli.ContainerRemove(ctx, s.containerID, types.ContainerRemoveOptions{Force: true})
	return s.cli.Close()
}

// Logs returns guest stdout/stderr captured so far.
func (s *ContainerSandbox) Logs() []string {
	return s.logs.snapshot()
}
