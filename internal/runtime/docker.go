// Package runtime talks to the local container engine for operations that do
// not go through Terraform: stop, start, logs and inspect.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	minFilterWindow = 1000
	stopTimeout     = 10 * time.Second
)

// Runtime controls containers by id.
type Runtime interface {
	Stop(ctx context.Context, containerID string) error
	Start(ctx context.Context, containerID string) error
	Logs(ctx context.Context, containerID string, tail int, filter string) ([]string, error)
	// Inspect masks every occurrence of the strings in redact, and every
	// password-like environment value, in the returned document.
	Inspect(ctx context.Context, containerID string, redact ...string) (*Inspection, error)
}

// Inspection summarizes container state for API clients. Container is the
// full inspect document with secrets masked.
type Inspection struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Image        string    `json:"image"`
	State        string    `json:"state"`
	Running      bool      `json:"running"`
	StartedAt    string    `json:"started_at,omitempty"`
	RestartCount int       `json:"restart_count"`
	Health       string    `json:"health,omitempty"`
	Ports        []string  `json:"ports,omitempty"`
	InspectedAt  time.Time `json:"inspected_at"`

	Container *container.InspectResponse `json:"container,omitempty"`
}

const masked = "***"


// dockerAPI is the part of *client.Client used here.
type dockerAPI interface {
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// DockerRuntime implements Runtime using the Docker SDK
type DockerRuntime struct {
	cli dockerAPI
	now func() time.Time
}

// NewDockerRuntime connects using the environment, or host when given.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, now: time.Now}, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	timeout := int(stopTimeout.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

func (d *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// Logs returns the last tail lines of combined stdout/stderr. With a filter,
// a wider window is fetched so that enough matching lines survive.
func (d *DockerRuntime) Logs(ctx context.Context, containerID string, tail int, filter string) ([]string, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(fetchWindow(tail, filter)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of %s: %w", containerID, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("failed to demultiplex logs of %s: %w", containerID, err)
	}
	return tailFiltered(strings.Split(buf.String(), "\n"), tail, filter), nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, containerID string, redact ...string) (*Inspection, error) {
	resp, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	out := &Inspection{InspectedAt: d.now().UTC()}
	if resp.ContainerJSONBase != nil {
		out.ID = resp.ID
		out.Name = strings.TrimPrefix(resp.Name, "/")
		out.RestartCount = resp.RestartCount
		if st := resp.State; st != nil {
			out.State = st.Status
			out.Running = st.Running
			out.StartedAt = st.StartedAt
			if st.Health != nil {
				out.Health = st.Health.Status
			}
		}
	}
	if resp.Config != nil {
		out.Image = resp.Config.Image
	}
	if resp.NetworkSettings != nil {
		for port, bindings := range resp.NetworkSettings.Ports {
			for _, b := range bindings {
				out.Ports = append(out.Ports, fmt.Sprintf("%s:%s->%s", b.HostIP, b.HostPort, port))
			}
		}
		sort.Strings(out.Ports)
	}
	maskInspect(&resp, redact)
	out.Container = &resp
	return out, nil
}

// maskInspect scrubs the places a container carries its credential: the
// environment, the command line and the labels.
func maskInspect(resp *container.InspectResponse, redact []string) {
	var pairs []string
	for _, s := range redact {
		if s != "" {
			pairs = append(pairs, s, masked)
		}
	}
	r := strings.NewReplacer(pairs...)
	scrub := func(items []string) {
		for i, v := range items {
			items[i] = r.Replace(v)
		}
	}

	if resp.ContainerJSONBase != nil {
		resp.Path = r.Replace(resp.Path)
		scrub(resp.Args)
	}
	if c := resp.Config; c != nil {
		for i, kv := range c.Env {
			key, _, found := strings.Cut(kv, "=")
			if found && isSecretKey(key) {
				c.Env[i] = key + "=" + masked
				continue
			}
			c.Env[i] = r.Replace(kv)
		}
		scrub(c.Cmd)
		scrub(c.Entrypoint)
		for k, v := range c.Labels {
			c.Labels[k] = r.Replace(v)
		}
	}
}

func isSecretKey(key string) bool {
	k := strings.ToUpper(key)
	return strings.Contains(k, "PASSWORD") || strings.Contains(k, "SECRET")
}

// fetchWindow is how many raw lines to request from the engine.
func fetchWindow(tail int, filter string) int {
	if filter == "" {
		return tail
	}
	return max(tail*10, minFilterWindow)
}

// tailFiltered trims trailing whitespace, drops blank lines, keeps lines
// containing filter, and returns the last tail of them.
func tailFiltered(lines []string, tail int, filter string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if filter != "" && !strings.Contains(line, filter) {
			continue
		}
		out = append(out, line)
	}
	if tail >= 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out
}
