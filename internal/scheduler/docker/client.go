package docker

import (
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	dockerclient "github.com/moby/moby/client"
)

// MountTarget is where the run files are visible inside the container.
const MountTarget = "/chaoshub"

// ContainerSpec describes one experiment container.
type ContainerSpec struct {
	Image   string
	Cmd     []string
	HostDir string // bind-mounted at MountTarget
	Labels  map[string]string
}

// Client is the subset of the Docker API the scheduler uses.
type Client interface {
	ImageExists(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	StopContainer(ctx context.Context, id string, timeout *int) error
	RemoveContainer(ctx context.Context, id string) error
	Close() error
}

type DockerError struct {
	Op      string
	Err     error
	Message string
}

func (e *DockerError) Error() string {
	return fmt.Sprintf("docker %s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// DockerClient talks to the daemon configured by the DOCKER_* environment.
type DockerClient struct {
	client *dockerclient.Client
}

func NewDockerClient(ctx context.Context) (*DockerClient, error) {
	cli, err := dockerclient.New(dockerclient.WithAPIVersionNegotiation(), dockerclient.FromEnv)
	if err != nil {
		return nil, &DockerError{Op: "connect", Err: err, Message: "failed to connect to Docker daemon"}
	}

	if _, err := cli.Ping(ctx, dockerclient.PingOptions{NegotiateAPIVersion: true}); err != nil {
		cli.Close()
		return nil, &DockerError{Op: "ping", Err: err, Message: "Docker daemon not available"}
	}

	return &DockerClient{client: cli}, nil
}

func (c *DockerClient) Close() error {
	return c.client.Close()
}

// ImageExists reports whether image is present in the local image store.
func (c *DockerClient) ImageExists(ctx context.Context, image string) (bool, error) {
	if _, err := c.client.ImageInspect(ctx, image); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, &DockerError{Op: "inspect image", Err: err, Message: fmt.Sprintf("failed to inspect image %s", image)}
	}
	return true, nil
}

func (c *DockerClient) PullImage(ctx context.Context, image string) error {
	resp, err := c.client.ImagePull(ctx, image, dockerclient.ImagePullOptions{})
	if err != nil {
		return &DockerError{Op: "pull", Err: err, Message: fmt.Sprintf("failed to pull image %s", image)}
	}
	defer resp.Close()

	if err := resp.Wait(ctx); err != nil {
		return &DockerError{Op: "pull", Err: err, Message: fmt.Sprintf("failed to pull image %s", image)}
	}
	return nil
}

func (c *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	result, err := c.client.ContainerCreate(ctx, dockerclient.ContainerCreateOptions{
		Image: spec.Image,
		Config: &container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			WorkingDir: MountTarget,
			Labels:     spec.Labels,
		},
		HostConfig: &container.HostConfig{
			Mounts: []mount.Mount{
				{
					Type:   mount.TypeBind,
					Source: spec.HostDir,
					Target: MountTarget,
				},
			},
			SecurityOpt: []string{"no-new-privileges"},
		},
	})
	if err != nil {
		return "", &DockerError{Op: "create", Err: err, Message: "failed to create container"}
	}
	return result.ID, nil
}

func (c *DockerClient) StartContainer(ctx context.Context, id string) error {
	_, err := c.client.ContainerStart(ctx, id, dockerclient.ContainerStartOptions{})
	if err != nil {
		return &DockerError{Op: "start", Err: err, Message: fmt.Sprintf("failed to start container %s", id)}
	}
	return nil
}

func (c *DockerClient) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.client.ContainerInspect(ctx, id, dockerclient.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, &DockerError{Op: "inspect", Err: err, Message: fmt.Sprintf("failed to inspect container %s", id)}
	}
	return result.Container, nil
}

func (c *DockerClient) StopContainer(ctx context.Context, id string, timeout *int) error {
	_, err := c.client.ContainerStop(ctx, id, dockerclient.ContainerStopOptions{Timeout: timeout})
	if err != nil {
		return &DockerError{Op: "stop", Err: err, Message: fmt.Sprintf("failed to stop container %s", id)}
	}
	return nil
}

func (c *DockerClient) RemoveContainer(ctx context.Context, id string) error {
	_, err := c.client.ContainerRemove(ctx, id, dockerclient.ContainerRemoveOptions{Force: true})
	if err != nil {
		return &DockerError{Op: "remove", Err: err, Message: fmt.Sprintf("failed to remove container %s", id)}
	}
	return nil
}
