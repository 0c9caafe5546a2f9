package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"blockci/internal/core"
)

const containerWorkspace = "/workspace"

// Docker runs every job in its own container created from the job image.
// Commands are exec'd into the container one at a time.
type Docker struct {
	client *client.Client

	// Workspace is a host directory bind-mounted at /workspace. Optional.
	Workspace string
	Env       []string
}

func NewDocker(workspace string) (*Docker, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionFromEnv())
	if err != nil {
		return nil, err
	}
	return &Docker{client: cli, Workspace: workspace}, nil
}

func (d *Docker) Open(ctx context.Context, image string) (core.Session, error) {
	if image == "" {
		return nil, fmt.Errorf("docker runtime needs an image")
	}

	reader, err := d.client.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", image, err)
	}
	if _, err := io.Copy(io.Discard, reader); err != nil {
		reader.Close()
		return nil, fmt.Errorf("pull %s: %w", image, err)
	}
	if err := reader.Close(); err != nil {
		return nil, err
	}

	var hostConfig *container.HostConfig
	if d.Workspace != "" {
		hostConfig = &container.HostConfig{
			Binds: []string{d.Workspace + ":" + containerWorkspace},
		}
	}

	name := "blockci-" + uuid.NewString()
	resp, err := d.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config: &container.Config{
			Tty:        false,
			Env:        d.Env,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: containerWorkspace,
		},
		HostConfig: hostConfig,
		Name:       name,
		Image:      image,
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	s := &dockerSession{client: d.client, containerID: resp.ID}
	if _, err := d.client.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			glog.Warningf("docker: removing %s after failed start: %v", name, cerr)
		}
		return nil, fmt.Errorf("start container: %w", err)
	}
	glog.V(1).Infof("docker: started %s (%s) from %s", name, resp.ID, image)
	return s, nil
}

type dockerSession struct {
	client      *client.Client
	containerID string
}

func (s *dockerSession) Run(ctx context.Context, command string, out io.Writer) (core.ExitOutcome, error) {
	execResp, err := s.client.ExecCreate(ctx, s.containerID, client.ExecCreateOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   containerWorkspace,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return core.ExitOutcome{ExitCode: -1}, err
	}

	attach, err := s.client.ExecAttach(ctx, execResp.ID, client.ExecAttachOptions{})
	if err != nil {
		return core.ExitOutcome{ExitCode: -1}, err
	}
	defer attach.Close()

	// unblock the copy when the job is cancelled or times out
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	if _, err := stdcopy.StdCopy(out, out, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return core.ExitOutcome{ExitCode: -1}, ctx.Err()
		}
		return core.ExitOutcome{ExitCode: -1}, err
	}
	if ctx.Err() != nil {
		return core.ExitOutcome{ExitCode: -1}, ctx.Err()
	}

	inspect, err := s.client.ExecInspect(ctx, execResp.ID, client.ExecInspectOptions{})
	if err != nil {
		return core.ExitOutcome{ExitCode: -1}, err
	}
	return core.ExitOutcome{ExitCode: inspect.ExitCode}, nil
}

func (s *dockerSession) Close(ctx context.Context) error {
	if _, err := s.client.ContainerStop(ctx, s.containerID, client.ContainerStopOptions{}); err != nil {
		glog.Warningf("docker: stop %s: %v", s.containerID, err)
	}
	_, err := s.client.ContainerRemove(ctx, s.containerID, client.ContainerRemoveOptions{
		Force: true,
	})
	return err
}
