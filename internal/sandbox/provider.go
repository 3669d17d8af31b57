package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/Cloud-V/Backend-sub002/internal/config"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

// Spec describes a sandbox to provision.
type Spec struct {
	Image      string
	StagingDir string
	Timeout    time.Duration
	OnTimeout  func(error)
	Labels     map[string]string
}

// Provider creates sandboxes. Each sandbox belongs to exactly one job and is
// never reused.
type Provider struct {
	api    ContainerAPI
	config *config.Config
	logger *logrus.Entry
}

// NewProvider creates a new sandbox provider
func NewProvider(api ContainerAPI, cfg *config.Config) *Provider {
	return &Provider{
		api:    api,
		config: cfg,
		logger: logrus.WithField("component", "sandbox"),
	}
}

// NewDockerClient connects to the docker daemon described by the environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// InputDir is where staging directories are mounted read-only.
func (p *Provider) InputDir() string {
	return p.config.SandboxInputDir
}

// Create provisions and starts a container with spec.StagingDir bound
// read-only at the input directory. The container's timer starts as soon as
// it is running.
func (p *Provider) Create(ctx context.Context, spec Spec) (*Sandbox, error) {
	image := spec.Image
	if image == "" {
		image = p.config.SandboxImage
	}

	labels := map[string]string{"io.cloudv.sandbox": "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory: p.config.SandboxMemoryLimit,
		},
	}
	if spec.StagingDir != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.StagingDir,
			Target:   p.config.SandboxInputDir,
			ReadOnly: true,
		}}
	}

	created, err := p.api.ContainerCreate(ctx, &container.Config{
		Image:           image,
		Cmd:             []string{"sleep", "infinity"},
		WorkingDir:      p.config.SandboxWorkdir,
		NetworkDisabled: p.config.SandboxDisableNetworking,
		Labels:          labels,
	}, hostConfig, nil, nil, "")
	if err != nil {
		p.logger.WithError(err).Error("Failed to create sandbox container")
		return nil, apperrors.NewEnvironment(fmt.Errorf("container create: %w", err))
	}

	if err := p.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		p.logger.WithError(err).Error("Failed to start sandbox container")
		if rmErr := p.api.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			p.logger.WithError(rmErr).Warn("Failed to remove container that did not start")
		}
		return nil, apperrors.NewEnvironment(fmt.Errorf("container start: %w", err))
	}

	p.logger.WithFields(logrus.Fields{
		"container_id": shortID(created.ID),
		"image":        image,
		"timeout":      spec.Timeout,
	}).Debug("Sandbox started")

	return newSandbox(p.api, created.ID, p.config.SandboxWorkdir, p.config.OutputMaxSize, spec.Timeout, spec.OnTimeout, p.logger), nil
}
