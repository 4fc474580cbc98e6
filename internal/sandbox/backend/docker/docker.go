// Package docker runs sandbox instances as containers on a local Docker
// Engine. Each instance gets one named volume and one container per node or
// daemon, all attached to a shared bridge network.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/sandboxlab/sandboxd/internal/sandbox/backend"
	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
)

// DefaultNetwork is the bridge network instances are attached to.
const DefaultNetwork = "sandboxd"

// engine is the subset of the Docker client the backend calls.
type engine interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Options configure a Backend.
type Options struct {
	// Network is the bridge network name. Defaults to DefaultNetwork.
	Network string
	// DefaultImage replaces an empty node image.
	DefaultImage string
	// OrchestratorURL is passed to daemons as ORCHESTRATOR_URL.
	OrchestratorURL string
}

// Backend implements backend.Backend on the Docker Engine API.
type Backend struct {
	engine   engine
	client   *dockerclient.Client
	registry registry.Registry
	preparer backend.Preparer
	opts     Options
	now      func() time.Time
}

var _ backend.Backend = (*Backend)(nil)

// New connects to the engine named by DOCKER_HOST (or the default socket).
func New(reg registry.Registry, prep backend.Preparer, opts Options) (*Backend, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	b := newBackend(cli, reg, prep, opts)
	b.client = cli
	return b, nil
}

func newBackend(e engine, reg registry.Registry, prep backend.Preparer, opts Options) *Backend {
	if opts.Network == "" {
		opts.Network = DefaultNetwork
	}
	if opts.DefaultImage == "" {
		opts.DefaultImage = instance.DefaultImage
	}
	return &Backend{engine: e, registry: reg, preparer: prep, opts: opts, now: time.Now}
}

func (b *Backend) Name() string { return "docker" }

// Close releases the engine connection.
func (b *Backend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// EnsureNetwork creates the bridge network if it doesn't exist.
func (b *Backend) EnsureNetwork(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	nets, err := b.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", b.opts.Network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == b.opts.Network {
			return nil
		}
	}
	_, err = b.client.NetworkCreate(ctx, b.opts.Network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{backend.LabelManagedBy: backend.ManagedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", b.opts.Network, err)
	}
	slog.Info("created docker network", "network", b.opts.Network)
	return nil
}

func (b *Backend) Launch(ctx context.Context, req *instance.CreateRequest) (*instance.Instance, error) {
	if err := backend.ValidateResources(req); err != nil {
		return nil, err
	}

	var created []string
	volumeCreated := false
	fail := func(err error) (*instance.Instance, error) {
		// The caller's ctx may already be cancelled; teardown still has to run.
		cleanupCtx := context.WithoutCancel(ctx)
		for _, id := range created {
			b.destroyContainer(cleanupCtx, id)
		}
		if volumeCreated {
			b.destroyVolume(cleanupCtx, req.InstanceID)
		}
		return nil, fmt.Errorf("%w: %s: %w", instance.ErrProvisioning, req.InstanceID, err)
	}

	if _, err := b.engine.VolumeCreate(ctx, volume.CreateOptions{
		Name:   req.InstanceID,
		Labels: backend.Labels(req, ""),
	}); err != nil {
		return fail(fmt.Errorf("create volume: %w", err))
	}
	volumeCreated = true

	nodes := make(map[string]instance.Handle, len(req.Nodes))
	for _, name := range backend.SortedNames(req.Nodes) {
		spec := req.Nodes[name]
		id, err := b.startNode(ctx, req, name, spec)
		if id != "" {
			created = append(created, id)
		}
		if err != nil {
			return fail(fmt.Errorf("node %s: %w", name, err))
		}
		nodes[name] = instance.Handle{
			ID:        name,
			Host:      backend.ResourceName(req.InstanceID, name),
			Port:      instance.NodePort,
			BackendID: id,
		}
	}

	for _, name := range backend.SortedNames(req.Nodes) {
		if err := b.preparer.Prepare(ctx, backend.NodeURL(nodes[name]), req.Nodes[name]); err != nil {
			return fail(fmt.Errorf("prepare node %s: %w", name, err))
		}
	}

	daemons := make(map[string]instance.Handle, len(req.Daemons))
	for _, name := range backend.SortedNames(req.Daemons) {
		id, err := b.startDaemon(ctx, req, name, req.Daemons[name])
		if id != "" {
			created = append(created, id)
		}
		if err != nil {
			return fail(fmt.Errorf("daemon %s: %w", name, err))
		}
		daemons[name] = instance.Handle{ID: name, BackendID: id}
	}

	inst, err := backend.NewRecord(req, nodes, daemons, b.now())
	if err != nil {
		return fail(err)
	}
	slog.Info("docker instance launched", "instance_id", req.InstanceID, "nodes", len(nodes), "daemons", len(daemons))
	return inst, nil
}

func (b *Backend) startNode(ctx context.Context, req *instance.CreateRequest, name string, spec instance.NodeSpec) (string, error) {
	img := spec.Image
	if img == "" {
		img = b.opts.DefaultImage
	}
	script := fmt.Sprintf("while true; do anvil %s; sleep 1; done",
		instance.ShellQuote(instance.NodeArgs(spec, name, instance.NodePort)))

	cfg := &container.Config{
		Image:      img,
		Entrypoint: []string{"sh", "-c"},
		Cmd:        []string{script},
		Labels:     backend.Labels(req, name),
	}
	mounts := []mount.Mount{{Type: mount.TypeVolume, Source: req.InstanceID, Target: "/data"}}
	return b.run(ctx, req, name, cfg, spec.Resources, mounts)
}

func (b *Backend) startDaemon(ctx context.Context, req *instance.CreateRequest, name string, spec instance.DaemonSpec) (string, error) {
	env := []string{
		"INSTANCE_ID=" + req.InstanceID,
		"ORCHESTRATOR_URL=" + b.opts.OrchestratorURL,
	}
	for _, k := range backend.SortedNames(spec.Env) {
		env = append(env, k+"="+spec.Env[k])
	}
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: backend.Labels(req, name),
	}
	return b.run(ctx, req, name, cfg, spec.Resources, nil)
}

// run creates and starts one container. It returns the container id as soon
// as the container exists so a failed start is still torn down.
func (b *Backend) run(ctx context.Context, req *instance.CreateRequest, name string, cfg *container.Config, res instance.Resources, mounts []mount.Mount) (string, error) {
	if err := b.ensureImage(ctx, cfg.Image); err != nil {
		return "", err
	}
	limits, err := backend.ParseResources(res)
	if err != nil {
		return "", err
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
		Mounts:        mounts,
		Resources: container.Resources{
			NanoCPUs: limits.MilliCPU * 1_000_000,
			Memory:   limits.MemoryBytes,
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			b.opts.Network: {},
		},
	}

	resp, err := b.engine.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, backend.ResourceName(req.InstanceID, name))
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := b.engine.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (b *Backend) ensureImage(ctx context.Context, ref string) error {
	_, _, err := b.engine.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	slog.Info("pulling image", "image", ref)
	rc, err := b.engine.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (b *Backend) Cleanup(ctx context.Context, req *instance.CreateRequest) error {
	var errs []error
	for _, name := range req.SubResourceNames() {
		cname := backend.ResourceName(req.InstanceID, name)
		inspect, err := b.engine.ContainerInspect(ctx, cname)
		if errdefs.IsNotFound(err) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("inspect %s: %w", cname, err))
			continue
		}
		if inspect.Config == nil || !backend.OwnedBy(inspect.Config.Labels, req) {
			slog.Debug("cleanup skipping container from another launch", "container", cname)
			continue
		}
		b.destroyContainer(ctx, inspect.ID)
	}

	vol, err := b.engine.VolumeInspect(ctx, req.InstanceID)
	switch {
	case errdefs.IsNotFound(err):
	case err != nil:
		errs = append(errs, fmt.Errorf("inspect volume %s: %w", req.InstanceID, err))
	case backend.OwnedBy(vol.Labels, req):
		b.destroyVolume(ctx, req.InstanceID)
	}
	return errors.Join(errs...)
}

func (b *Backend) Kill(ctx context.Context, instanceID string) (*instance.Instance, error) {
	return backend.KillRecord(ctx, b.registry, instanceID, b.destroy)
}

func (b *Backend) destroy(ctx context.Context, inst *instance.Instance) error {
	for _, handles := range []map[string]instance.Handle{inst.Nodes, inst.Daemons} {
		for name, h := range handles {
			id := h.BackendID
			if id == "" {
				id = backend.ResourceName(inst.InstanceID, name)
			}
			b.destroyContainer(ctx, id)
		}
	}
	b.destroyVolume(ctx, inst.InstanceID)
	slog.Info("docker instance destroyed", "instance_id", inst.InstanceID)
	return nil
}

// destroyContainer kills then removes a container. A container that is not
// running (409) or already gone is not an error.
func (b *Backend) destroyContainer(ctx context.Context, id string) {
	if err := b.engine.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		switch {
		case errdefs.IsNotFound(err):
			slog.Warn("container not found on kill", "container", id)
			return
		case errdefs.IsConflict(err):
		default:
			slog.Warn("container kill failed", "container", id, "err", err)
		}
	}
	if err := b.engine.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Warn("container not found on remove", "container", id)
			return
		}
		slog.Warn("container remove failed", "container", id, "err", err)
	}
}

func (b *Backend) destroyVolume(ctx context.Context, name string) {
	if err := b.engine.VolumeRemove(ctx, name, true); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Warn("volume not found on remove", "volume", name)
			return
		}
		slog.Warn("volume remove failed", "volume", name, "err", err)
	}
}
