// Package kubernetes runs each sandbox instance as a single pod holding one
// container per node or daemon.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sandboxlab/sandboxd/common/retry"
	"github.com/sandboxlab/sandboxd/internal/sandbox/backend"
	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
	"github.com/sandboxlab/sandboxd/internal/sandbox/registry"
)

// InCluster selects the service-account configuration instead of a
// kubeconfig file.
const InCluster = "incluster"

const dataVolume = "data"

var errPodTerminated = errors.New("pod terminated before becoming ready")

// Options configure a Backend.
type Options struct {
	Namespace       string
	DefaultImage    string
	OrchestratorURL string

	// PodReady bounds the wait for a pod to run with an IP.
	PodReady retry.Config
	// PodGone bounds the wait for a deleted pod to disappear.
	PodGone retry.Config
}

// DefaultPodPoll polls once a second for up to two minutes.
var DefaultPodPoll = retry.Config{MaxAttempts: 120, InitialDelay: time.Second, MaxDelay: time.Second}

// Backend implements backend.Backend on the Kubernetes pod API.
type Backend struct {
	client   k8sclient.Interface
	registry registry.Registry
	preparer backend.Preparer
	opts     Options
	now      func() time.Time
}

var _ backend.Backend = (*Backend)(nil)

// RESTConfig loads in-cluster credentials when kubeconfig is InCluster and
// the named kubeconfig file otherwise.
func RESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == InCluster {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %s: %w", kubeconfig, err)
	}
	return cfg, nil
}

// New builds a backend from a kubeconfig location (see RESTConfig).
func New(kubeconfig string, reg registry.Registry, prep backend.Preparer, opts Options) (*Backend, error) {
	cfg, err := RESTConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	cs, err := k8sclient.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewWithClient(cs, reg, prep, opts), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(cs k8sclient.Interface, reg registry.Registry, prep backend.Preparer, opts Options) *Backend {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.DefaultImage == "" {
		opts.DefaultImage = instance.DefaultImage
	}
	if opts.PodReady.MaxAttempts == 0 {
		opts.PodReady = DefaultPodPoll
	}
	if opts.PodGone.MaxAttempts == 0 {
		opts.PodGone = DefaultPodPoll
	}
	return &Backend{client: cs, registry: reg, preparer: prep, opts: opts, now: time.Now}
}

func (b *Backend) Name() string { return "kubernetes" }

// PodName is the pod holding every sub-resource of an instance.
func PodName(instanceID string) string {
	return "sandbox-" + instanceID
}

func (b *Backend) Launch(ctx context.Context, req *instance.CreateRequest) (*instance.Instance, error) {
	pod, ports, err := b.buildPod(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", instance.ErrProvisioning, req.InstanceID, err)
	}

	pods := b.client.CoreV1().Pods(b.opts.Namespace)
	if _, err := pods.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("%w: %s: create pod: %w", instance.ErrProvisioning, req.InstanceID, err)
	}

	fail := func(err error) (*instance.Instance, error) {
		if derr := b.deletePod(context.WithoutCancel(ctx), pod.Name); derr != nil {
			slog.Warn("pod teardown after failed launch", "pod", pod.Name, "err", derr)
		}
		return nil, fmt.Errorf("%w: %s: %w", instance.ErrProvisioning, req.InstanceID, err)
	}

	podIP, err := b.waitRunning(ctx, pod.Name)
	if err != nil {
		return fail(err)
	}

	nodes := make(map[string]instance.Handle, len(req.Nodes))
	for _, name := range backend.SortedNames(req.Nodes) {
		h := instance.Handle{ID: name, Host: podIP, Port: ports[name], BackendID: pod.Name}
		if err := b.preparer.Prepare(ctx, backend.NodeURL(h), req.Nodes[name]); err != nil {
			return fail(fmt.Errorf("prepare node %s: %w", name, err))
		}
		nodes[name] = h
	}
	daemons := make(map[string]instance.Handle, len(req.Daemons))
	for name := range req.Daemons {
		daemons[name] = instance.Handle{ID: name, BackendID: pod.Name}
	}

	inst, err := backend.NewRecord(req, nodes, daemons, b.now())
	if err != nil {
		return fail(err)
	}
	slog.Info("kubernetes instance launched", "instance_id", req.InstanceID, "pod", pod.Name, "pod_ip", podIP)
	return inst, nil
}

func (b *Backend) buildPod(req *instance.CreateRequest) (*corev1.Pod, map[string]int, error) {
	mount := []corev1.VolumeMount{{Name: dataVolume, MountPath: "/data"}}
	ports := make(map[string]int, len(req.Nodes))
	var containers []corev1.Container

	for i, name := range backend.SortedNames(req.Nodes) {
		spec := req.Nodes[name]
		port := instance.NodePort + i
		ports[name] = port

		res, err := requirements(spec.Resources)
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: %w", name, err)
		}
		img := spec.Image
		if img == "" {
			img = b.opts.DefaultImage
		}
		containers = append(containers, corev1.Container{
			Name:         name,
			Image:        img,
			Command:      []string{"anvil"},
			Args:         instance.NodeArgs(spec, name, port),
			Ports:        []corev1.ContainerPort{{Name: fmt.Sprintf("rpc-%d", i), ContainerPort: int32(port)}},
			VolumeMounts: mount,
			Resources:    res,
		})
	}

	for _, name := range backend.SortedNames(req.Daemons) {
		spec := req.Daemons[name]
		res, err := requirements(spec.Resources)
		if err != nil {
			return nil, nil, fmt.Errorf("daemon %s: %w", name, err)
		}
		env := []corev1.EnvVar{
			{Name: "INSTANCE_ID", Value: req.InstanceID},
			{Name: "ORCHESTRATOR_URL", Value: b.opts.OrchestratorURL},
		}
		for _, k := range backend.SortedNames(spec.Env) {
			env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
		}
		containers = append(containers, corev1.Container{
			Name:      name,
			Image:     spec.Image,
			Env:       env,
			Resources: res,
		})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PodName(req.InstanceID),
			Namespace: b.opts.Namespace,
			Labels:    backend.Labels(req, ""),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers:    containers,
			Volumes: []corev1.Volume{{
				Name:         dataVolume,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
		},
	}
	return pod, ports, nil
}

func requirements(r instance.Resources) (corev1.ResourceRequirements, error) {
	limits := corev1.ResourceList{}
	if r.CPU != "" {
		q, err := resource.ParseQuantity(r.CPU)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("%w: cpu %q", instance.ErrInvalidRequest, r.CPU)
		}
		limits[corev1.ResourceCPU] = q
	}
	if r.Memory != "" {
		q, err := resource.ParseQuantity(r.Memory)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("%w: memory %q", instance.ErrInvalidRequest, r.Memory)
		}
		limits[corev1.ResourceMemory] = q
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}, nil
	}
	return corev1.ResourceRequirements{Limits: limits}, nil
}

// waitRunning polls the pod until it is Running with an IP. A terminal phase
// stops the wait immediately.
func (b *Backend) waitRunning(ctx context.Context, name string) (string, error) {
	pods := b.client.CoreV1().Pods(b.opts.Namespace)
	var ip string
	err := retry.Do(ctx, b.opts.PodReady, func() error {
		pod, err := pods.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("get pod: %w", err)
		}
		switch pod.Status.Phase {
		case corev1.PodFailed, corev1.PodSucceeded:
			return retry.Permanent(fmt.Errorf("%w: phase %s", errPodTerminated, pod.Status.Phase))
		case corev1.PodRunning:
			if pod.Status.PodIP != "" {
				ip = pod.Status.PodIP
				return nil
			}
		}
		return fmt.Errorf("pod %s is %s", name, pod.Status.Phase)
	})
	return ip, err
}

// deletePod deletes the pod and waits until the API no longer returns it.
func (b *Backend) deletePod(ctx context.Context, name string) error {
	pods := b.client.CoreV1().Pods(b.opts.Namespace)
	if err := pods.Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return retry.Do(ctx, b.opts.PodGone, func() error {
		_, err := pods.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("pod %s still terminating", name)
	})
}

func (b *Backend) Cleanup(ctx context.Context, req *instance.CreateRequest) error {
	name := PodName(req.InstanceID)
	pod, err := b.client.CoreV1().Pods(b.opts.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get pod %s: %w", name, err)
	}
	if !backend.OwnedBy(pod.Labels, req) {
		slog.Debug("cleanup skipping pod from another launch", "pod", name)
		return nil
	}
	return b.deletePod(ctx, name)
}

func (b *Backend) Kill(ctx context.Context, instanceID string) (*instance.Instance, error) {
	return backend.KillRecord(ctx, b.registry, instanceID, func(ctx context.Context, inst *instance.Instance) error {
		if err := b.deletePod(ctx, PodName(inst.InstanceID)); err != nil {
			return err
		}
		slog.Info("kubernetes instance destroyed", "instance_id", inst.InstanceID)
		return nil
	})
}
