package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Discoverer builds the resource inventory of a snapshot from the API server.
// Usage series are filled in later by a datasource.
type Discoverer struct {
	clientset     kubernetes.Interface
	metricsClient metricsv.Interface
	exclude       func(namespace string) bool
	logger        *zap.Logger
}

// New creates a discoverer. Deployments and autoscalers in namespaces for
// which exclude returns true are skipped; their pods still count against
// node capacity. A nil exclude keeps everything.
func New(clientset kubernetes.Interface, metricsClient metricsv.Interface, exclude func(string) bool, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exclude == nil {
		exclude = func(string) bool { return false }
	}
	return &Discoverer{
		clientset:     clientset,
		metricsClient: metricsClient,
		exclude:       exclude,
		logger:        logger,
	}
}

// NewFromKubeconfig connects with the given kubeconfig, or ~/.kube/config
// when it is empty
func NewFromKubeconfig(kubeconfig string, exclude func(string) bool, logger *zap.Logger) (*Discoverer, error) {
	if kubeconfig == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	metricsClient, err := metricsv.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics client: %w", err)
	}

	return New(clientset, metricsClient, exclude, logger), nil
}

// Discover lists deployments, pods, autoscalers and nodes across all
// namespaces. The returned snapshot has no window and no usage series.
func (d *Discoverer) Discover(ctx context.Context) (*models.Snapshot, error) {
	version, err := d.clientset.Discovery().ServerVersion()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}
	d.logger.Info("Connected to cluster", zap.String("version", version.GitVersion))

	deployments, err := d.clientset.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	replicaSets, err := d.clientset.AppsV1().ReplicaSets(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list replicasets: %w", err)
	}

	pdbs, err := d.clientset.PolicyV1().PodDisruptionBudgets(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pod disruption budgets: %w", err)
	}

	pods, err := d.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	hpas, err := d.clientset.AutoscalingV2().HorizontalPodAutoscalers(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list horizontal pod autoscalers: %w", err)
	}

	nodes, err := d.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	snap := &models.Snapshot{}

	for _, deploy := range deployments.Items {
		if d.exclude(deploy.Namespace) {
			continue
		}
		snap.Deployments = append(snap.Deployments, deploymentInput(deploy, pdbs.Items))
	}

	owners := replicaSetOwners(replicaSets.Items)
	for _, pod := range pods.Items {
		snap.Pods = append(snap.Pods, podInput(pod, owners))
	}

	for _, h := range hpas.Items {
		if d.exclude(h.Namespace) {
			continue
		}
		snap.HPAs = append(snap.HPAs, hpaInput(h))
	}

	usage := d.nodeMemoryUsage(ctx)
	for _, node := range nodes.Items {
		snap.Nodes = append(snap.Nodes, nodeInput(node, usage))
	}

	sort.Slice(snap.Deployments, func(i, j int) bool { return snap.Deployments[i].Ref().Key() < snap.Deployments[j].Ref().Key() })
	sort.Slice(snap.Pods, func(i, j int) bool { return snap.Pods[i].Ref().Key() < snap.Pods[j].Ref().Key() })
	sort.Slice(snap.HPAs, func(i, j int) bool { return snap.HPAs[i].Ref().Key() < snap.HPAs[j].Ref().Key() })
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].Name < snap.Nodes[j].Name })

	d.logger.Info("Discovered resources",
		zap.Int("deployments", len(snap.Deployments)),
		zap.Int("pods", len(snap.Pods)),
		zap.Int("hpas", len(snap.HPAs)),
		zap.Int("nodes", len(snap.Nodes)))

	return snap, nil
}

// nodeMemoryUsage reads current node memory from metrics-server. Without
// metrics-server the map is empty and packing efficiency falls back to pod usage.
func (d *Discoverer) nodeMemoryUsage(ctx context.Context) map[string]float64 {
	usage := make(map[string]float64)
	if d.metricsClient == nil {
		return usage
	}

	list, err := d.metricsClient.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		d.logger.Warn("Node metrics unavailable", zap.Error(err))
		return usage
	}
	for _, m := range list.Items {
		if mem, ok := m.Usage[corev1.ResourceMemory]; ok {
			usage[m.Name] = float64(mem.Value())
		}
	}
	return usage
}

func deploymentInput(deploy appsv1.Deployment, pdbs []policyv1.PodDisruptionBudget) models.DeploymentInput {
	replicas := int32(1)
	if deploy.Spec.Replicas != nil {
		replicas = *deploy.Spec.Replicas
	}

	cpu, mem := containerRequests(deploy.Spec.Template.Spec.Containers)
	return models.DeploymentInput{
		Namespace:             deploy.Namespace,
		Name:                  deploy.Name,
		Replicas:              replicas,
		CPURequest:            cpu,
		MemoryRequest:         mem,
		InitContainers:        len(deploy.Spec.Template.Spec.InitContainers),
		PDBDisruptionsAllowed: disruptionsAllowed(deploy, pdbs),
	}
}

// disruptionsAllowed returns the lowest DisruptionsAllowed of the budgets
// selecting the deployment's pod template, or nil when none does. An empty
// policy/v1 selector selects every pod in its namespace.
func disruptionsAllowed(deploy appsv1.Deployment, pdbs []policyv1.PodDisruptionBudget) *int32 {
	var allowed *int32
	podLabels := labels.Set(deploy.Spec.Template.Labels)

	for _, pdb := range pdbs {
		if pdb.Namespace != deploy.Namespace || pdb.Spec.Selector == nil {
			continue
		}
		selector, err := metav1.LabelSelectorAsSelector(pdb.Spec.Selector)
		if err != nil || !selector.Matches(podLabels) {
			continue
		}
		if allowed == nil || pdb.Status.DisruptionsAllowed < *allowed {
			v := pdb.Status.DisruptionsAllowed
			allowed = &v
		}
	}
	return allowed
}

// replicaSetOwners maps namespace/replicaset to the owning Deployment name
func replicaSetOwners(replicaSets []appsv1.ReplicaSet) map[string]string {
	owners := make(map[string]string)
	for _, rs := range replicaSets {
		if ref := metav1.GetControllerOf(&rs); ref != nil && ref.Kind == string(models.KindDeployment) {
			owners[rs.Namespace+"/"+rs.Name] = ref.Name
		}
	}
	return owners
}

func podInput(pod corev1.Pod, owners map[string]string) models.PodInput {
	cpu, mem := containerRequests(pod.Spec.Containers)
	in := models.PodInput{
		Namespace:     pod.Namespace,
		Name:          pod.Name,
		Node:          pod.Spec.NodeName,
		Phase:         string(pod.Status.Phase),
		CPURequest:    cpu,
		MemoryRequest: mem,
	}

	if ref := metav1.GetControllerOf(&pod); ref != nil {
		in.OwnerKind, in.OwnerName = models.ResourceKind(ref.Kind), ref.Name
		if ref.Kind == "ReplicaSet" {
			if deployment, ok := owners[pod.Namespace+"/"+ref.Name]; ok {
				in.OwnerKind, in.OwnerName = models.KindDeployment, deployment
			}
		}
	}
	return in
}

func hpaInput(h autoscalingv2.HorizontalPodAutoscaler) models.HPAInput {
	minReplicas := int32(1)
	if h.Spec.MinReplicas != nil {
		minReplicas = *h.Spec.MinReplicas
	}

	in := models.HPAInput{
		Namespace:       h.Namespace,
		Name:            h.Name,
		TargetKind:      h.Spec.ScaleTargetRef.Kind,
		TargetName:      h.Spec.ScaleTargetRef.Name,
		MinReplicas:     minReplicas,
		MaxReplicas:     h.Spec.MaxReplicas,
		CurrentReplicas: h.Status.CurrentReplicas,
		DesiredReplicas: h.Status.DesiredReplicas,
	}

	// the first resource utilization metric is the one the facts describe
	for _, m := range h.Spec.Metrics {
		if m.Type != autoscalingv2.ResourceMetricSourceType || m.Resource == nil {
			continue
		}
		target := m.Resource.Target
		if target.Type != autoscalingv2.UtilizationMetricType || target.AverageUtilization == nil {
			continue
		}
		in.MetricType = string(m.Resource.Name)
		in.TargetUtilizationPercent = float64(*target.AverageUtilization)
		break
	}
	return in
}

func nodeInput(node corev1.Node, usage map[string]float64) models.NodeInput {
	in := models.NodeInput{Name: node.Name}
	if cpu, ok := node.Status.Allocatable[corev1.ResourceCPU]; ok {
		in.CPUAllocatable = float64(cpu.MilliValue()) / 1000
	}
	if mem, ok := node.Status.Allocatable[corev1.ResourceMemory]; ok {
		in.MemoryAllocatable = float64(mem.Value())
	}
	if mem, ok := usage[node.Name]; ok {
		in.MemoryUsage = &mem
	}
	return in
}

// containerRequests sums requests in cores and bytes
func containerRequests(containers []corev1.Container) (float64, float64) {
	var cpu, mem float64
	for _, c := range containers {
		if q, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
			cpu += float64(q.MilliValue()) / 1000
		}
		if q, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
			mem += float64(q.Value())
		}
	}
	return cpu, mem
}
