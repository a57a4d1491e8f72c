package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

func int32Ptr(v int32) *int32 { return &v }

func requests(cpu, mem string) corev1.ResourceRequirements {
	return corev1.ResourceRequirements{Requests: corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse(cpu),
		corev1.ResourceMemory: resource.MustParse(mem),
	}}
}

func controller(kind, name string) []metav1.OwnerReference {
	return []metav1.OwnerReference{{Kind: kind, Name: name, Controller: func() *bool { b := true; return &b }()}}
}

func fixtures() []runtime.Object {
	return []runtime.Object{
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "api"},
			Spec: appsv1.DeploymentSpec{
				Replicas: int32Ptr(3),
				Template: corev1.PodTemplateSpec{
					ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "api"}},
					Spec: corev1.PodSpec{
						InitContainers: []corev1.Container{{Name: "migrate"}},
						Containers: []corev1.Container{
							{Name: "app", Resources: requests("500m", "256Mi")},
							{Name: "sidecar", Resources: requests("100m", "64Mi")},
						},
					},
				},
			},
		},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Namespace: "kube-system", Name: "coredns"},
		},
		&appsv1.ReplicaSet{
			ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "api-7d9f8b", OwnerReferences: controller("Deployment", "api")},
		},
		&policyv1.PodDisruptionBudget{
			ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "api-loose"},
			Spec:       policyv1.PodDisruptionBudgetSpec{Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "api"}}},
			Status:     policyv1.PodDisruptionBudgetStatus{DisruptionsAllowed: 1},
		},
		&policyv1.PodDisruptionBudget{
			ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "api-strict"},
			Spec:       policyv1.PodDisruptionBudgetSpec{Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "api"}}},
			Status:     policyv1.PodDisruptionBudgetStatus{DisruptionsAllowed: 0},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "api-7d9f8b-x1", OwnerReferences: controller("ReplicaSet", "api-7d9f8b")},
			Spec: corev1.PodSpec{
				NodeName:   "node-a",
				Containers: []corev1.Container{{Name: "app", Resources: requests("500m", "256Mi")}},
			},
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
		},
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Namespace: "kube-system", Name: "kube-proxy-abc", OwnerReferences: controller("DaemonSet", "kube-proxy")},
			Spec: corev1.PodSpec{
				NodeName:   "node-a",
				Containers: []corev1.Container{{Name: "proxy", Resources: requests("100m", "50Mi")}},
			},
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
		},
		&autoscalingv2.HorizontalPodAutoscaler{
			ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "api"},
			Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
				ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{Kind: "Deployment", Name: "api"},
				MinReplicas:    int32Ptr(2),
				MaxReplicas:    6,
				Metrics: []autoscalingv2.MetricSpec{
					{Type: autoscalingv2.PodsMetricSourceType},
					{
						Type: autoscalingv2.ResourceMetricSourceType,
						Resource: &autoscalingv2.ResourceMetricSource{
							Name: corev1.ResourceCPU,
							Target: autoscalingv2.MetricTarget{
								Type:               autoscalingv2.UtilizationMetricType,
								AverageUtilization: int32Ptr(70),
							},
						},
					},
				},
			},
			Status: autoscalingv2.HorizontalPodAutoscalerStatus{CurrentReplicas: 3, DesiredReplicas: 3},
		},
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
			Status: corev1.NodeStatus{Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("3920m"),
				corev1.ResourceMemory: resource.MustParse("16Gi"),
			}},
		},
	}
}

func fakeMetrics(usage map[string]string) *metricsfake.Clientset {
	client := metricsfake.NewSimpleClientset()
	client.PrependReactor("list", "nodes", func(k8stesting.Action) (bool, runtime.Object, error) {
		list := &metricsv1beta1.NodeMetricsList{}
		for name, mem := range usage {
			list.Items = append(list.Items, metricsv1beta1.NodeMetrics{
				ObjectMeta: metav1.ObjectMeta{Name: name},
				Usage:      corev1.ResourceList{corev1.ResourceMemory: resource.MustParse(mem)},
			})
		}
		return true, list, nil
	})
	return client
}

func TestDiscover(t *testing.T) {
	d := New(fake.NewSimpleClientset(fixtures()...), fakeMetrics(map[string]string{"node-a": "8Gi"}), func(ns string) bool { return ns == "kube-system" }, nil)

	snap, err := d.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Deployments, 1)
	api := snap.Deployments[0]
	assert.Equal(t, "api", api.Name)
	assert.Equal(t, int32(3), api.Replicas)
	assert.InDelta(t, 0.6, api.CPURequest, 1e-9)
	assert.Equal(t, float64(320*1024*1024), api.MemoryRequest)
	assert.Equal(t, 1, api.InitContainers)
	require.NotNil(t, api.PDBDisruptionsAllowed)
	assert.Equal(t, int32(0), *api.PDBDisruptionsAllowed)

	require.Len(t, snap.Pods, 2)
	proxy, app := snap.Pods[0], snap.Pods[1]
	assert.Equal(t, "kube-proxy-abc", proxy.Name)
	assert.Equal(t, models.KindDaemonSet, proxy.OwnerKind)
	assert.Equal(t, models.KindDeployment, app.OwnerKind)
	assert.Equal(t, "api", app.OwnerName)
	assert.Equal(t, "node-a", app.Node)
	assert.Equal(t, "Running", app.Phase)

	require.Len(t, snap.HPAs, 1)
	h := snap.HPAs[0]
	assert.Equal(t, "cpu", h.MetricType)
	assert.Equal(t, 70.0, h.TargetUtilizationPercent)
	assert.Equal(t, int32(2), h.MinReplicas)
	assert.Equal(t, int32(6), h.MaxReplicas)
	assert.Equal(t, "api", h.TargetName)

	require.Len(t, snap.Nodes, 1)
	node := snap.Nodes[0]
	assert.InDelta(t, 3.92, node.CPUAllocatable, 1e-9)
	assert.Equal(t, float64(16*1024*1024*1024), node.MemoryAllocatable)
	require.NotNil(t, node.MemoryUsage)
	assert.Equal(t, float64(8*1024*1024*1024), *node.MemoryUsage)
}

func TestDiscoverWithoutMetricsServer(t *testing.T) {
	d := New(fake.NewSimpleClientset(fixtures()...), nil, nil, nil)

	snap, err := d.Discover(context.Background())
	require.NoError(t, err)

	assert.Len(t, snap.Deployments, 2)
	require.Len(t, snap.Nodes, 1)
	assert.Nil(t, snap.Nodes[0].MemoryUsage)
}

func TestDisruptionsAllowedSelectors(t *testing.T) {
	deploy := appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "web"},
		Spec: appsv1.DeploymentSpec{Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": "web"}},
		}},
	}
	pdbs := []policyv1.PodDisruptionBudget{
		{
			ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "api"},
			Spec:       policyv1.PodDisruptionBudgetSpec{Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "api"}}},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Namespace: "other", Name: "web"},
			Spec:       policyv1.PodDisruptionBudgetSpec{Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}}},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "everything"},
			Spec:       policyv1.PodDisruptionBudgetSpec{Selector: &metav1.LabelSelector{}},
			Status:     policyv1.PodDisruptionBudgetStatus{DisruptionsAllowed: 2},
		},
	}

	allowed := disruptionsAllowed(deploy, pdbs)
	require.NotNil(t, allowed)
	assert.Equal(t, int32(2), *allowed)

	assert.Nil(t, disruptionsAllowed(deploy, pdbs[:2]))
}

func TestHPAWithoutUtilizationTarget(t *testing.T) {
	h := autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{Namespace: "shop", Name: "queue"},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{Kind: "Deployment", Name: "queue"},
			MaxReplicas:    4,
		},
	}

	in := hpaInput(h)
	assert.Equal(t, int32(1), in.MinReplicas)
	assert.Empty(t, in.MetricType)
	assert.Zero(t, in.TargetUtilizationPercent)
}
