package kube

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth" // Important for various auth providers
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultTimeout bounds plain API requests. Port-forward streams are not
// affected once upgraded.
const DefaultTimeout = 30 * time.Second

// RESTConfig loads a REST config the way kubectl does. An empty kubeconfigPath
// uses the default loading rules (KUBECONFIG, then ~/.kube/config) and an empty
// kubeContext uses the current context.
var RESTConfig = func(kubeconfigPath, kubeContext string) (*rest.Config, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	configOverrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)

	restConfig, err := kubeConfig.ClientConfig()
	if err != nil {
		if kubeContext == "" {
			return nil, fmt.Errorf("failed to get REST config: %w", err)
		}
		return nil, fmt.Errorf("failed to get REST config for context %q: %w", kubeContext, err)
	}
	return restConfig, nil
}

// CurrentContext returns the context RESTConfig would use for kubeconfigPath.
func CurrentContext(kubeconfigPath string) (string, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	config, err := loadingRules.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	if config.CurrentContext == "" {
		return "", fmt.Errorf("current kubeconfig context is not set")
	}
	return config.CurrentContext, nil
}

// Client is a Kubernetes client that can open port-forward transports.
type Client struct {
	config    *rest.Config
	clientset kubernetes.Interface
}

// NewClient creates a Client for restConfig.
func NewClient(restConfig *rest.Config) (*Client, error) {
	apiConfig := rest.CopyConfig(restConfig)
	if apiConfig.Timeout == 0 {
		apiConfig.Timeout = DefaultTimeout
	}
	clientset, err := kubernetes.NewForConfig(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes clientset: %w", err)
	}
	return &Client{config: restConfig, clientset: clientset}, nil
}

// NewClientForContext loads the kubeconfig and creates a Client for it.
func NewClientForContext(kubeconfigPath, kubeContext string) (*Client, error) {
	restConfig, err := RESTConfig(kubeconfigPath, kubeContext)
	if err != nil {
		return nil, err
	}
	return NewClient(restConfig)
}

// Clientset returns the typed clientset.
func (c *Client) Clientset() kubernetes.Interface {
	return c.clientset
}

// ResolvePod resolves target to a pod name; see ResolvePod.
func (c *Client) ResolvePod(ctx context.Context, namespace, target string) (string, error) {
	return ResolvePod(ctx, c.clientset, namespace, target)
}

// ResolvePod resolves a target like "pod/my-pod", "service/my-svc" or a bare pod
// name to a pod that can be port-forwarded to. For services, a running pod with
// all containers ready is picked from the service's selector.
func ResolvePod(ctx context.Context, clientset kubernetes.Interface, namespace, target string) (string, error) {
	resourceType, resourceName := "pod", target
	if parts := strings.SplitN(target, "/", 2); len(parts) == 2 {
		resourceType, resourceName = strings.ToLower(parts[0]), parts[1]
	}
	if resourceName == "" {
		return "", fmt.Errorf("invalid target %q, expected [type/]name (e.g., pod/my-pod or service/my-service)", target)
	}

	switch resourceType {
	case "pod", "pods", "po":
		return resourceName, nil
	case "service", "services", "svc":
	default:
		return "", fmt.Errorf("unsupported resource type %q in %q", resourceType, target)
	}

	svc, err := clientset.CoreV1().Services(namespace).Get(ctx, resourceName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get service %s/%s: %w", namespace, resourceName, err)
	}
	if len(svc.Spec.Selector) == 0 {
		return "", fmt.Errorf("service %s/%s has no selector, cannot find backing pods", namespace, resourceName)
	}

	selector := labels.SelectorFromSet(svc.Spec.Selector)
	podList, err := clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", fmt.Errorf("failed to list pods for service %s/%s: %w", namespace, resourceName, err)
	}
	if len(podList.Items) == 0 {
		return "", fmt.Errorf("no pods found for service %s/%s with selector %s", namespace, resourceName, selector.String())
	}

	for i := range podList.Items {
		if isPodReady(&podList.Items[i]) {
			return podList.Items[i].Name, nil
		}
	}
	return "", fmt.Errorf("no ready pods found for service %s/%s (selector: %s)", namespace, resourceName, selector.String())
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
		return false
	}
	ready := false
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			ready = true
			break
		}
	}
	if !ready {
		return false
	}
	// Running but container statuses not reported yet means still initializing.
	if len(pod.Status.ContainerStatuses) == 0 && len(pod.Spec.Containers) > 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}

// ParsePortMapping parses "local:remote" or a single "port" used for both ends.
// A local port of 0 picks a free port.
func ParsePortMapping(portString string) (localPort, remotePort int, err error) {
	portParts := strings.Split(portString, ":")
	switch len(portParts) {
	case 1:
		portParts = []string{portParts[0], portParts[0]}
	case 2:
	default:
		return 0, 0, fmt.Errorf("invalid port string %q, expected format local:remote", portString)
	}

	local, err := strconv.ParseUint(portParts[0], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid local port %q: %w", portParts[0], err)
	}
	remote, err := strconv.ParseUint(portParts[1], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid remote port %q: %w", portParts[1], err)
	}
	if remote == 0 {
		return 0, 0, fmt.Errorf("remote port must not be 0 in %q", portString)
	}
	return int(local), int(remote), nil
}
