package k8s

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/pkg/provider"
)

// Labels and annotations written on lab resources
const (
	LabelManagedBy    = "app.kubernetes.io/managed-by"
	LabelSession      = "labrange.io/session-id"
	LabelMachine      = "labrange.io/machine"
	LabelRole         = "labrange.io/role"
	LabelNetworkGroup = "labrange.io/network-group"

	AnnotationTaskDefinition = "labrange.io/task-definition"
	AnnotationInfraSubnets   = "labrange.io/infra-subnets"
	AnnotationInfraGroups    = "labrange.io/infra-security-groups"
	AnnotationPivotHost      = "labrange.io/pivot-host"
	// AnnotationTagPrefix prefixes task tags, which are stored as annotations
	AnnotationTagPrefix = "labrange.io/tag-"

	// LabelEnforced is never set on lab pods. Isolation policies select on it,
	// so they record reachability intent without being enforced.
	LabelEnforced = "labrange.io/isolation-enforced"

	managedBy = "labrange"
)

// Client implements the container runtime and network fabric contracts on
// Kubernetes. Each session gets a namespace, each machine a pod, and each
// isolation group is a NetworkPolicy selecting one machine's pod.
type Client struct {
	clientset       kubernetes.Interface
	namespacePrefix string
	runtimeClass    string
	logger          *zap.Logger
}

var (
	_ provider.ContainerRuntime = (*Client)(nil)
	_ provider.NetworkFabric    = (*Client)(nil)
	_ provider.SessionReleaser  = (*Client)(nil)
)

// NewClient creates a new Kubernetes client
func NewClient(cfg config.KubernetesConfig, logger *zap.Logger) (*Client, error) {
	var restConfig *rest.Config
	var err error

	if cfg.Kubeconfig == "" {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build config from kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return NewClientWithClientset(clientset, cfg, logger), nil
}

// NewClientWithClientset wraps an existing clientset
func NewClientWithClientset(clientset kubernetes.Interface, cfg config.KubernetesConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		clientset:       clientset,
		namespacePrefix: cfg.NamespacePrefix,
		runtimeClass:    cfg.RuntimeClass,
		logger:          logger,
	}
}

// HealthCheck performs a health check against the Kubernetes API
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.clientset.Discovery().ServerVersion()
	return err
}

// GetServerVersion returns the Kubernetes server version
func (c *Client) GetServerVersion(ctx context.Context) (string, error) {
	version, err := c.clientset.Discovery().ServerVersion()
	if err != nil {
		return "", err
	}
	return version.GitVersion, nil
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// dnsLabel turns an arbitrary name into a valid RFC 1123 label
func dnsLabel(name string) string {
	s := invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	if len(s) > 63 {
		s = s[:63]
	}
	s = strings.Trim(s, "-")
	if s == "" {
		s = "x"
	}
	return s
}

// splitRef parses a "namespace/name" reference
func splitRef(ref string) (string, string, error) {
	ns, name, ok := strings.Cut(ref, "/")
	if !ok || ns == "" || name == "" {
		return "", "", fmt.Errorf("malformed reference %q", ref)
	}
	return ns, name, nil
}
