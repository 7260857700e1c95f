package k8s

import (
	"context"
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/provider"
)

// CreateIsolationGroup records one machine's reachability intent as a
// NetworkPolicy and returns its "namespace/policy" handle. The policy selects
// only pods labelled LabelEnforced, so it does not restrict the machine's pod.
func (c *Client) CreateIsolationGroup(ctx context.Context, sessionID string, spec provider.IsolationSpec) (string, error) {
	if spec.MachineName == "" {
		return "", fmt.Errorf("machine name is required")
	}

	namespace, err := c.ensureNamespace(ctx, sessionID)
	if err != nil {
		return "", err
	}

	policy := buildIsolationPolicy(namespace, sessionID, spec)
	created, err := c.clientset.NetworkingV1().NetworkPolicies(namespace).Create(ctx, policy, metav1.CreateOptions{})
	if err != nil {
		if !errors.IsAlreadyExists(err) {
			return "", fmt.Errorf("failed to create network policy for machine %s: %w", spec.MachineName, err)
		}
		return namespace + "/" + policy.Name, nil
	}

	return created.Namespace + "/" + created.Name, nil
}

// DeleteIsolationGroup deletes a NetworkPolicy by handle. Missing policies are not an error.
func (c *Client) DeleteIsolationGroup(ctx context.Context, groupHandle string) error {
	namespace, name, err := splitRef(groupHandle)
	if err != nil {
		return err
	}
	err = c.clientset.NetworkingV1().NetworkPolicies(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete network policy: %w", err)
	}
	return nil
}

// DescribeNetworkInterfaces reports pod network identities. An interface id is
// the "namespace/pod" reference of the pod that owns it; pods that are gone are omitted.
func (c *Client) DescribeNetworkInterfaces(ctx context.Context, ids []string) ([]provider.NetworkInterface, error) {
	out := make([]provider.NetworkInterface, 0, len(ids))
	for _, id := range ids {
		namespace, name, err := splitRef(id)
		if err != nil {
			return nil, err
		}
		pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get pod %s: %w", id, err)
		}

		ni := provider.NetworkInterface{
			ID:        id,
			PrivateIP: pod.Status.PodIP,
			SubnetID:  pod.Spec.NodeName,
		}
		switch {
		case pod.DeletionTimestamp != nil:
			ni.Status = provider.InterfaceDetaching
		case pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed:
			ni.Status = provider.InterfaceAvailable
		case pod.Status.PodIP != "":
			ni.Status = provider.InterfaceInUse
		default:
			ni.Status = provider.InterfaceAvailable
		}
		out = append(out, ni)
	}
	return out, nil
}

func buildIsolationPolicy(namespace, sessionID string, spec provider.IsolationSpec) *networkingv1.NetworkPolicy {
	udp := corev1.ProtocolUDP
	tcp := corev1.ProtocolTCP
	dnsPort := intstr.FromInt(53)

	// DNS egress is always required
	egress := []networkingv1.NetworkPolicyEgressRule{
		{
			Ports: []networkingv1.NetworkPolicyPort{
				{Protocol: &udp, Port: &dnsPort},
				{Protocol: &tcp, Port: &dnsPort},
			},
		},
	}
	var ingress []networkingv1.NetworkPolicyIngressRule

	sameSession := networkingv1.NetworkPolicyPeer{
		PodSelector: &metav1.LabelSelector{
			MatchLabels: map[string]string{LabelSession: dnsLabel(sessionID)},
		},
	}

	if spec.EgressAllowed {
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{})
	} else if spec.AllowInternalConnections {
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{sameSession},
		})
	}

	if spec.AllowInternalConnections {
		ingress = append(ingress, networkingv1.NetworkPolicyIngressRule{
			From: []networkingv1.NetworkPolicyPeer{sameSession},
		})
	}

	if spec.AllowFromAttacker {
		ingress = append(ingress, networkingv1.NetworkPolicyIngressRule{
			From: []networkingv1.NetworkPolicyPeer{{
				PodSelector: &metav1.LabelSelector{
					MatchLabels: map[string]string{
						LabelSession: dnsLabel(sessionID),
						LabelRole:    string(models.RoleAttacker),
					},
				},
			}},
		})
	}

	if spec.AllowSolverEntry && len(spec.Ports) > 0 {
		ports := make([]networkingv1.NetworkPolicyPort, 0, len(spec.Ports))
		for _, p := range spec.Ports {
			proto := protocol(p.Protocol)
			port := intstr.FromInt(p.Port)
			ports = append(ports, networkingv1.NetworkPolicyPort{Protocol: &proto, Port: &port})
		}
		ingress = append(ingress, networkingv1.NetworkPolicyIngressRule{Ports: ports})
	}

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "isolation-" + dnsLabel(spec.MachineName),
			Namespace: namespace,
			Labels: map[string]string{
				LabelManagedBy: managedBy,
				LabelSession:   dnsLabel(sessionID),
				LabelMachine:   dnsLabel(spec.MachineName),
			},
			Annotations: map[string]string{
				LabelNetworkGroup:   spec.NetworkGroup,
				AnnotationPivotHost: strconv.FormatBool(spec.IsPivotHost),
			},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{
					LabelEnforced: "true",
					LabelMachine:  dnsLabel(spec.MachineName),
				},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			Ingress: ingress,
			Egress:  egress,
		},
	}
}
