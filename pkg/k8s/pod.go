package k8s

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/sciffer/labrange/pkg/cost"
	"github.com/sciffer/labrange/pkg/provider"
)

// podNetworkAttachment is the attachment type reported for pod networking
const podNetworkAttachment = "PodNetwork"

// waiting reasons after which a pod will never start on its own
var fatalWaitingReasons = map[string]bool{
	"ErrImagePull":               true,
	"ImagePullBackOff":           true,
	"InvalidImageName":           true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
}

// RunTask creates one pod for a machine and returns its "namespace/pod" reference
func (c *Client) RunTask(ctx context.Context, req provider.RunTaskRequest) (string, error) {
	if req.SessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	if req.MachineName == "" {
		return "", fmt.Errorf("machine name is required")
	}
	if req.ImageRef == "" {
		return "", fmt.Errorf("image is required for machine %s", req.MachineName)
	}

	namespace, err := c.ensureNamespace(ctx, req.SessionID)
	if err != nil {
		return "", err
	}

	res := cost.ResourcesFor(req.Profile)
	cpu := resource.NewMilliQuantity(int64(res.VCPU*1000), resource.DecimalSI)
	memory := resource.NewQuantity(int64(res.MemoryGB*1024)*1024*1024, resource.BinarySI)

	ports := make([]corev1.ContainerPort, 0, len(req.Entrypoints))
	for _, ep := range req.Entrypoints {
		ports = append(ports, corev1.ContainerPort{
			ContainerPort: int32(ep.ContainerPort),
			Protocol:      protocol(ep.Protocol),
		})
	}

	labels := map[string]string{
		LabelManagedBy: managedBy,
		LabelSession:   dnsLabel(req.SessionID),
		LabelMachine:   dnsLabel(req.MachineName),
		LabelRole:      string(req.Role),
	}
	if req.NetworkGroup != "" {
		labels[LabelNetworkGroup] = dnsLabel(req.NetworkGroup)
	}
	for k, v := range labels {
		if errs := validation.IsValidLabelValue(v); len(errs) > 0 {
			return "", fmt.Errorf("invalid label %s=%q for machine %s: %s", k, v, req.MachineName, strings.Join(errs, "; "))
		}
	}

	annotations := map[string]string{
		AnnotationTaskDefinition: req.TaskDefinition,
		AnnotationInfraSubnets:   strings.Join(req.Network.Subnets, ","),
		AnnotationInfraGroups:    strings.Join(req.Network.SecurityGroups, ","),
	}
	for k, v := range req.Tags {
		annotations[AnnotationTagPrefix+dnsLabel(k)] = v
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        dnsLabel(req.MachineName),
			Namespace:   namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			RuntimeClassName: func() *string {
				if c.runtimeClass != "" {
					return &c.runtimeClass
				}
				return nil
			}(),
			Containers: []corev1.Container{
				{
					Name:  "main",
					Image: req.ImageRef,
					Ports: ports,
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    *cpu,
							corev1.ResourceMemory: *memory,
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    *cpu,
							corev1.ResourceMemory: *memory,
						},
					},
				},
			},
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: boolPtr(false),
		},
	}

	created, err := c.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create pod for machine %s: %w", req.MachineName, err)
	}

	return created.Namespace + "/" + created.Name, nil
}

// DescribeTasks reports the state of each referenced pod. Pods that no longer
// exist are omitted.
func (c *Client) DescribeTasks(ctx context.Context, taskRefs []string) ([]provider.TaskDescription, error) {
	out := make([]provider.TaskDescription, 0, len(taskRefs))
	for _, ref := range taskRefs {
		namespace, name, err := splitRef(ref)
		if err != nil {
			return nil, err
		}
		pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get pod %s: %w", ref, err)
		}
		out = append(out, describePod(ref, pod))
	}
	return out, nil
}

// StopTask deletes the pod behind a task. Missing pods are not an error.
func (c *Client) StopTask(ctx context.Context, taskRef, reason string) error {
	namespace, name, err := splitRef(taskRef)
	if err != nil {
		return err
	}

	c.logger.Debug("stopping task", zap.String("task", taskRef), zap.String("reason", reason))

	err = c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod: %w", err)
	}
	return nil
}

func describePod(ref string, pod *corev1.Pod) provider.TaskDescription {
	d := provider.TaskDescription{
		TaskRef:   ref,
		PrivateIP: pod.Status.PodIP,
		SubnetID:  pod.Spec.NodeName,
	}

	switch {
	case pod.DeletionTimestamp != nil:
		d.Status = provider.TaskStopped
		d.StopReason = "pod deleted"
	case pod.Status.Phase == corev1.PodRunning:
		d.Status = provider.TaskRunning
	case pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed:
		d.Status = provider.TaskStopped
		d.StopReason = stopReason(pod)
	default:
		d.Status = provider.TaskPending
		if reason := fatalWaitingReason(pod); reason != "" {
			d.Status = provider.TaskStopped
			d.StopReason = reason
		}
	}

	status := "PRECREATED"
	if pod.Status.PodIP != "" {
		status = "ATTACHED"
	}
	d.Attachments = []provider.Attachment{{
		Type:   podNetworkAttachment,
		Status: status,
		Details: map[string]string{
			provider.DetailNetworkInterfaceID: ref,
			provider.DetailPrivateIPv4:        pod.Status.PodIP,
			provider.DetailSubnetID:           pod.Spec.NodeName,
		},
	}}
	return d
}

func stopReason(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil {
			if t.Message != "" {
				return fmt.Sprintf("%s: %s", t.Reason, t.Message)
			}
			if t.Reason != "" {
				return fmt.Sprintf("%s (exit code %d)", t.Reason, t.ExitCode)
			}
		}
	}
	if pod.Status.Message != "" {
		return pod.Status.Message
	}
	if pod.Status.Reason != "" {
		return pod.Status.Reason
	}
	return string(pod.Status.Phase)
}

func fatalWaitingReason(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && fatalWaitingReasons[w.Reason] {
			if w.Message != "" {
				return fmt.Sprintf("%s: %s", w.Reason, w.Message)
			}
			return w.Reason
		}
	}
	return ""
}

func protocol(p string) corev1.Protocol {
	switch strings.ToUpper(p) {
	case "UDP":
		return corev1.ProtocolUDP
	case "SCTP":
		return corev1.ProtocolSCTP
	}
	return corev1.ProtocolTCP
}

func boolPtr(b bool) *bool {
	return &b
}
