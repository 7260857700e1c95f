package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Namespace returns the namespace holding a session's pods and policies
func (c *Client) Namespace(sessionID string) string {
	return dnsLabel(c.namespacePrefix + sessionID)
}

// ensureNamespace creates the session namespace if it does not exist yet
func (c *Client) ensureNamespace(ctx context.Context, sessionID string) (string, error) {
	name := c.Namespace(sessionID)
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				LabelManagedBy: managedBy,
				LabelSession:   dnsLabel(sessionID),
			},
		},
	}

	_, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !errors.IsAlreadyExists(err) {
		return "", fmt.Errorf("failed to create namespace: %w", err)
	}
	return name, nil
}

// ReleaseSession deletes the session namespace. Missing namespaces are not an error.
func (c *Client) ReleaseSession(ctx context.Context, sessionID string) error {
	err := c.clientset.CoreV1().Namespaces().Delete(ctx, c.Namespace(sessionID), metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete namespace: %w", err)
	}
	return nil
}
