// Package provider defines the runtime and network contracts the orchestrator
// drives. Implementations live in pkg/k8s and in test fakes.
package provider

import (
	"context"

	"github.com/sciffer/labrange/pkg/models"
)

// TaskStatus is the coarse state of a runtime task
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskRunning TaskStatus = "RUNNING"
	TaskStopped TaskStatus = "STOPPED"
)

// Attachment detail keys reported by DescribeTasks
const (
	DetailNetworkInterfaceID = "networkInterfaceId"
	DetailPrivateIPv4        = "privateIPv4Address"
	DetailSubnetID           = "subnetId"
)

// NetworkSpec is the static infrastructure attachment every task receives.
// It gives the task registry and log access and is separate from the
// per-machine isolation group.
type NetworkSpec struct {
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
}

// RunTaskRequest launches one machine of a session
type RunTaskRequest struct {
	SessionID      string
	MachineName    string
	Role           models.MachineRole
	NetworkGroup   string
	TaskDefinition string
	ImageRef       string
	Profile        models.ResourceProfile
	Entrypoints    []models.Entrypoint
	Network        NetworkSpec
	// Tags is opaque metadata recorded on the task. Values are free-form.
	Tags map[string]string
}

// Attachment is a network attachment reported for a task
type Attachment struct {
	Type    string
	Status  string
	Details map[string]string
}

// TaskDescription is the runtime's view of one task
type TaskDescription struct {
	TaskRef     string
	Status      TaskStatus
	StopReason  string
	PrivateIP   string
	SubnetID    string
	Attachments []Attachment
}

// Detail returns the first non-empty attachment detail with the given key
func (d TaskDescription) Detail(key string) string {
	for _, a := range d.Attachments {
		if v := a.Details[key]; v != "" {
			return v
		}
	}
	return ""
}

// ContainerRuntime runs and stops tasks
type ContainerRuntime interface {
	RunTask(ctx context.Context, req RunTaskRequest) (string, error)
	// DescribeTasks omits tasks the runtime no longer knows about.
	DescribeTasks(ctx context.Context, taskRefs []string) ([]TaskDescription, error)
	StopTask(ctx context.Context, taskRef, reason string) error
}

// PortSpec is an exposed (protocol, port) pair
type PortSpec struct {
	Protocol string
	Port     int
}

// IsolationSpec records the intended reachability of one machine
type IsolationSpec struct {
	MachineName              string
	NetworkGroup             string
	EgressAllowed            bool
	AllowSolverEntry         bool
	AllowFromAttacker        bool
	AllowInternalConnections bool
	IsPivotHost              bool
	Ports                    []PortSpec
}

// InterfaceStatus is the attachment state of a network interface
type InterfaceStatus string

const (
	InterfaceInUse     InterfaceStatus = "in-use"
	InterfaceAvailable InterfaceStatus = "available"
	InterfaceDetaching InterfaceStatus = "detaching"
)

// NetworkInterface is the fabric's view of one interface
type NetworkInterface struct {
	ID        string
	Status    InterfaceStatus
	PrivateIP string
	SubnetID  string
}

// Detached reports whether the interface no longer holds an attachment
func (n NetworkInterface) Detached() bool {
	return n.Status == InterfaceAvailable
}

// NetworkFabric manages per-machine isolation groups and reports interfaces
type NetworkFabric interface {
	CreateIsolationGroup(ctx context.Context, sessionID string, spec IsolationSpec) (string, error)
	DeleteIsolationGroup(ctx context.Context, groupHandle string) error
	// DescribeNetworkInterfaces omits interfaces that no longer exist.
	DescribeNetworkInterfaces(ctx context.Context, ids []string) ([]NetworkInterface, error)
}

// SessionReleaser is implemented by fabrics that hold session-wide resources
// to release after every isolation group is gone.
type SessionReleaser interface {
	ReleaseSession(ctx context.Context, sessionID string) error
}

// LivenessProber reports which of a set of tasks are still alive
type LivenessProber interface {
	DescribeTasks(ctx context.Context, taskRefs []string) ([]TaskDescription, error)
}
