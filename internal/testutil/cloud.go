package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/sciffer/labrange/pkg/provider"
)

type fakeTask struct {
	req        provider.RunTaskRequest
	ref        string
	eni        string
	ip         string
	describes  int
	stopped    bool
	stopReason string
}

type fakeInterface struct {
	id          string
	ip          string
	taskRef     string
	afterDetach int
}

// FakeCloud is an in-memory container runtime and network fabric
type FakeCloud struct {
	mu sync.Mutex

	// RunningAfter is how many describes a task stays PENDING before RUNNING
	RunningAfter int
	// StopReasons makes the named machines report STOPPED with the reason
	StopReasons map[string]string
	// RunErrors fails RunTask for the named machines
	RunErrors map[string]error
	// GroupErrors fails CreateIsolationGroup for the named machines
	GroupErrors map[string]error
	// OmitTaskIP hides the private address from task descriptions
	OmitTaskIP bool
	// DetachAfter is how many interface describes a stopped task's interface survives
	DetachAfter int
	// StopErr fails every StopTask call
	StopErr error

	seq        int
	tasks      map[string]*fakeTask
	interfaces map[string]*fakeInterface
	groups     map[string]provider.IsolationSpec
	groupOwner map[string]string

	launched          []provider.RunTaskRequest
	taskRefs          []string
	stopCalls         []string
	groupsCreated     []string
	groupsDeleted     []string
	released          []string
	deletedWhileInUse int
}

var (
	_ provider.ContainerRuntime = (*FakeCloud)(nil)
	_ provider.NetworkFabric    = (*FakeCloud)(nil)
	_ provider.SessionReleaser  = (*FakeCloud)(nil)
)

// NewFakeCloud creates an empty fake cloud
func NewFakeCloud() *FakeCloud {
	return &FakeCloud{
		StopReasons: map[string]string{},
		RunErrors:   map[string]error{},
		GroupErrors: map[string]error{},
		tasks:       map[string]*fakeTask{},
		interfaces:  map[string]*fakeInterface{},
		groups:      map[string]provider.IsolationSpec{},
		groupOwner:  map[string]string{},
	}
}

// RunTask implements provider.ContainerRuntime
func (c *FakeCloud) RunTask(ctx context.Context, req provider.RunTaskRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.RunErrors[req.MachineName]; err != nil {
		return "", err
	}
	c.seq++
	t := &fakeTask{
		req: req,
		ref: fmt.Sprintf("task-%d", c.seq),
		eni: fmt.Sprintf("eni-%d", c.seq),
		ip:  fmt.Sprintf("10.0.0.%d", c.seq),
	}
	c.tasks[t.ref] = t
	c.interfaces[t.eni] = &fakeInterface{id: t.eni, ip: t.ip, taskRef: t.ref}
	c.launched = append(c.launched, req)
	c.taskRefs = append(c.taskRefs, t.ref)
	return t.ref, nil
}

// DescribeTasks implements provider.ContainerRuntime
func (c *FakeCloud) DescribeTasks(ctx context.Context, refs []string) ([]provider.TaskDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]provider.TaskDescription, 0, len(refs))
	for _, ref := range refs {
		t, ok := c.tasks[ref]
		if !ok {
			continue
		}
		t.describes++

		d := provider.TaskDescription{TaskRef: ref, Status: provider.TaskPending}
		switch reason, failing := c.StopReasons[t.req.MachineName]; {
		case t.stopped:
			d.Status = provider.TaskStopped
			d.StopReason = t.stopReason
		case failing:
			d.Status = provider.TaskStopped
			d.StopReason = reason
		case t.describes > c.RunningAfter:
			d.Status = provider.TaskRunning
		}

		details := map[string]string{provider.DetailNetworkInterfaceID: t.eni, provider.DetailSubnetID: "subnet-1"}
		if !c.OmitTaskIP && d.Status == provider.TaskRunning {
			d.PrivateIP = t.ip
			d.SubnetID = "subnet-1"
			details[provider.DetailPrivateIPv4] = t.ip
		}
		d.Attachments = []provider.Attachment{{Type: "ElasticNetworkInterface", Status: "ATTACHED", Details: details}}
		out = append(out, d)
	}
	return out, nil
}

// StopTask implements provider.ContainerRuntime
func (c *FakeCloud) StopTask(ctx context.Context, ref, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopCalls = append(c.stopCalls, ref)
	if c.StopErr != nil {
		return c.StopErr
	}
	if t, ok := c.tasks[ref]; ok {
		t.stopped = true
		t.stopReason = reason
	}
	return nil
}

// CreateIsolationGroup implements provider.NetworkFabric
func (c *FakeCloud) CreateIsolationGroup(ctx context.Context, sessionID string, spec provider.IsolationSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.GroupErrors[spec.MachineName]; err != nil {
		return "", err
	}
	handle := fmt.Sprintf("sg-%s-%s", sessionID, spec.MachineName)
	c.groups[handle] = spec
	c.groupOwner[handle] = sessionID
	c.groupsCreated = append(c.groupsCreated, handle)
	return handle, nil
}

// DeleteIsolationGroup implements provider.NetworkFabric
func (c *FakeCloud) DeleteIsolationGroup(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner := c.groupOwner[handle]
	for _, ni := range c.interfaces {
		if t := c.tasks[ni.taskRef]; t != nil && t.req.SessionID == owner {
			c.deletedWhileInUse++
			break
		}
	}
	delete(c.groups, handle)
	c.groupsDeleted = append(c.groupsDeleted, handle)
	return nil
}

// DescribeNetworkInterfaces implements provider.NetworkFabric. Interfaces of
// stopped tasks report detaching for DetachAfter calls and then disappear.
func (c *FakeCloud) DescribeNetworkInterfaces(ctx context.Context, ids []string) ([]provider.NetworkInterface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]provider.NetworkInterface, 0, len(ids))
	for _, id := range ids {
		ni, ok := c.interfaces[id]
		if !ok {
			continue
		}
		status := provider.InterfaceInUse
		if t := c.tasks[ni.taskRef]; t != nil && t.stopped {
			if ni.afterDetach >= c.DetachAfter {
				delete(c.interfaces, id)
				continue
			}
			ni.afterDetach++
			status = provider.InterfaceDetaching
		}
		out = append(out, provider.NetworkInterface{ID: id, Status: status, PrivateIP: ni.ip, SubnetID: "subnet-1"})
	}
	return out, nil
}

// ReleaseSession implements provider.SessionReleaser
func (c *FakeCloud) ReleaseSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, sessionID)
	return nil
}

// Kill makes a task vanish as if the runtime reclaimed it
func (c *FakeCloud) Kill(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tasks[ref]; ok {
		delete(c.interfaces, t.eni)
		delete(c.tasks, ref)
	}
}

// Launched returns the run requests received so far
func (c *FakeCloud) Launched() []provider.RunTaskRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.RunTaskRequest(nil), c.launched...)
}

// TaskRefs returns the refs of every task launched so far
func (c *FakeCloud) TaskRefs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.taskRefs...)
}

// StopCalls returns the task refs StopTask was called with
func (c *FakeCloud) StopCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stopCalls...)
}

// Groups returns the isolation groups that still exist
func (c *FakeCloud) Groups() map[string]provider.IsolationSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]provider.IsolationSpec, len(c.groups))
	for k, v := range c.groups {
		out[k] = v
	}
	return out
}

// GroupsDeleted returns deleted isolation group handles in order
func (c *FakeCloud) GroupsDeleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.groupsDeleted...)
}

// Released returns the sessions released so far
func (c *FakeCloud) Released() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.released...)
}

// DeletedWhileInUse counts group deletions that happened while some interface was still attached
func (c *FakeCloud) DeletedWhileInUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletedWhileInUse
}
