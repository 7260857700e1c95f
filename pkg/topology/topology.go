// Package topology launches one runtime task per machine, discovers each task's
// network identity and records the session topology.
package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/provider"
	"github.com/sciffer/labrange/pkg/retry"
)

// TagIsolationGroup is the task tag carrying the machine's isolation group handle
const TagIsolationGroup = "isolation-group"

// ProvisioningFailedError reports a failed topology build. Launched holds
// whatever was created before the failure so it can be torn down.
type ProvisioningFailedError struct {
	Machine  string
	Err      error
	Launched []models.NetworkTopologyEntry
}

func (e *ProvisioningFailedError) Error() string {
	if e.Machine == "" {
		return fmt.Sprintf("provisioning failed: %v", e.Err)
	}
	return fmt.Sprintf("provisioning failed for machine %s: %v", e.Machine, e.Err)
}

func (e *ProvisioningFailedError) Unwrap() error {
	return e.Err
}

// Provisioner builds session topologies
type Provisioner struct {
	runtime provider.ContainerRuntime
	fabric  provider.NetworkFabric
	db      *database.DB
	network provider.NetworkSpec
	wait    retry.Policy
	logger  *logger.Logger
}

// NewProvisioner creates a provisioner. wait bounds the running-state poll.
func NewProvisioner(runtime provider.ContainerRuntime, fabric provider.NetworkFabric, db *database.DB, network config.NetworkConfig, wait retry.Policy, log *logger.Logger) *Provisioner {
	return &Provisioner{
		runtime: runtime,
		fabric:  fabric,
		db:      db,
		network: provider.NetworkSpec{
			Subnets:        network.InfraSubnets,
			SecurityGroups: network.InfraSecurityGroups,
			AssignPublicIP: network.AssignPublicIP,
		},
		wait:   wait,
		logger: log,
	}
}

// NetworkGroups returns the distinct network groups of machines, sorted
func NetworkGroups(machines []models.Machine) []string {
	seen := map[string]struct{}{}
	for _, m := range machines {
		seen[m.NetworkGroup] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// IsolationSpecFor derives the reachability intent of a machine
func IsolationSpecFor(m models.Machine) provider.IsolationSpec {
	spec := provider.IsolationSpec{
		MachineName:              m.Name,
		NetworkGroup:             m.NetworkGroup,
		EgressAllowed:            m.Role == models.RoleAttacker || m.IsPivotHost,
		AllowSolverEntry:         m.AllowSolverEntry,
		AllowFromAttacker:        m.AllowFromAttacker,
		AllowInternalConnections: m.AllowInternalConnections,
		IsPivotHost:              m.IsPivotHost,
	}
	for _, ep := range m.Entrypoints {
		spec.Ports = append(spec.Ports, provider.PortSpec{Protocol: ep.Protocol, Port: ep.ContainerPort})
	}
	return spec
}

// Provision builds the topology of session and persists it. It returns one
// entry per machine, or a *ProvisioningFailedError with nothing committed.
func (p *Provisioner) Provision(ctx context.Context, session *models.EnvironmentSession, machines []models.Machine) ([]models.NetworkTopologyEntry, error) {
	log := p.logger.WithSession(session.ID)
	log.Info("provisioning topology",
		zap.Int("machines", len(machines)),
		zap.Strings("network_groups", NetworkGroups(machines)),
	)

	groups, err := p.createGroups(ctx, session.ID, machines)
	if err != nil {
		return nil, err
	}

	entries, err := p.launch(ctx, session, machines, groups)
	if err != nil {
		return nil, p.failure(err, entries)
	}

	if err := p.waitRunning(ctx, entries); err != nil {
		return nil, p.failure(err, entries)
	}

	if err := p.discover(ctx, entries); err != nil {
		return nil, p.failure(err, entries)
	}

	if err := p.db.SaveTopology(ctx, entries); err != nil {
		return nil, p.failure(err, entries)
	}

	log.Info("topology provisioned", zap.Int("machines", len(entries)))
	return entries, nil
}

// createGroups creates isolation groups one machine at a time and rolls back
// on the first failure. No task is launched unless every group exists.
func (p *Provisioner) createGroups(ctx context.Context, sessionID string, machines []models.Machine) (map[string]string, error) {
	groups := make(map[string]string, len(machines))
	for _, m := range machines {
		handle, err := p.fabric.CreateIsolationGroup(ctx, sessionID, IsolationSpecFor(m))
		if err != nil {
			p.rollbackGroups(ctx, sessionID, groups)
			return nil, &ProvisioningFailedError{
				Machine: m.Name,
				Err:     fmt.Errorf("failed to create isolation group: %w", err),
			}
		}
		groups[m.Name] = handle
	}
	return groups, nil
}

func (p *Provisioner) rollbackGroups(ctx context.Context, sessionID string, groups map[string]string) {
	for machine, handle := range groups {
		if err := p.fabric.DeleteIsolationGroup(ctx, handle); err != nil {
			p.logger.WithSession(sessionID).WithMachine(machine).Warn("failed to roll back isolation group",
				zap.String("group", handle),
				zap.Error(err),
			)
		}
	}
}

// launch starts every task concurrently. Entries are returned in machine order;
// entries whose launch failed have an empty TaskRef.
func (p *Provisioner) launch(ctx context.Context, session *models.EnvironmentSession, machines []models.Machine, groups map[string]string) ([]models.NetworkTopologyEntry, error) {
	entries := make([]models.NetworkTopologyEntry, len(machines))
	for i, m := range machines {
		entries[i] = models.NetworkTopologyEntry{
			SessionID:       session.ID,
			MachineName:     m.Name,
			MachineRole:     m.Role,
			NetworkGroup:    m.NetworkGroup,
			SecurityGroupID: groups[m.Name],
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		g.Go(func() error {
			profile := m.ResourceProfile
			if profile == "" {
				profile = session.ResourceProfile
			}
			ref, err := p.runtime.RunTask(gctx, provider.RunTaskRequest{
				SessionID:      session.ID,
				MachineName:    m.Name,
				Role:           m.Role,
				NetworkGroup:   m.NetworkGroup,
				TaskDefinition: m.TaskDefinition,
				ImageRef:       m.ImageRef,
				Profile:        profile,
				Entrypoints:    m.Entrypoints,
				Network:        p.network,
				Tags:           map[string]string{TagIsolationGroup: groups[m.Name]},
			})
			if err != nil {
				return &ProvisioningFailedError{Machine: m.Name, Err: fmt.Errorf("failed to run task: %w", err)}
			}
			entries[i].TaskRef = ref
			return nil
		})
	}
	err := g.Wait()
	return entries, err
}

// waitRunning polls until every task is running and aborts as soon as any task stops
func (p *Provisioner) waitRunning(ctx context.Context, entries []models.NetworkTopologyEntry) error {
	byRef := make(map[string]*models.NetworkTopologyEntry, len(entries))
	refs := make([]string, len(entries))
	for i := range entries {
		refs[i] = entries[i].TaskRef
		byRef[entries[i].TaskRef] = &entries[i]
	}

	descs := map[string]provider.TaskDescription{}
	err := p.wait.Poll(ctx, func(ctx context.Context, attempt int) (bool, error) {
		got, err := p.runtime.DescribeTasks(ctx, refs)
		if err != nil {
			p.logger.Warn("describe tasks failed", zap.Int("attempt", attempt), zap.Error(err))
			return false, nil
		}

		var stopped []string
		var firstStopped string
		running := 0
		for _, d := range got {
			descs[d.TaskRef] = d
			switch d.Status {
			case provider.TaskStopped:
				e := byRef[d.TaskRef]
				if e == nil {
					continue
				}
				if firstStopped == "" {
					firstStopped = e.MachineName
				}
				stopped = append(stopped, fmt.Sprintf("%s (%s)", e.MachineName, d.StopReason))
			case provider.TaskRunning:
				running++
			}
		}
		if len(stopped) > 0 {
			return false, &ProvisioningFailedError{
				Machine: firstStopped,
				Err:     fmt.Errorf("task stopped before reaching running: %s", strings.Join(stopped, ", ")),
			}
		}
		return running == len(refs), nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return fmt.Errorf("tasks did not reach running: %w", err)
		}
		return err
	}

	for ref, d := range descs {
		if e := byRef[ref]; e != nil {
			e.PrivateIP = d.PrivateIP
			e.SubnetID = d.SubnetID
			e.NetworkInterfaceID = d.Detail(provider.DetailNetworkInterfaceID)
			if e.PrivateIP == "" {
				e.PrivateIP = d.Detail(provider.DetailPrivateIPv4)
			}
			if e.SubnetID == "" {
				e.SubnetID = d.Detail(provider.DetailSubnetID)
			}
		}
	}
	return nil
}

// discover fills in missing addresses through a direct interface lookup
func (p *Provisioner) discover(ctx context.Context, entries []models.NetworkTopologyEntry) error {
	var ids []string
	for _, e := range entries {
		if e.PrivateIP == "" && e.NetworkInterfaceID != "" {
			ids = append(ids, e.NetworkInterfaceID)
		}
	}
	if len(ids) > 0 {
		nis, err := p.fabric.DescribeNetworkInterfaces(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to describe network interfaces: %w", err)
		}
		byID := make(map[string]provider.NetworkInterface, len(nis))
		for _, ni := range nis {
			byID[ni.ID] = ni
		}
		for i := range entries {
			e := &entries[i]
			if ni, ok := byID[e.NetworkInterfaceID]; ok && e.PrivateIP == "" {
				e.PrivateIP = ni.PrivateIP
				if e.SubnetID == "" {
					e.SubnetID = ni.SubnetID
				}
			}
		}
	}

	for _, e := range entries {
		if e.PrivateIP == "" {
			return &ProvisioningFailedError{Machine: e.MachineName, Err: errors.New("no private address discovered")}
		}
	}
	return nil
}

func (p *Provisioner) failure(err error, entries []models.NetworkTopologyEntry) error {
	var launched []models.NetworkTopologyEntry
	for _, e := range entries {
		if e.TaskRef != "" || e.SecurityGroupID != "" {
			launched = append(launched, e)
		}
	}

	var pf *ProvisioningFailedError
	if errors.As(err, &pf) {
		return &ProvisioningFailedError{Machine: pf.Machine, Err: pf.Err, Launched: launched}
	}
	return &ProvisioningFailedError{Err: err, Launched: launched}
}
