package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sciffer/labrange/pkg/metrics"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/provider"
)

// Teardown steps, used as metric labels
const (
	stepStopTasks    = "stop_tasks"
	stepWaitStopped  = "wait_stopped"
	stepWaitDetached = "wait_detached"
	stepDeleteGroups = "delete_groups"
	stepRelease      = "release_session"
)

// teardown releases the runtime and network resources of a terminated session.
// Isolation groups are only deleted once every interface has detached.
func (o *Orchestrator) teardown(ctx context.Context, sessionID string, launched []models.NetworkTopologyEntry) error {
	log := o.logger.WithSession(sessionID).WithOperation("teardown")

	stored, err := o.db.ListTopology(ctx, sessionID)
	if err != nil {
		log.Warn("failed to load topology, using launched entries only", zap.Error(err))
	}
	entries := mergeEntries(stored, launched)
	if len(stored) > 0 {
		if err := o.db.UpdateTopologyStatus(ctx, sessionID, models.TopologyStopping); err != nil {
			log.Warn("failed to mark topology stopping", zap.Error(err))
		}
	}

	var failures []error
	fail := func(step string, err error) {
		metrics.RecordTeardownFailure(step)
		log.Error("teardown step failed", zap.String("step", step), zap.Error(err))
		o.event(ctx, sessionID, models.EventTeardownFailed, step, err.Error())
		failures = append(failures, fmt.Errorf("%s: %w", step, err))
	}

	for _, e := range entries {
		if e.TaskRef == "" {
			continue
		}
		if err := o.runtime.StopTask(ctx, e.TaskRef, "session terminated"); err != nil {
			fail(stepStopTasks, fmt.Errorf("machine %s: %w", e.MachineName, err))
		}
	}

	if err := o.waitStopped(ctx, entries); err != nil {
		fail(stepWaitStopped, err)
	}
	if err := o.waitDetached(ctx, entries); err != nil {
		fail(stepWaitDetached, err)
	}

	groupsDeleted := true
	for _, handle := range groupHandles(entries) {
		if err := o.fabric.DeleteIsolationGroup(ctx, handle); err != nil {
			groupsDeleted = false
			fail(stepDeleteGroups, fmt.Errorf("group %s: %w", handle, err))
		}
	}

	if releaser, ok := o.fabric.(provider.SessionReleaser); ok && groupsDeleted {
		if err := releaser.ReleaseSession(ctx, sessionID); err != nil {
			fail(stepRelease, err)
		}
	}

	if len(stored) > 0 {
		status := models.TopologyReleased
		if len(failures) > 0 {
			status = models.TopologyStopped
		}
		if err := o.db.UpdateTopologyStatus(ctx, sessionID, status); err != nil {
			log.Warn("failed to update topology status", zap.Error(err))
		}
	}

	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	o.event(ctx, sessionID, models.EventTeardownCompleted, "resources released", fmt.Sprintf("%d machines", len(entries)))
	log.Info("teardown completed", zap.Int("machines", len(entries)))
	return nil
}

// waitStopped polls until every task is stopped or gone. Interface ids missing
// from the entries are filled in from the task attachments.
func (o *Orchestrator) waitStopped(ctx context.Context, entries []models.NetworkTopologyEntry) error {
	refs := make([]string, 0, len(entries))
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.TaskRef != "" {
			refs = append(refs, e.TaskRef)
			index[e.TaskRef] = i
		}
	}
	if len(refs) == 0 {
		return nil
	}

	return o.teardownWait.Poll(ctx, func(ctx context.Context, attempt int) (bool, error) {
		descs, err := o.runtime.DescribeTasks(ctx, refs)
		if err != nil {
			o.logger.Debug("describe tasks failed during teardown", zap.Int("attempt", attempt), zap.Error(err))
			return false, nil
		}
		for _, d := range descs {
			if i, ok := index[d.TaskRef]; ok && entries[i].NetworkInterfaceID == "" {
				entries[i].NetworkInterfaceID = d.Detail(provider.DetailNetworkInterfaceID)
			}
			if d.Status != provider.TaskStopped {
				return false, nil
			}
		}
		return true, nil
	})
}

// waitDetached polls until every interface is detached or gone
func (o *Orchestrator) waitDetached(ctx context.Context, entries []models.NetworkTopologyEntry) error {
	var ids []string
	for _, e := range entries {
		if e.NetworkInterfaceID != "" {
			ids = append(ids, e.NetworkInterfaceID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	return o.teardownWait.Poll(ctx, func(ctx context.Context, attempt int) (bool, error) {
		nis, err := o.fabric.DescribeNetworkInterfaces(ctx, ids)
		if err != nil {
			o.logger.Debug("describe interfaces failed during teardown", zap.Int("attempt", attempt), zap.Error(err))
			return false, nil
		}
		for _, ni := range nis {
			if !ni.Detached() {
				return false, nil
			}
		}
		return true, nil
	})
}

// mergeEntries combines stored topology with launched-but-unrecorded entries, keyed by machine
func mergeEntries(stored, launched []models.NetworkTopologyEntry) []models.NetworkTopologyEntry {
	out := make([]models.NetworkTopologyEntry, 0, len(stored)+len(launched))
	seen := make(map[string]bool, len(stored))
	for _, e := range stored {
		seen[e.MachineName] = true
		out = append(out, e)
	}
	for _, e := range launched {
		if !seen[e.MachineName] {
			out = append(out, e)
		}
	}
	return out
}

func groupHandles(entries []models.NetworkTopologyEntry) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range entries {
		if e.SecurityGroupID != "" && !seen[e.SecurityGroupID] {
			seen[e.SecurityGroupID] = true
			out = append(out, e.SecurityGroupID)
		}
	}
	return out
}
