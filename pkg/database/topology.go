package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sciffer/labrange/pkg/models"
)

// SaveTopology writes every entry of a session's topology in one transaction.
// Either all entries are committed or none are.
func (db *DB) SaveTopology(ctx context.Context, entries []models.NetworkTopologyEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		INSERT INTO network_topology (
			id, session_id, machine_name, machine_role, network_group, task_ref, private_ip,
			subnet_id, security_group_id, network_interface_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	now := time.Now().UTC()
	for i := range entries {
		e := &entries[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.Status == "" {
			e.Status = models.TopologyRunning
		}
		_, err := tx.ExecContext(ctx, query,
			e.ID, e.SessionID, e.MachineName, string(e.MachineRole), nullIfEmpty(e.NetworkGroup),
			e.TaskRef, e.PrivateIP, nullIfEmpty(e.SubnetID), nullIfEmpty(e.SecurityGroupID),
			nullIfEmpty(e.NetworkInterfaceID), string(e.Status), e.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to save topology entry for machine %s: %w", e.MachineName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit topology: %w", err)
	}
	return nil
}

// ListTopology returns a session's topology entries in creation order
func (db *DB) ListTopology(ctx context.Context, sessionID string) ([]models.NetworkTopologyEntry, error) {
	query := `
		SELECT id, session_id, machine_name, machine_role, COALESCE(network_group, ''), task_ref,
			private_ip, COALESCE(subnet_id, ''), COALESCE(security_group_id, ''),
			COALESCE(network_interface_id, ''), status, created_at
		FROM network_topology
		WHERE session_id = $1
		ORDER BY created_at ASC, machine_name ASC
	`
	rows, err := db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list topology: %w", err)
	}
	defer rows.Close()

	var entries []models.NetworkTopologyEntry
	for rows.Next() {
		var e models.NetworkTopologyEntry
		var role, status string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MachineName, &role, &e.NetworkGroup, &e.TaskRef,
			&e.PrivateIP, &e.SubnetID, &e.SecurityGroupID, &e.NetworkInterfaceID, &status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topology entry: %w", err)
		}
		e.MachineRole = models.MachineRole(role)
		e.Status = models.TopologyStatus(status)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateTopologyStatus sets the status of every topology entry of a session
func (db *DB) UpdateTopologyStatus(ctx context.Context, sessionID string, status models.TopologyStatus) error {
	_, err := db.ExecContext(ctx, `UPDATE network_topology SET status = $1 WHERE session_id = $2`, string(status), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update topology status: %w", err)
	}
	return nil
}
