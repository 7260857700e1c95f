package models

import "time"

// TopologyStatus is the recorded state of one machine's network identity
type TopologyStatus string

const (
	TopologyRunning  TopologyStatus = "running"
	TopologyStopping TopologyStatus = "stopping"
	TopologyStopped  TopologyStatus = "stopped"
	TopologyReleased TopologyStatus = "released"
)

// NetworkTopologyEntry is the discovered network identity of one machine in one session.
// Only Status changes after the row is written.
type NetworkTopologyEntry struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"session_id"`
	MachineName        string         `json:"machine_name"`
	MachineRole        MachineRole    `json:"machine_role"`
	NetworkGroup       string         `json:"network_group"`
	TaskRef            string         `json:"task_ref"`
	PrivateIP          string         `json:"private_ip"`
	SubnetID           string         `json:"subnet_id,omitempty"`
	SecurityGroupID    string         `json:"security_group_id,omitempty"`
	NetworkInterfaceID string         `json:"network_interface_id,omitempty"`
	Status             TopologyStatus `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
}
