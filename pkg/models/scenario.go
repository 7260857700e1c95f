package models

// ScenarioStatus is the authoring lifecycle status of a scenario version
type ScenarioStatus string

const (
	ScenarioDraft     ScenarioStatus = "draft"
	ScenarioSubmitted ScenarioStatus = "submitted"
	ScenarioApproved  ScenarioStatus = "approved"
	ScenarioPublished ScenarioStatus = "published"
	ScenarioArchived  ScenarioStatus = "archived"
)

// BuildStatus is the state of a scenario version's build artifact
type BuildStatus string

const (
	BuildNone      BuildStatus = ""
	BuildPending   BuildStatus = "pending"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
)

// MachineRole is the part a machine plays in an exercise
type MachineRole string

const (
	RoleAttacker MachineRole = "attacker"
	RoleVictim   MachineRole = "victim"
	RoleService  MachineRole = "service"
)

// ScenarioVersion is the read-only snapshot of a scenario version used to start sessions.
// Scenario authoring owns these rows.
type ScenarioVersion struct {
	ID                  string          `json:"id"`
	ScenarioID          string          `json:"scenario_id"`
	Title               string          `json:"title"`
	Status              ScenarioStatus  `json:"status"`
	BuildStatus         BuildStatus     `json:"build_status"`
	ResourceProfile     ResourceProfile `json:"resource_profile"`
	EstimatedTTLMinutes int             `json:"estimated_ttl_minutes"`
	Machines            []Machine       `json:"machines"`
}

// Startable reports whether a session may be started for this version.
// Normal play needs a published version; test runs also accept approved versions
// but require a successful build.
func (v *ScenarioVersion) Startable(isTest bool) bool {
	if !isTest {
		return v.Status == ScenarioPublished
	}
	if v.Status != ScenarioPublished && v.Status != ScenarioApproved {
		return false
	}
	return v.BuildStatus == BuildSucceeded
}

// Entrypoint is a port a machine exposes
type Entrypoint struct {
	Protocol        string `json:"protocol"`
	ContainerPort   int    `json:"container_port"`
	ExposedToSolver bool   `json:"exposed_to_solver"`
}

// Machine is a template for one runtime task within a scenario
type Machine struct {
	Name                     string          `json:"name"`
	Role                     MachineRole     `json:"role"`
	ImageRef                 string          `json:"image_ref"`
	ResourceProfile          ResourceProfile `json:"resource_profile"`
	NetworkGroup             string          `json:"network_group"`
	Entrypoints              []Entrypoint    `json:"entrypoints,omitempty"`
	AllowSolverEntry         bool            `json:"allow_solver_entry"`
	AllowFromAttacker        bool            `json:"allow_from_attacker"`
	AllowInternalConnections bool            `json:"allow_internal_connections"`
	IsPivotHost              bool            `json:"is_pivot_host"`
	TaskDefinition           string          `json:"task_definition"`
}
