package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/pkg/models"
)

var (
	nameRegex  = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	idRegex    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
	imageRegex = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*(:[0-9]+)?(/[a-z0-9]+([._-][a-z0-9]+)*)*(:[A-Za-z0-9_][A-Za-z0-9_.-]{0,127})?(@sha256:[a-f0-9]{64})?$`)
)

// InvalidInputError reports a rejected input field
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &InvalidInputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validator handles input validation
type Validator struct {
	minTTL     int
	maxTTL     int
	defaultTTL int
}

// New creates a new validator with the configured TTL bounds
func New(timeouts config.TimeoutConfig) *Validator {
	return &Validator{
		minTTL:     timeouts.MinTTLMinutes,
		maxTTL:     timeouts.MaxTTLMinutes,
		defaultTTL: timeouts.DefaultTTLMinutes,
	}
}

// ValidateStartRequest validates the identifiers and options of a start request
func (v *Validator) ValidateStartRequest(userID, scenarioVersionID string, opts models.StartOptions) error {
	if err := ValidateID("user_id", userID); err != nil {
		return err
	}
	if err := ValidateID("scenario_version_id", scenarioVersionID); err != nil {
		return err
	}
	if opts.EventID != "" {
		if err := ValidateID("event_id", opts.EventID); err != nil {
			return err
		}
	}
	if opts.TeamID != "" {
		if err := ValidateID("team_id", opts.TeamID); err != nil {
			return err
		}
	}
	if opts.TTLMinutes != 0 {
		return v.ValidateTTL(opts.TTLMinutes)
	}
	return nil
}

// ValidateTTL checks a session TTL in minutes against the allowed range
func (v *Validator) ValidateTTL(ttl int) error {
	if ttl < v.minTTL || ttl > v.maxTTL {
		return invalid("ttl_minutes", "%d is outside the allowed range %d-%d", ttl, v.minTTL, v.maxTTL)
	}
	return nil
}

// ResolveTTL picks the requested TTL, falling back to the scenario estimate
// and then the configured default, and validates the result
func (v *Validator) ResolveTTL(requested, scenarioEstimate int) (int, error) {
	ttl := requested
	if ttl == 0 {
		ttl = scenarioEstimate
	}
	if ttl == 0 {
		ttl = v.defaultTTL
	}
	if err := v.ValidateTTL(ttl); err != nil {
		return 0, err
	}
	return ttl, nil
}

// ValidateID checks an opaque identifier
func ValidateID(field, id string) error {
	if id == "" {
		return invalid(field, "is required")
	}
	if len(id) > 128 {
		return invalid(field, "must be 128 characters or less")
	}
	if !idRegex.MatchString(id) {
		return invalid(field, "contains unsupported characters")
	}
	return nil
}

// ValidateImageRef checks a container image reference
func ValidateImageRef(ref string) error {
	if ref == "" {
		return invalid("image_ref", "is required")
	}
	if !imageRegex.MatchString(ref) {
		return invalid("image_ref", "%q is not a valid image reference", ref)
	}
	return nil
}

// ValidateMachines checks the machine definitions of a scenario version
func ValidateMachines(machines []models.Machine) error {
	seen := make(map[string]bool, len(machines))
	for i, m := range machines {
		field := fmt.Sprintf("machines[%d]", i)

		if m.Name == "" {
			return invalid(field+".name", "is required")
		}
		if len(m.Name) > 63 || !nameRegex.MatchString(m.Name) {
			return invalid(field+".name", "must be lowercase alphanumeric with hyphens, 63 characters or less")
		}
		if seen[m.Name] {
			return invalid(field+".name", "duplicate machine name %q", m.Name)
		}
		seen[m.Name] = true

		switch m.Role {
		case models.RoleAttacker, models.RoleVictim, models.RoleService:
		default:
			return invalid(field+".role", "unknown role %q", m.Role)
		}

		if m.ResourceProfile != "" && !m.ResourceProfile.Valid() {
			return invalid(field+".resource_profile", "unknown profile %q", m.ResourceProfile)
		}

		if err := ValidateImageRef(m.ImageRef); err != nil {
			return invalid(field+".image_ref", "%s", err.(*InvalidInputError).Reason)
		}

		for j, ep := range m.Entrypoints {
			epField := fmt.Sprintf("%s.entrypoints[%d]", field, j)
			switch strings.ToLower(ep.Protocol) {
			case "tcp", "udp":
			default:
				return invalid(epField+".protocol", "must be tcp or udp")
			}
			if ep.ContainerPort < 1 || ep.ContainerPort > 65535 {
				return invalid(epField+".container_port", "%d is not a valid port", ep.ContainerPort)
			}
		}
	}
	return nil
}
