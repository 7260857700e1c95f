// Package cost estimates and meters the spend of lab sessions.
package cost

import (
	"math"
	"time"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/pkg/models"
)

// Resources is the compute footprint of one machine of a profile
type Resources struct {
	VCPU     float64
	MemoryGB float64
}

var profileResources = map[models.ResourceProfile]Resources{
	models.ProfileMicro:  {VCPU: 0.25, MemoryGB: 0.5},
	models.ProfileSmall:  {VCPU: 0.5, MemoryGB: 1},
	models.ProfileMedium: {VCPU: 1, MemoryGB: 2},
	models.ProfileLarge:  {VCPU: 2, MemoryGB: 4},
}

// ResourcesFor returns the footprint of a profile. Unknown profiles fall back to small.
func ResourcesFor(profile models.ResourceProfile) Resources {
	if r, ok := profileResources[profile]; ok {
		return r
	}
	return profileResources[models.ProfileSmall]
}

// Model prices machine time
type Model struct {
	vcpuHour     float64
	memoryGBHour float64
}

// NewModel creates a cost model from configured unit prices
func NewModel(pricing config.PricingConfig) *Model {
	return &Model{
		vcpuHour:     pricing.VCPUHour,
		memoryGBHour: pricing.MemoryGBHour,
	}
}

// HourlyCost returns the price of running one machine of the profile for an hour
func (m *Model) HourlyCost(profile models.ResourceProfile) float64 {
	r := ResourcesFor(profile)
	return r.VCPU*m.vcpuHour + r.MemoryGB*m.memoryGBHour
}

// EstimateMaxCost is the worst-case cost of a session that lives its full TTL,
// billed in whole hours.
func (m *Model) EstimateMaxCost(profile models.ResourceProfile, ttlMinutes, machineCount int) float64 {
	if ttlMinutes <= 0 || machineCount <= 0 {
		return 0
	}
	hours := math.Ceil(float64(ttlMinutes) / 60)
	return m.HourlyCost(profile) * hours * float64(machineCount)
}

// Usage converts the elapsed time of a stopped session into a ledger delta keyed
// by the UTC stop date. Hours are machine-hours, all billed at the session's
// profile; per-machine profiles only size tasks.
func (m *Model) Usage(session *models.EnvironmentSession, stoppedAt time.Time) models.UsageDelta {
	delta := models.UsageDelta{
		Date:    stoppedAt.UTC().Format(DateLayout),
		Profile: session.ResourceProfile,
	}
	if session.StartedAt == nil || !stoppedAt.After(*session.StartedAt) {
		return delta
	}
	machines := session.MachineCount
	if machines < 1 {
		machines = 1
	}
	elapsed := stoppedAt.Sub(*session.StartedAt).Hours()
	delta.Hours = elapsed * float64(machines)
	delta.Cost = m.HourlyCost(session.ResourceProfile) * delta.Hours
	return delta
}

// DateLayout is the key format of the daily usage ledger
const DateLayout = "2006-01-02"
