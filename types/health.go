package types

// HealthState is the aggregate health of the routing core, derived from
// component failure rates rather than reported by anyone.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Valid reports whether the state is one of the known health levels.
func (s HealthState) Valid() bool {
	switch s {
	case HealthHealthy, HealthDegraded, HealthUnhealthy:
		return true
	}
	return false
}
