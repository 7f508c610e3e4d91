package model

// HealthLevel is the rolled-up health of a component or the whole pipeline.
type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthDegraded  HealthLevel = "degraded"
	HealthUnhealthy HealthLevel = "unhealthy"
)

// Worse returns the more severe of a and b.
func (a HealthLevel) Worse(b HealthLevel) HealthLevel {
	if healthRank[b] > healthRank[a] {
		return b
	}
	return a
}

var healthRank = map[HealthLevel]int{
	HealthHealthy:   0,
	HealthDegraded:  1,
	HealthUnhealthy: 2,
}
