package monitor

import (
	"strings"

	"vitals-monitor/internal/models"
)

const (
	StatusFallConfirmed = "QUEDA_CONFIRMADA"
	StatusFreeFall      = "QUEDA_LIVRE"
)

// ClassifyFall maps a sensor status and g-force to a severity tier. A g-force
// above the confirm threshold overrides the status.
func ClassifyFall(status string, gForce float64) models.FallClassification {
	return classifyFall(status, gForce, DefaultConfirmGForce)
}

func classifyFall(status string, gForce, confirmG float64) models.FallClassification {
	s := strings.ToUpper(strings.TrimSpace(status))
	switch {
	case s == StatusFallConfirmed || gForce > confirmG:
		return models.FallConfirmed
	case s == StatusFreeFall:
		return models.FallFree
	default:
		return models.FallImpact
	}
}
