package monitor

import "vitals-monitor/internal/models"

const (
	BradycardiaBelow = 60.0
	TachycardiaAbove = 100.0
	HypoxiaBelow     = 92.0
)

// ClassifyVital labels a reading for display. Types without clinical bands
// get no label.
func ClassifyVital(t models.VitalType, value float64) models.VitalStatus {
	switch t {
	case models.HeartRate:
		switch {
		case value <= 0:
			return models.VitalNoSignal
		case value < BradycardiaBelow:
			return models.VitalBradycardia
		case value > TachycardiaAbove:
			return models.VitalTachycardia
		default:
			return models.VitalNormal
		}
	case models.OxygenSaturation:
		switch {
		case value <= 0:
			return models.VitalNoSignal
		case value < HypoxiaBelow:
			return models.VitalMildHypoxia
		default:
			return models.VitalStable
		}
	}
	return ""
}
