package models

import "time"

type VitalType string

const (
	HeartRate        VitalType = "HEART_RATE"
	OxygenSaturation VitalType = "OXYGEN_SATURATION"
	Temperature      VitalType = "TEMPERATURE"
)

// Unit returns the display unit the dashboard shows next to a reading.
func (t VitalType) Unit() string {
	switch t {
	case HeartRate:
		return "bpm"
	case OxygenSaturation:
		return "%"
	case Temperature:
		return "°C"
	}
	return ""
}

// VitalStatus is the clinical label shown next to a reading.
type VitalStatus string

const (
	VitalNormal      VitalStatus = "normal"
	VitalBradycardia VitalStatus = "bradycardia"
	VitalTachycardia VitalStatus = "tachycardia"
	VitalMildHypoxia VitalStatus = "mild_hypoxia"
	VitalStable      VitalStatus = "stable"
	VitalNoSignal    VitalStatus = "no_signal"
)

type VitalReading struct {
	Type      VitalType   `json:"type"`
	Value     float64     `json:"value"`
	Unit      string      `json:"unit"`
	Status    VitalStatus `json:"status,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type ChartPoint struct {
	Time string  `json:"time"`
	BPM  float64 `json:"bpm"`
}

type FallClassification string

const (
	FallFree      FallClassification = "free_fall"
	FallImpact    FallClassification = "impact"
	FallConfirmed FallClassification = "confirmed"
)

type FallEvent struct {
	PatientID      string             `json:"patientId"`
	GForce         float64            `json:"gForce"`
	Classification FallClassification `json:"classification"`
	Status         string             `json:"status,omitempty"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

type ConnectionStatus string

const (
	StreamConnecting   ConnectionStatus = "connecting"
	StreamConnected    ConnectionStatus = "connected"
	StreamDisconnected ConnectionStatus = "disconnected"
)

// PatientLiveState is a read-only copy of one watched patient's live state.
type PatientLiveState struct {
	PatientID       string                     `json:"patientId"`
	CurrentReadings map[VitalType]VitalReading `json:"currentReadings"`
	ChartBuffer     []ChartPoint               `json:"chartBuffer"`
	ActiveFall      *FallEvent                 `json:"activeFall"`
	Activity        string                     `json:"activity,omitempty"`
	LastPacketAt    time.Time                  `json:"lastPacketAt"`
	SubscribedAt    time.Time                  `json:"subscribedAt"`
	StreamStatus    ConnectionStatus           `json:"streamStatus"`
}

// Online reports whether the sensor currently has a heart-rate or oxygen reading.
func (s PatientLiveState) Online() bool {
	_, hr := s.CurrentReadings[HeartRate]
	_, spo2 := s.CurrentReadings[OxygenSaturation]
	return hr || spo2
}

func (s PatientLiveState) Reading(t VitalType) (float64, bool) {
	r, ok := s.CurrentReadings[t]
	return r.Value, ok
}

// MonitoringSession is the persisted record of a watched patient.
type MonitoringSession struct {
	PatientID      string `json:"patientId"`
	ViewerID       string `json:"viewerId"`
	CompanyID      string `json:"companyId"`
	Status         string `json:"status"`
	StartTime      int64  `json:"startTime"`
	EndTime        *int64 `json:"endTime,omitempty"`
	LastPacketTime *int64 `json:"lastPacketTime,omitempty"`
}

type WatchPayload struct {
	PatientID string `json:"patientId"`
}
