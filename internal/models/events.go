package models

const (
	EventVitals = "dados_vitais"
	EventFalls  = "dados_quedas"
)

// StreamEvent is anything the processor accepts on its inbound channel.
type StreamEvent interface {
	EventName() string
}

// VitalsEvent carries a dados_vitais packet. Nil fields were absent or null.
type VitalsEvent struct {
	PatientID string
	BPM       *float64
	SpO2      *float64
	Activity  *string
}

func (VitalsEvent) EventName() string { return EventVitals }

type FallSignalEvent struct {
	PatientID string
	Status    string
	GForce    float64
}

func (FallSignalEvent) EventName() string { return EventFalls }

type ConnectionEvent struct {
	Source string
	Status ConnectionStatus
	Reason string
}

func (ConnectionEvent) EventName() string { return "connection" }
