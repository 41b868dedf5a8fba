package models

import "time"

// --- Backend REST payloads ---

type Company struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type Activity struct {
	Name string `json:"name"`
}

type VitalRecord struct {
	ID        string    `json:"id"`
	Type      VitalType `json:"type"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

type Prediction struct {
	ID          string    `json:"id"`
	RiskLevel   string    `json:"riskLevel"`
	Score       float64   `json:"score"`
	Reason      string    `json:"reason"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type Patient struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Email           string        `json:"email,omitempty"`
	BirthDate       string        `json:"birthDate,omitempty"`
	CustomID        string        `json:"customId,omitempty"`
	Active          bool          `json:"active"`
	Company         *Company      `json:"company,omitempty"`
	CurrentActivity *Activity     `json:"currentActivity,omitempty"`
	Vitals          []VitalRecord `json:"vitals,omitempty"`
	Predictions     []Prediction  `json:"predictions,omitempty"`
}

type NewPatient struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	BirthDate string `json:"birthDate"`
	CustomID  string `json:"customId"`
}

// PatientView is the result of the patient-detail initial load.
type PatientView struct {
	Patient     Patient       `json:"patient"`
	Predictions []Prediction  `json:"predictions"`
	Vitals      []VitalRecord `json:"vitals"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role,omitempty"`
	CompanyID string `json:"companyId,omitempty"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
}

type ActivityUpdate struct {
	Activity string `json:"activity"`
}

type ReportRequest struct {
	PatientID string `json:"patientId"`
}

// AgentAnalysis is the AI summary returned by /agent/analysis. Field names follow the backend.
type AgentAnalysis struct {
	StatusSummary    string `json:"status_resumo"`
	DetailedAnalysis string `json:"analise_detalhada"`
	NursingAdvice    string `json:"recomendacao_enfermagem"`
	GeriatricWarning string `json:"alerta_geriatrico"`
}

type AgentGuidance struct {
	PatientID string         `json:"patientId,omitempty"`
	Guidance  string         `json:"guidance,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}
