// Package api is the client for the backend REST service.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vitals-monitor/internal/metrics"
	"vitals-monitor/internal/models"
	"vitals-monitor/internal/session"
)

const (
	DefaultBaseURL = "http://localhost:3001"
	defaultTimeout = 15 * time.Second
	defaultRole    = "STAFF"
)

// ErrUnauthorized is returned for 401 responses. It matches session.ErrUnauthorized
// through errors.Is so callers can treat both as "login required".
var ErrUnauthorized = fmt.Errorf("api: unauthorized: %w", session.ErrUnauthorized)

// APIError carries a non-2xx backend response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: backend returned %d", e.Status)
	}
	return fmt.Sprintf("api: backend returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// errorBody covers the error shapes the backend produces ("message" may be a
// string or a list of validation messages).
type errorBody struct {
	Message any    `json:"message"`
	Error   string `json:"error"`
}

func (b *errorBody) text() string {
	switch m := b.Message.(type) {
	case string:
		return m
	case []any:
		parts := make([]string, 0, len(m))
		for _, v := range m {
			parts = append(parts, fmt.Sprint(v))
		}
		return strings.Join(parts, "; ")
	}
	return b.Error
}

type Client struct {
	http    *resty.Client
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.RWMutex
	session *session.Session
}

type Option func(*Client)

func WithSession(s *session.Session) Option {
	return func(c *Client) { c.session = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// WithRetry retries transport failures of GET requests. HTTP error statuses
// and non-idempotent methods are never retried.
func WithRetry(count int, wait time.Duration) Option {
	return func(c *Client) {
		c.http.SetRetryCount(count).
			SetRetryWaitTime(wait).
			SetRetryMaxWaitTime(4 * wait).
			AddRetryCondition(retryIdempotent)
	}
}

func retryIdempotent(resp *resty.Response, err error) bool {
	if err == nil || resp == nil || resp.Request == nil {
		return false
	}
	return resp.Request.Method == http.MethodGet
}

func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(defaultTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SetSession(s *session.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) Session() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx).SetError(&errorBody{})
	if s := c.Session(); s != nil && s.Token != "" {
		r.SetAuthToken(s.Token)
	}
	return r
}

// check turns transport failures and non-2xx responses into errors and records
// the outcome per operation.
func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err == nil && resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if body, ok := resp.Error().(*errorBody); ok && body != nil {
			apiErr.Message = body.text()
		}
		err = apiErr
	} else if err != nil {
		err = fmt.Errorf("api: %s: %w", op, err)
	}
	c.metrics.BackendRequest(op, err)
	if err != nil {
		c.logger.Warn("Backend request failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var out models.LoginResponse
	resp, err := c.request(ctx).
		SetBody(models.LoginRequest{Email: email, Password: password}).
		SetResult(&out).
		Post("/auth/login")
	if err := c.check("login", resp, err); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("api: login: %w", session.ErrMalformed)
	}
	return out.AccessToken, nil
}

func (c *Client) Register(ctx context.Context, req models.RegisterRequest) error {
	if req.Role == "" {
		req.Role = defaultRole
	}
	resp, err := c.request(ctx).SetBody(req).Post("/auth/register")
	return c.check("register", resp, err)
}

func (c *Client) ListPatients(ctx context.Context) ([]models.Patient, error) {
	var out []models.Patient
	resp, err := c.request(ctx).SetResult(&out).Get("/patients")
	if err := c.check("list_patients", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	var out models.Patient
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/patients/{id}")
	if err := c.check("get_patient", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPredictions returns the patient's risk predictions, newest first.
func (c *Client) GetPredictions(ctx context.Context, id string) ([]models.Prediction, error) {
	var out []models.Prediction
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/patients/{id}/predictions")
	if err := c.check("get_predictions", resp, err); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GeneratedAt.After(out[j].GeneratedAt) })
	return out, nil
}

// GetVitals returns the stored vitals of the last days days.
func (c *Client) GetVitals(ctx context.Context, id string, days int) ([]models.VitalRecord, error) {
	if days <= 0 {
		days = 1
	}
	var out []models.VitalRecord
	resp, err := c.request(ctx).
		SetPathParams(map[string]string{"id": id, "days": strconv.Itoa(days)}).
		SetResult(&out).
		Get("/patients/{id}/vitals/{days}")
	if err := c.check("get_vitals", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateActivity(ctx context.Context, id, activity string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetBody(models.ActivityUpdate{Activity: activity}).
		Patch("/patients/{id}/activity")
	return c.check("update_activity", resp, err)
}

// CreatePatient registers a patient. The custom id is the sensor identifier and
// is normalised to upper case.
func (c *Client) CreatePatient(ctx context.Context, p models.NewPatient) (*models.Patient, error) {
	p.CustomID = strings.ToUpper(strings.TrimSpace(p.CustomID))
	var out models.Patient
	resp, err := c.request(ctx).SetBody(p).SetResult(&out).Post("/patients")
	if err := c.check("create_patient", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetAnalysis(ctx context.Context, id string) (*models.AgentAnalysis, error) {
	var out models.AgentAnalysis
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/agent/analysis/{id}")
	if err := c.check("get_analysis", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetGuidance(ctx context.Context, id string, onlyContext bool) (*models.AgentGuidance, error) {
	var out models.AgentGuidance
	r := c.request(ctx).SetPathParam("id", id).SetResult(&out)
	if onlyContext {
		r.SetQueryParam("onlyContext", "true")
	}
	resp, err := r.Get("/agent/guidance/{id}")
	if err := c.check("get_guidance", resp, err); err != nil {
		return nil, err
	}
	if out.PatientID == "" {
		out.PatientID = id
	}
	return &out, nil
}

func (c *Client) GenerateReport(ctx context.Context, patientID string) error {
	resp, err := c.request(ctx).
		SetBody(models.ReportRequest{PatientID: patientID}).
		Post("/reports/generate-manual")
	return c.check("generate_report", resp, err)
}

// LoadPatientView fetches the patient, predictions and vitals history
// concurrently. Either all three succeed or the first error is returned.
func (c *Client) LoadPatientView(ctx context.Context, id string, days int) (*models.PatientView, error) {
	if id == "" {
		return nil, errors.New("api: patient id required")
	}
	var (
		patient     *models.Patient
		predictions []models.Prediction
		vitals      []models.VitalRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		patient, err = c.GetPatient(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		predictions, err = c.GetPredictions(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		vitals, err = c.GetVitals(gctx, id, days)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load patient %s: %w", id, err)
	}

	patient.Predictions = predictions
	patient.Vitals = vitals
	return &models.PatientView{Patient: *patient, Predictions: predictions, Vitals: vitals}, nil
}
