package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitals-monitor/internal/api"
	"vitals-monitor/internal/database"
	"vitals-monitor/internal/metrics"
	"vitals-monitor/internal/models"
	"vitals-monitor/internal/monitor"
	"vitals-monitor/internal/session"
)

type procWatcher struct {
	proc *monitor.Processor
}

func (w procWatcher) Watch(ctx context.Context, id string) (*models.PatientView, error) {
	if _, err := w.proc.Subscribe(ctx, id); err != nil {
		return nil, err
	}
	return &models.PatientView{Patient: models.Patient{ID: id, Name: "Maria"}}, nil
}

func (w procWatcher) Unwatch(ctx context.Context, id string) (bool, error) {
	return w.proc.Unsubscribe(ctx, id)
}

type fakeBackend struct {
	err         error
	created     models.NewPatient
	activity    string
	onlyContext bool
	reported    string
	registered  models.RegisterRequest
}

func (f *fakeBackend) Register(_ context.Context, req models.RegisterRequest) error {
	f.registered = req
	return f.err
}

func (f *fakeBackend) ListPatients(context.Context) ([]models.Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []models.Patient{{ID: "p1", Name: "Maria"}}, nil
}

func (f *fakeBackend) CreatePatient(_ context.Context, p models.NewPatient) (*models.Patient, error) {
	f.created = p
	return &models.Patient{ID: "p2", Name: p.Name}, f.err
}

func (f *fakeBackend) UpdateActivity(_ context.Context, _ string, activity string) error {
	f.activity = activity
	return f.err
}

func (f *fakeBackend) GetAnalysis(context.Context, string) (*models.AgentAnalysis, error) {
	return &models.AgentAnalysis{StatusSummary: "Estavel"}, f.err
}

func (f *fakeBackend) GetGuidance(_ context.Context, id string, onlyContext bool) (*models.AgentGuidance, error) {
	f.onlyContext = onlyContext
	return &models.AgentGuidance{PatientID: id}, f.err
}

func (f *fakeBackend) GenerateReport(_ context.Context, id string) error {
	f.reported = id
	return f.err
}

type sessionTable map[string]models.MonitoringSession

func (t sessionTable) GetSession(id string) (models.MonitoringSession, error) {
	s, ok := t[id]
	if !ok {
		return models.MonitoringSession{}, database.ErrNotFound
	}
	return s, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *monitor.Processor, *fakeBackend) {
	t.Helper()
	m := metrics.New()
	proc, err := monitor.NewProcessor(&session.Session{Token: "t"}, monitor.DefaultOptions(), nil, monitor.WithMetrics(m))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	backend := &fakeBackend{}
	sessions := sessionTable{"p1": {PatientID: "p1", ViewerID: "viewer-1", Status: database.StatusRunning, StartTime: 1773480600}}
	srv := httptest.NewServer(NewServer(":0", proc, procWatcher{proc}, backend, sessions, m.Handler(), nil).Handler())
	t.Cleanup(srv.Close)
	return srv, proc, backend
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func num(v float64) *float64 { return &v }

func TestServer_LiveLifecycle(t *testing.T) {
	srv, proc, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/live/p1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/live/p1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.True(t, proc.Publish(context.Background(), models.VitalsEvent{PatientID: "p1", BPM: num(72), SpO2: num(97)}))
	require.True(t, proc.Publish(context.Background(), models.FallSignalEvent{PatientID: "p1", Status: "QUEDA_CONFIRMADA"}))

	resp = do(t, http.MethodGet, srv.URL+"/live/p1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap models.PatientLiveState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	bpm, ok := snap.Reading(models.HeartRate)
	require.True(t, ok)
	assert.Equal(t, 72.0, bpm)
	require.NotNil(t, snap.ActiveFall)
	assert.Equal(t, models.FallConfirmed, snap.ActiveFall.Classification)

	resp = do(t, http.MethodPost, srv.URL+"/live/p1/fall/ack", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/live", "")
	var all []models.PatientLiveState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	require.Len(t, all, 1)
	assert.Nil(t, all[0].ActiveFall)

	resp = do(t, http.MethodDelete, srv.URL+"/live/p1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/live/p1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/live/p1/fall/ack", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_BackendProxies(t *testing.T) {
	srv, _, backend := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/patients", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/patients", `{"name":"Jose","customId":"esp-1"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Jose", backend.created.Name)

	resp = do(t, http.MethodPost, srv.URL+"/patients", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPatch, srv.URL+"/patients/p1/activity", `{"activity":"Caminhando"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "Caminhando", backend.activity)

	resp = do(t, http.MethodPatch, srv.URL+"/patients/p1/activity", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/patients/p1/analysis", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/patients/p1/guidance?onlyContext=true", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, backend.onlyContext)

	resp = do(t, http.MethodPost, srv.URL+"/patients/p1/report", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "p1", backend.reported)
}

func TestServer_RegisterAndSessionLookup(t *testing.T) {
	srv, _, backend := newTestServer(t)

	resp := do(t, http.MethodPost, srv.URL+"/auth/register", `{"name":"Ana","email":"ana@example.org","password":"s3cret"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ana@example.org", backend.registered.Email)

	resp = do(t, http.MethodPost, srv.URL+"/auth/register", `{"name":"Ana"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/live/p1/session", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess models.MonitoringSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	assert.Equal(t, "viewer-1", sess.ViewerID)
	assert.Equal(t, database.StatusRunning, sess.Status)

	resp = do(t, http.MethodGet, srv.URL+"/live/p9/session", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ErrorMapping(t *testing.T) {
	srv, _, backend := newTestServer(t)

	backend.err = &api.APIError{Status: http.StatusUnauthorized, Message: "Unauthorized"}
	resp := do(t, http.MethodGet, srv.URL+"/patients", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	backend.err = &api.APIError{Status: http.StatusNotFound, Message: "Patient not found"}
	resp = do(t, http.MethodGet, srv.URL+"/patients", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	backend.err = &api.APIError{Status: http.StatusInternalServerError}
	resp = do(t, http.MethodGet, srv.URL+"/patients", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_HealthMetricsAndCORS(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/live", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_RunShutsDownOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
