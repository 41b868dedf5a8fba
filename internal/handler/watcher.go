package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"vitals-monitor/internal/models"
)

var ErrInvalidPatient = errors.New("handler: patient id required")

// PatientLoader performs the all-or-nothing initial load. *api.Client satisfies it.
type PatientLoader interface {
	LoadPatientView(ctx context.Context, id string, days int) (*models.PatientView, error)
}

// LiveTracker is the command side of the processor.
type LiveTracker interface {
	Subscribe(ctx context.Context, patientID string) (bool, error)
	Unsubscribe(ctx context.Context, patientID string) (bool, error)
	Seed(ctx context.Context, patientID string, history []models.VitalRecord) (int, error)
}

// SessionStore records which patients are watched. *database.Repository satisfies it.
type SessionStore interface {
	StartMonitoring(patientID, viewerID, companyID string) error
	StopMonitoring(patientID string) error
	GetActivePatients() ([]models.MonitoringSession, error)
}

type SnapshotClearer interface {
	Clear(ctx context.Context, patientID string) error
}

// Watcher starts and stops watching patients: initial REST load, processor
// subscription with a seeded chart, and session bookkeeping.
type Watcher struct {
	loader      PatientLoader
	tracker     LiveTracker
	store       SessionStore
	cache       SnapshotClearer
	viewerID    string
	companyID   string
	historyDays int
	logger      *zap.Logger

	mu    sync.Mutex
	views map[string]*models.PatientView
}

type WatcherOption func(*Watcher)

func WithSnapshotCache(c SnapshotClearer) WatcherOption {
	return func(w *Watcher) { w.cache = c }
}

func WithHistoryDays(days int) WatcherOption {
	return func(w *Watcher) {
		if days > 0 {
			w.historyDays = days
		}
	}
}

func NewWatcher(loader PatientLoader, tracker LiveTracker, store SessionStore, viewerID, companyID string, logger *zap.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		loader:      loader,
		tracker:     tracker,
		store:       store,
		viewerID:    viewerID,
		companyID:   companyID,
		historyDays: 1,
		logger:      logger,
		views:       make(map[string]*models.PatientView),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch loads the patient and starts tracking it. Nothing is subscribed when
// any part of the initial load fails. Watching a tracked patient returns the
// view loaded when tracking started.
func (w *Watcher) Watch(ctx context.Context, patientID string) (*models.PatientView, error) {
	if patientID == "" {
		return nil, ErrInvalidPatient
	}
	if view, ok := w.view(patientID); ok {
		return view, nil
	}
	view, err := w.loader.LoadPatientView(ctx, patientID, w.historyDays)
	if err != nil {
		return nil, err
	}

	added, err := w.tracker.Subscribe(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", patientID, err)
	}
	if !added {
		// a concurrent Watch got there first and owns the session row
		return w.remember(patientID, view), nil
	}
	n, err := w.tracker.Seed(ctx, patientID, view.Vitals)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", patientID, err)
	}
	w.logger.Info("✅ Started monitoring patient",
		zap.String("patient_id", patientID),
		zap.String("name", view.Patient.Name),
		zap.Int("history_points", n),
	)
	view = w.remember(patientID, view)

	if err := w.store.StartMonitoring(patientID, w.viewerID, w.companyID); err != nil {
		w.logger.Error("DB error starting monitoring", zap.String("patient_id", patientID), zap.Error(err))
	}
	return view, nil
}

func (w *Watcher) view(patientID string) (*models.PatientView, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.views[patientID]
	return v, ok
}

// remember stores view unless one is already stored and returns the stored one.
func (w *Watcher) remember(patientID string, view *models.PatientView) *models.PatientView {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v, ok := w.views[patientID]; ok {
		return v
	}
	w.views[patientID] = view
	return view
}

func (w *Watcher) forget(patientID string) {
	w.mu.Lock()
	delete(w.views, patientID)
	w.mu.Unlock()
}

// Unwatch stops tracking a patient and reports whether it was tracked.
func (w *Watcher) Unwatch(ctx context.Context, patientID string) (bool, error) {
	removed, err := w.tracker.Unsubscribe(ctx, patientID)
	if err != nil {
		return false, fmt.Errorf("unsubscribe %s: %w", patientID, err)
	}
	w.forget(patientID)
	if !removed {
		return false, nil
	}
	if err := w.store.StopMonitoring(patientID); err != nil {
		w.logger.Error("DB error stopping monitoring", zap.String("patient_id", patientID), zap.Error(err))
	}
	if w.cache != nil {
		if err := w.cache.Clear(ctx, patientID); err != nil {
			w.logger.Warn("Failed to clear cached snapshot", zap.String("patient_id", patientID), zap.Error(err))
		}
	}
	w.logger.Info("🛑 Stopped monitoring patient", zap.String("patient_id", patientID))
	return true, nil
}

// Restore re-watches every patient the store lists as running and returns how
// many came back. Patients whose load fails are skipped.
func (w *Watcher) Restore(ctx context.Context) (int, error) {
	sessions, err := w.store.GetActivePatients()
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	restored := 0
	for _, s := range sessions {
		if ctx.Err() != nil {
			return restored, ctx.Err()
		}
		if _, err := w.Watch(ctx, s.PatientID); err != nil {
			w.logger.Warn("Could not restore patient", zap.String("patient_id", s.PatientID), zap.Error(err))
			continue
		}
		restored++
	}
	w.logger.Info("Service restored", zap.Int("patients", restored), zap.Int("sessions", len(sessions)))
	return restored, nil
}
