package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"vitals-monitor/internal/models"
)

// SnapshotSource is the read side of the processor.
type SnapshotSource interface {
	Snapshots(ctx context.Context) ([]models.PatientLiveState, error)
}

type LastPacketStore interface {
	BatchUpdateLastPacketTime(updates map[string]time.Time) error
}

// SnapshotSink is implemented by *cache.SnapshotPublisher.
type SnapshotSink interface {
	Publish(ctx context.Context, snaps []models.PatientLiveState) error
}

// Housekeeper periodically persists last-packet times, logs a status report
// and, when a sink is configured, publishes snapshots.
type Housekeeper struct {
	source   SnapshotSource
	store    LastPacketStore
	sink     SnapshotSink
	interval time.Duration
	logger   *zap.Logger

	// only read and written by RunHousekeepingCycle
	flushed map[string]time.Time
}

func NewHousekeeper(source SnapshotSource, store LastPacketStore, sink SnapshotSink, interval time.Duration, logger *zap.Logger) *Housekeeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Housekeeper{
		source:   source,
		store:    store,
		sink:     sink,
		interval: interval,
		logger:   logger,
		flushed:  make(map[string]time.Time),
	}
}

func (h *Housekeeper) RunHousekeepingCycle(ctx context.Context) {
	h.logger.Info("Housekeeping cycle started", zap.Duration("interval", h.interval))
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Housekeeping cycle stopping")
			return
		case <-ticker.C:
			if err := h.Housekeep(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error("Housekeeping failed", zap.Error(err))
			}
		}
	}
}

// Housekeep runs one cycle: flush last-packet times that moved since the
// previous cycle, then log the report.
func (h *Housekeeper) Housekeep(ctx context.Context) error {
	snaps, err := h.source.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("read snapshots: %w", err)
	}

	updates := make(map[string]time.Time)
	live := make(map[string]bool, len(snaps))
	for _, s := range snaps {
		live[s.PatientID] = true
		if !s.LastPacketAt.After(s.SubscribedAt) {
			continue
		}
		if prev, ok := h.flushed[s.PatientID]; ok && !s.LastPacketAt.After(prev) {
			continue
		}
		updates[s.PatientID] = s.LastPacketAt
	}
	for id := range h.flushed {
		if !live[id] {
			delete(h.flushed, id)
		}
	}

	if len(updates) > 0 {
		if err := h.store.BatchUpdateLastPacketTime(updates); err != nil {
			h.logger.Error("DB error during housekeeping update", zap.Error(err))
		} else {
			for id, ts := range updates {
				h.flushed[id] = ts
			}
			h.logger.Info("Housekeeping: updated last packet time", zap.Int("patients", len(updates)))
		}
	}

	h.logger.Info(buildReport(snaps, updates))
	return nil
}

// RunSnapshotPublisher pushes every snapshot to the sink each interval.
func (h *Housekeeper) RunSnapshotPublisher(ctx context.Context, interval time.Duration) {
	if h.sink == nil {
		return
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.PublishSnapshots(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil && !failing:
				h.logger.Warn("Snapshot publishing failing", zap.Error(err))
				failing = true
			case err == nil && failing:
				h.logger.Info("Snapshot publishing recovered")
				failing = false
			}
		}
	}
}

func (h *Housekeeper) PublishSnapshots(ctx context.Context) error {
	snaps, err := h.source.Snapshots(ctx)
	if err != nil {
		return err
	}
	return h.sink.Publish(ctx, snaps)
}

func buildReport(snaps []models.PatientLiveState, flushed map[string]time.Time) string {
	var report strings.Builder
	report.WriteString("\n--- Housekeeping Report ---\n")
	report.WriteString(fmt.Sprintf("%-15s | %-7s | %-16s | %-17s | %-10s | %-9s\n", "Patient", "Online?", "BPM", "SpO2", "Fall", "Streamed?"))
	report.WriteString(strings.Repeat("-", 92) + "\n")

	if len(snaps) == 0 {
		report.WriteString("No patients being watched.\n")
	}
	offline := 0
	for _, s := range snaps {
		fall := "none"
		if s.ActiveFall != nil {
			fall = string(s.ActiveFall.Classification)
		}
		_, streamed := flushed[s.PatientID]
		if !s.Online() {
			offline++
		}
		report.WriteString(fmt.Sprintf("%-15s | %-7t | %-16s | %-17s | %-10s | %-9t\n",
			s.PatientID, s.Online(),
			reportCell(s, models.HeartRate), reportCell(s, models.OxygenSaturation),
			fall, streamed))
	}
	report.WriteString(fmt.Sprintf("Watched: %d, offline sensors: %d\n", len(snaps), offline))
	report.WriteString(strings.Repeat("-", 92))
	return report.String()
}

// reportCell renders a reading as "72 (normal)", or "-" when absent.
func reportCell(s models.PatientLiveState, t models.VitalType) string {
	r, ok := s.CurrentReadings[t]
	if !ok {
		return "-"
	}
	if r.Status == "" {
		return fmt.Sprintf("%.0f", r.Value)
	}
	return fmt.Sprintf("%.0f (%s)", r.Value, r.Status)
}
