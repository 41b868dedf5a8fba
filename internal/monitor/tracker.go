package monitor

import (
	"sort"
	"time"

	"vitals-monitor/internal/models"
)

const (
	DefaultStaleTimeout   = 30 * time.Second
	DefaultSuppressWindow = 3 * time.Second
	DefaultChartCapacity  = 30
	DefaultConfirmGForce  = 3.0

	chartTimeFormat   = "15:04:05"
	historyTimeFormat = "15:04"
)

type Options struct {
	StaleTimeout   time.Duration
	SuppressWindow time.Duration
	ChartCapacity  int
	ConfirmGForce  float64
	// ZeroIsNoSignal drops bpm/spo2 values of exactly zero instead of recording them.
	ZeroIsNoSignal bool
	Location       *time.Location
}

func DefaultOptions() Options {
	return Options{
		StaleTimeout:   DefaultStaleTimeout,
		SuppressWindow: DefaultSuppressWindow,
		ChartCapacity:  DefaultChartCapacity,
		ConfirmGForce:  DefaultConfirmGForce,
		ZeroIsNoSignal: true,
		Location:       time.Local,
	}
}

func (o Options) withDefaults() Options {
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = DefaultStaleTimeout
	}
	if o.SuppressWindow < 0 {
		o.SuppressWindow = 0
	}
	if o.ChartCapacity <= 0 {
		o.ChartCapacity = DefaultChartCapacity
	}
	if o.ConfirmGForce <= 0 {
		o.ConfirmGForce = DefaultConfirmGForce
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

type patientState struct {
	readings      map[models.VitalType]models.VitalReading
	chart         *ChartBuffer
	activeFall    *models.FallEvent
	activity      string
	lastPacketAt  time.Time
	subscribedAt  time.Time
	suppressUntil time.Time
}

// Tracker holds the live state of every subscribed patient. It is not safe
// for concurrent use; Processor serializes access to it.
type Tracker struct {
	opts       Options
	patients   map[string]*patientState
	connection models.ConnectionStatus
}

func NewTracker(opts Options) *Tracker {
	return &Tracker{
		opts:       opts.withDefaults(),
		patients:   make(map[string]*patientState),
		connection: models.StreamConnecting,
	}
}

func (t *Tracker) Options() Options { return t.opts }

// Subscribe starts tracking a patient. The staleness clock starts at now.
// Subscribing an already tracked patient keeps its state.
func (t *Tracker) Subscribe(now time.Time, patientID string) bool {
	if patientID == "" {
		return false
	}
	if _, ok := t.patients[patientID]; ok {
		return false
	}
	t.patients[patientID] = &patientState{
		readings:     make(map[models.VitalType]models.VitalReading),
		chart:        NewChartBuffer(t.opts.ChartCapacity),
		lastPacketAt: now,
		subscribedAt: now,
	}
	return true
}

func (t *Tracker) Unsubscribe(patientID string) bool {
	if _, ok := t.patients[patientID]; !ok {
		return false
	}
	delete(t.patients, patientID)
	return true
}

func (t *Tracker) Subscribed(patientID string) bool {
	_, ok := t.patients[patientID]
	return ok
}

func (t *Tracker) Len() int { return len(t.patients) }

// OnVitalUpdate applies a vitals packet and reports whether it changed any state.
func (t *Tracker) OnVitalUpdate(now time.Time, ev models.VitalsEvent) bool {
	p, ok := t.patients[ev.PatientID]
	if !ok {
		return false
	}

	changed := false
	if ev.Activity != nil && *ev.Activity != "" {
		p.activity = *ev.Activity
		changed = true
	}

	bpm, hasBPM := t.signal(ev.BPM)
	spo2, hasSpO2 := t.signal(ev.SpO2)
	if !hasBPM && !hasSpO2 {
		return changed
	}

	if hasBPM {
		p.readings[models.HeartRate] = newReading(models.HeartRate, bpm, now)
		p.chart.Push(models.ChartPoint{Time: now.In(t.opts.Location).Format(chartTimeFormat), BPM: bpm})
	}
	if hasSpO2 {
		p.readings[models.OxygenSaturation] = newReading(models.OxygenSaturation, spo2, now)
	}
	if now.After(p.lastPacketAt) {
		p.lastPacketAt = now
	}
	return true
}

func (t *Tracker) signal(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	if *v == 0 && t.opts.ZeroIsNoSignal {
		return 0, false
	}
	return *v, true
}

func newReading(typ models.VitalType, value float64, now time.Time) models.VitalReading {
	return models.VitalReading{Type: typ, Value: value, Unit: typ.Unit(), Status: ClassifyVital(typ, value), Timestamp: now}
}

// OnFallEvent classifies and records a fall signal. Signals for untracked
// patients or inside the post-acknowledgment window are discarded.
func (t *Tracker) OnFallEvent(now time.Time, ev models.FallSignalEvent) (models.FallEvent, bool) {
	p, ok := t.patients[ev.PatientID]
	if !ok {
		return models.FallEvent{}, false
	}
	if now.Before(p.suppressUntil) {
		return models.FallEvent{}, false
	}
	fall := models.FallEvent{
		PatientID:      ev.PatientID,
		GForce:         ev.GForce,
		Classification: classifyFall(ev.Status, ev.GForce, t.opts.ConfirmGForce),
		Status:         ev.Status,
		OccurredAt:     now,
	}
	p.activeFall = &fall
	return fall, true
}

// AcknowledgeFall clears the active fall and opens the suppression window.
func (t *Tracker) AcknowledgeFall(now time.Time, patientID string) bool {
	p, ok := t.patients[patientID]
	if !ok {
		return false
	}
	p.activeFall = nil
	p.suppressUntil = now.Add(t.opts.SuppressWindow)
	return true
}

// Tick clears heart rate and oxygen readings of every patient whose last
// packet is older than the stale timeout, returning the patients that went
// offline on this tick.
func (t *Tracker) Tick(now time.Time) []string {
	var offline []string
	for id, p := range t.patients {
		if now.Sub(p.lastPacketAt) <= t.opts.StaleTimeout {
			continue
		}
		_, hr := p.readings[models.HeartRate]
		_, spo2 := p.readings[models.OxygenSaturation]
		if !hr && !spo2 {
			continue
		}
		delete(p.readings, models.HeartRate)
		delete(p.readings, models.OxygenSaturation)
		offline = append(offline, id)
	}
	sort.Strings(offline)
	return offline
}

// Seed pre-fills the chart from stored history. Only heart-rate records are
// used, oldest first, keeping the most recent ones that fit.
func (t *Tracker) Seed(patientID string, history []models.VitalRecord) int {
	p, ok := t.patients[patientID]
	if !ok {
		return 0
	}
	hr := make([]models.VitalRecord, 0, len(history))
	for _, v := range history {
		if v.Type == models.HeartRate {
			hr = append(hr, v)
		}
	}
	sort.SliceStable(hr, func(i, j int) bool { return hr[i].Timestamp.Before(hr[j].Timestamp) })
	if len(hr) > p.chart.Cap() {
		hr = hr[len(hr)-p.chart.Cap():]
	}

	// Live points already received stay newest.
	live := p.chart.Points()
	p.chart = NewChartBuffer(t.opts.ChartCapacity)
	for _, v := range hr {
		p.chart.Push(models.ChartPoint{Time: v.Timestamp.In(t.opts.Location).Format(historyTimeFormat), BPM: v.Value})
	}
	for _, pt := range live {
		p.chart.Push(pt)
	}
	return len(hr)
}

func (t *Tracker) SetConnection(status models.ConnectionStatus) bool {
	if t.connection == status {
		return false
	}
	t.connection = status
	return true
}

func (t *Tracker) Connection() models.ConnectionStatus { return t.connection }

func (t *Tracker) Snapshot(patientID string) (models.PatientLiveState, bool) {
	p, ok := t.patients[patientID]
	if !ok {
		return models.PatientLiveState{}, false
	}
	return t.snapshot(patientID, p), true
}

// Snapshots returns copies of every tracked patient, ordered by patient id.
func (t *Tracker) Snapshots() []models.PatientLiveState {
	ids := make([]string, 0, len(t.patients))
	for id := range t.patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.PatientLiveState, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.snapshot(id, t.patients[id]))
	}
	return out
}

func (t *Tracker) snapshot(id string, p *patientState) models.PatientLiveState {
	readings := make(map[models.VitalType]models.VitalReading, len(p.readings))
	for k, v := range p.readings {
		readings[k] = v
	}
	var fall *models.FallEvent
	if p.activeFall != nil {
		f := *p.activeFall
		fall = &f
	}
	return models.PatientLiveState{
		PatientID:       id,
		CurrentReadings: readings,
		ChartBuffer:     p.chart.Points(),
		ActiveFall:      fall,
		Activity:        p.activity,
		LastPacketAt:    p.lastPacketAt,
		SubscribedAt:    p.subscribedAt,
		StreamStatus:    t.connection,
	}
}
