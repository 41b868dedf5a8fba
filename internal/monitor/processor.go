package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vitals-monitor/internal/metrics"
	"vitals-monitor/internal/models"
	"vitals-monitor/internal/session"
)

var (
	ErrStopped        = errors.New("monitor: processor stopped")
	ErrAlreadyRunning = errors.New("monitor: processor already running")
	ErrNoSession      = errors.New("monitor: session required")
)

type command struct {
	fn    func(now time.Time, t *Tracker)
	reply chan struct{}
}

// Processor owns a Tracker and applies stream events, timer ticks and
// consumer commands to it from a single goroutine.
type Processor struct {
	tracker   *Tracker
	session   *session.Session
	events    chan models.StreamEvent
	commands  chan command
	done      chan struct{}
	running   atomic.Bool
	now       func() time.Time
	tickEvery time.Duration
	logger    *zap.Logger
	metrics   *metrics.Collector
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.tickEvery = d
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithEventBuffer(n int) Option {
	return func(p *Processor) {
		if n >= 0 {
			p.events = make(chan models.StreamEvent, n)
		}
	}
}

func NewProcessor(sess *session.Session, opts Options, logger *zap.Logger, options ...Option) (*Processor, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		tracker:   NewTracker(opts),
		session:   sess,
		events:    make(chan models.StreamEvent, 256),
		commands:  make(chan command),
		done:      make(chan struct{}),
		now:       time.Now,
		tickEvery: time.Second,
		logger:    logger,
	}
	for _, opt := range options {
		opt(p)
	}
	if p.session.Expired(p.now()) {
		return nil, session.ErrExpired
	}
	return p, nil
}

func (p *Processor) Session() *session.Session { return p.session }

// Run drains events and commands until ctx is cancelled or the session
// expires. It may be called once.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(p.done)

	ticker := time.NewTicker(p.tickEvery)
	defer ticker.Stop()

	p.logger.Info("Vitals processor started",
		zap.Duration("stale_timeout", p.tracker.opts.StaleTimeout),
		zap.Duration("tick_interval", p.tickEvery),
		zap.String("company_id", p.session.CompanyID()),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Vitals processor stopping")
			return nil
		case ev := <-p.events:
			p.apply(ev)
		case cmd := <-p.commands:
			p.drain()
			cmd.fn(p.now(), p.tracker)
			close(cmd.reply)
		case <-ticker.C:
			p.drain()
			if err := p.tick(); err != nil {
				return err
			}
		}
	}
}

// Publish hands an event to the processor, blocking while the inbound buffer
// is full. It returns false once ctx is done or the processor has stopped.
func (p *Processor) Publish(ctx context.Context, ev models.StreamEvent) bool {
	if ev == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}
}

func (p *Processor) do(ctx context.Context, fn func(now time.Time, t *Tracker)) error {
	cmd := command{fn: fn, reply: make(chan struct{})}
	select {
	case p.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrStopped
	}
	select {
	case <-cmd.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		select {
		case <-cmd.reply:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (p *Processor) Subscribe(ctx context.Context, patientID string) (bool, error) {
	var added bool
	err := p.do(ctx, func(now time.Time, t *Tracker) {
		added = t.Subscribe(now, patientID)
		p.metrics.SetSubscribed(t.Len())
	})
	if err != nil {
		return false, err
	}
	if added {
		p.logger.Info("Subscribed to patient", zap.String("patient_id", patientID))
	}
	return added, nil
}

func (p *Processor) Unsubscribe(ctx context.Context, patientID string) (bool, error) {
	var removed bool
	err := p.do(ctx, func(_ time.Time, t *Tracker) {
		removed = t.Unsubscribe(patientID)
		p.metrics.SetSubscribed(t.Len())
	})
	if err != nil {
		return false, err
	}
	if removed {
		p.logger.Info("Unsubscribed from patient", zap.String("patient_id", patientID))
	}
	return removed, nil
}

func (p *Processor) AcknowledgeFall(ctx context.Context, patientID string) (bool, error) {
	var ok bool
	err := p.do(ctx, func(now time.Time, t *Tracker) {
		ok = t.AcknowledgeFall(now, patientID)
	})
	if err != nil {
		return false, err
	}
	if ok {
		p.logger.Info("Fall acknowledged",
			zap.String("patient_id", patientID),
			zap.Duration("suppress_for", p.tracker.opts.SuppressWindow),
		)
	}
	return ok, nil
}

func (p *Processor) Seed(ctx context.Context, patientID string, history []models.VitalRecord) (int, error) {
	var n int
	err := p.do(ctx, func(_ time.Time, t *Tracker) {
		n = t.Seed(patientID, history)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Processor) Snapshot(ctx context.Context, patientID string) (models.PatientLiveState, bool, error) {
	var (
		snap models.PatientLiveState
		ok   bool
	)
	err := p.do(ctx, func(_ time.Time, t *Tracker) {
		snap, ok = t.Snapshot(patientID)
	})
	if err != nil {
		return models.PatientLiveState{}, false, err
	}
	return snap, ok, nil
}

func (p *Processor) Snapshots(ctx context.Context) ([]models.PatientLiveState, error) {
	var out []models.PatientLiveState
	err := p.do(ctx, func(_ time.Time, t *Tracker) {
		out = t.Snapshots()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// drain applies every event already queued, so commands and ticks observe
// all events published before them.
func (p *Processor) drain() {
	for {
		select {
		case ev := <-p.events:
			p.apply(ev)
		default:
			return
		}
	}
}

func (p *Processor) apply(ev models.StreamEvent) {
	now := p.now()
	p.metrics.EventReceived(ev.EventName())

	switch e := ev.(type) {
	case models.VitalsEvent:
		if !p.tracker.Subscribed(e.PatientID) {
			p.metrics.EventDropped("unsubscribed")
			return
		}
		if !p.tracker.OnVitalUpdate(now, e) {
			p.metrics.EventDropped("no_signal")
			p.logger.Debug("Vitals packet carried no signal", zap.String("patient_id", e.PatientID))
		}
	case models.FallSignalEvent:
		if !p.tracker.Subscribed(e.PatientID) {
			p.metrics.EventDropped("unsubscribed")
			return
		}
		fall, ok := p.tracker.OnFallEvent(now, e)
		if !ok {
			p.metrics.EventDropped("suppressed")
			p.logger.Debug("Fall signal suppressed after acknowledgment", zap.String("patient_id", e.PatientID))
			return
		}
		p.metrics.FallDetected(string(fall.Classification))
		p.logger.Warn("🚨 Fall detected",
			zap.String("patient_id", fall.PatientID),
			zap.String("classification", string(fall.Classification)),
			zap.String("status", fall.Status),
			zap.Float64("g_force", fall.GForce),
		)
	case models.ConnectionEvent:
		p.metrics.SetConnected(e.Source, e.Status == models.StreamConnected)
		if p.tracker.SetConnection(e.Status) {
			p.logger.Info("Stream status changed",
				zap.String("source", e.Source),
				zap.String("status", string(e.Status)),
				zap.String("reason", e.Reason),
			)
		}
	default:
		p.metrics.EventDropped("unknown")
	}
}

func (p *Processor) tick() error {
	now := p.now()
	if p.session.Expired(now) {
		p.logger.Warn("Session expired, login required", zap.Time("expired_at", p.session.ExpiresAt()))
		return session.ErrExpired
	}
	offline := p.tracker.Tick(now)
	for _, id := range offline {
		p.logger.Info("Sensor offline, clearing vitals",
			zap.String("patient_id", id),
			zap.Duration("stale_timeout", p.tracker.opts.StaleTimeout),
		)
	}
	p.metrics.SensorsOffline(len(offline))
	return nil
}
