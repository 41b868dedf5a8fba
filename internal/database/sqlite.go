package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"vitals-monitor/internal/models"
)

const (
	timeFormat = "02/01/2006 15:04:05.000"

	StatusRunning = "running"
	StatusStopped = "stopped"
)

var ErrNotFound = errors.New("database: session not found")

type Repository struct {
	db     *sql.DB
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository opens the sqlite session store. Timestamps are written as
// local wall-clock text in timezone; an unknown zone falls back to UTC.
func NewRepository(dbPath, timezone string, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn("Unknown DB timezone, using UTC", zap.String("timezone", timezone), zap.Error(err))
		loc = time.UTC
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db, loc: loc, logger: logger, now: time.Now}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return repo, nil
}

func (r *Repository) initSchema() error {
	createSessionsTable := `
    CREATE TABLE IF NOT EXISTS monitoring_sessions (
        patient_id TEXT PRIMARY KEY,
        viewer_id TEXT NOT NULL,
        company_id TEXT NOT NULL,
        status TEXT NOT NULL,
        start_time TEXT NOT NULL,
        end_time TEXT,
        last_packet_time TEXT
    );`
	_, err := r.db.Exec(createSessionsTable)
	return err
}

func (r *Repository) format(t time.Time) string {
	return t.In(r.loc).Format(timeFormat)
}

func (r *Repository) parse(s string) (time.Time, error) {
	return time.ParseInLocation(timeFormat, s, r.loc)
}

// StartMonitoring records that viewerID is watching patientID. A running
// session keeps its start and last packet times; a stopped one starts over.
func (r *Repository) StartMonitoring(patientID, viewerID, companyID string) error {
	query := `
    INSERT INTO monitoring_sessions (patient_id, viewer_id, company_id, status, start_time, end_time, last_packet_time)
    VALUES (?, ?, ?, ?, ?, NULL, NULL)
    ON CONFLICT(patient_id) DO UPDATE SET
        viewer_id = excluded.viewer_id,
        company_id = excluded.company_id,
        start_time = CASE WHEN status = ? THEN start_time ELSE excluded.start_time END,
        last_packet_time = CASE WHEN status = ? THEN last_packet_time ELSE NULL END,
        status = excluded.status,
        end_time = NULL`
	_, err := r.db.Exec(query, patientID, viewerID, companyID, StatusRunning, r.format(r.now()), StatusRunning, StatusRunning)
	return err
}

func (r *Repository) StopMonitoring(patientID string) error {
	query := `UPDATE monitoring_sessions SET status = ?, end_time = ? WHERE patient_id = ?`
	_, err := r.db.Exec(query, StatusStopped, r.format(r.now()), patientID)
	return err
}

// BatchUpdateLastPacketTime writes every update in one transaction.
func (r *Repository) BatchUpdateLastPacketTime(updates map[string]time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("UPDATE monitoring_sessions SET last_packet_time = ? WHERE patient_id = ?")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for patientID, ts := range updates {
		if _, err := stmt.Exec(r.format(ts), patientID); err != nil {
			r.logger.Error("Failed to update last packet time, rolling back",
				zap.String("patient_id", patientID),
				zap.Error(err),
			)
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const selectSessions = `SELECT patient_id, viewer_id, company_id, status, start_time, end_time, last_packet_time FROM monitoring_sessions`

func (r *Repository) GetActivePatients() ([]models.MonitoringSession, error) {
	rows, err := r.db.Query(selectSessions+` WHERE status = ? ORDER BY patient_id`, StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.MonitoringSession
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			r.logger.Warn("Skipping unreadable session row", zap.Error(err))
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *Repository) GetSession(patientID string) (models.MonitoringSession, error) {
	row := r.db.QueryRow(selectSessions+` WHERE patient_id = ?`, patientID)
	s, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MonitoringSession{}, ErrNotFound
	}
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scan(row scanner) (models.MonitoringSession, error) {
	var (
		s                             models.MonitoringSession
		startTimeStr                  string
		endTimeStr, lastPacketTimeStr sql.NullString
	)
	if err := row.Scan(
		&s.PatientID,
		&s.ViewerID,
		&s.CompanyID,
		&s.Status,
		&startTimeStr,
		&endTimeStr,
		&lastPacketTimeStr,
	); err != nil {
		return s, err
	}

	startTime, err := r.parse(startTimeStr)
	if err != nil {
		return s, fmt.Errorf("start_time %q: %w", startTimeStr, err)
	}
	s.StartTime = startTime.Unix()

	if endTimeStr.Valid {
		if endTime, err := r.parse(endTimeStr.String); err == nil {
			endTimeUnix := endTime.Unix()
			s.EndTime = &endTimeUnix
		}
	}
	if lastPacketTimeStr.Valid {
		if lastPacketTime, err := r.parse(lastPacketTimeStr.String); err == nil {
			lastPacketTimeUnix := lastPacketTime.Unix()
			s.LastPacketTime = &lastPacketTimeUnix
		}
	}
	return s, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
