// Package flightlog keeps a sqlite history of link sessions and throttled
// telemetry samples.
package flightlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gcslink/internal/telemetry"
	"gcslink/internal/vehicle"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    link_session TEXT    NOT NULL,
    endpoint     TEXT    NOT NULL,
    started_at   INTEGER NOT NULL,
    ended_at     INTEGER,
    end_reason   TEXT
);
CREATE TABLE IF NOT EXISTS samples (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   INTEGER NOT NULL REFERENCES sessions (id),
    at           INTEGER NOT NULL,
    lat          REAL    NOT NULL,
    lon          REAL    NOT NULL,
    altitude     REAL    NOT NULL,
    heading      REAL    NOT NULL,
    ground_speed REAL    NOT NULL,
    climb        REAL    NOT NULL,
    roll         REAL    NOT NULL,
    pitch        REAL    NOT NULL,
    yaw          REAL    NOT NULL,
    armed        INTEGER NOT NULL,
    mode         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_session_at ON samples (session_id, at);
`

type Session struct {
	ID          int64
	LinkSession string
	Endpoint    string
	StartedAt   time.Time
	EndedAt     time.Time // zero while open
	EndReason   string
}

type SampleRow struct {
	SessionID   int64
	At          time.Time
	Lat         float64
	Lon         float64
	AltitudeM   float64
	HeadingDeg  float64
	GroundSpeed float64
	Climb       float64
	Roll        float64
	Pitch       float64
	Yaw         float64
	Armed       bool
	Mode        vehicle.Mode
}

// Store handles database operations. Writes go through prepared
// statements on a single connection.
type Store struct {
	db *sql.DB

	insertSession *sql.Stmt
	endSession    *sql.Stmt
	insertSample  *sql.Stmt

	closeOnce sync.Once
	closeErr  error
}

const (
	insertSessionSQL = `
INSERT INTO sessions (link_session, endpoint, started_at)
VALUES (?, ?, ?)`

	endSessionSQL = `
UPDATE sessions
SET ended_at = ?, end_reason = ?
WHERE id = ? AND ended_at IS NULL`

	insertSampleSQL = `
INSERT INTO samples (session_id, at, lat, lon, altitude, heading, ground_speed,
                     climb, roll, pitch, yaw, armed, mode)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// Open creates or opens the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	s := &Store{db: db}
	for _, p := range []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.insertSession, insertSessionSQL},
		{&s.endSession, endSessionSQL},
		{&s.insertSample, insertSampleSQL},
	} {
		stmt, err := db.Prepare(p.sql)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("preparing statement: %w", err)
		}
		*p.dst = stmt
	}
	return s, nil
}

func (s *Store) BeginSession(ctx context.Context, linkSession, endpoint string, at time.Time) (int64, error) {
	res, err := s.insertSession.ExecContext(ctx, linkSession, endpoint, at.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}
	return res.LastInsertId()
}

// EndSession closes an open session. Ending an already closed session is a
// no-op.
func (s *Store) EndSession(ctx context.Context, id int64, at time.Time, reason string) error {
	if _, err := s.endSession.ExecContext(ctx, at.UnixNano(), reason, id); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return nil
}

func (s *Store) InsertSample(ctx context.Context, sessionID int64, smp telemetry.Sample) error {
	armed := 0
	if smp.Armed {
		armed = 1
	}
	_, err := s.insertSample.ExecContext(ctx,
		sessionID,
		smp.UpdatedAt.UnixNano(),
		smp.Lat,
		smp.Lon,
		smp.AltitudeM,
		smp.HeadingDeg,
		smp.GroundSpeed,
		smp.Climb,
		smp.Roll,
		smp.Pitch,
		smp.Yaw,
		armed,
		smp.Mode.String(),
	)
	if err != nil {
		return fmt.Errorf("inserting sample: %w", err)
	}
	return nil
}

const selectSessionsSQL = `
SELECT id, link_session, endpoint, started_at, ended_at, end_reason
FROM sessions
ORDER BY id`

func (s *Store) Sessions(ctx context.Context) (sessions []Session, err error) {
	rows, err := s.db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cErr)
		}
	}()

	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   sql.NullInt64
			reason  sql.NullString
		)
		if err = rows.Scan(&sess.ID, &sess.LinkSession, &sess.Endpoint, &started, &ended, &reason); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.StartedAt = time.Unix(0, started)
		if ended.Valid {
			sess.EndedAt = time.Unix(0, ended.Int64)
		}
		sess.EndReason = reason.String
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

const selectSamplesSQL = `
SELECT session_id, at, lat, lon, altitude, heading, ground_speed, climb,
       roll, pitch, yaw, armed, mode
FROM samples
WHERE session_id = ?
ORDER BY at`

func (s *Store) Samples(ctx context.Context, sessionID int64) (out []SampleRow, err error) {
	rows, err := s.db.QueryContext(ctx, selectSamplesSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cErr)
		}
	}()

	for rows.Next() {
		var (
			r    SampleRow
			at   int64
			arm  int
			mode string
		)
		if err = rows.Scan(&r.SessionID, &at, &r.Lat, &r.Lon, &r.AltitudeM, &r.HeadingDeg,
			&r.GroundSpeed, &r.Climb, &r.Roll, &r.Pitch, &r.Yaw, &arm, &mode); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		r.At = time.Unix(0, at)
		r.Armed = arm != 0
		if m, err := vehicle.ParseMode(mode); err == nil {
			r.Mode = m
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, stmt := range []*sql.Stmt{s.insertSession, s.endSession, s.insertSample} {
			if stmt != nil {
				errs = append(errs, stmt.Close())
			}
		}
		errs = append(errs, s.db.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
