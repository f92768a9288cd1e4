// Package persistence implements Stargate's durable event log (spec.md
// §4.5): a two-table embedded relational store recording device/area id
// assignment and a compacting event log used to answer time-in-state and
// action-count queries.
//
// Storage is modernc.org/sqlite, a pure-Go (no cgo) SQLite driver used
// through database/sql — the only embedded SQL engine available without
// cgo, and the natural fit for spec.md's "embedded relational store."
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// EventCode distinguishes the three kinds of device_events rows.
type EventCode int

const (
	// EventChanged marks a genuine, user- or gateway-originated state change.
	EventChanged EventCode = 1
	// EventCheckpoint bounds a quiet interval without asserting a change.
	EventCheckpoint EventCode = 2
	// EventRestart marks "we don't know what happened before this instant."
	EventRestart EventCode = 3
)

func (c EventCode) String() string {
	switch c {
	case EventChanged:
		return "CHANGED"
	case EventCheckpoint:
		return "CHECKPOINT"
	case EventRestart:
		return "RESTART"
	default:
		return fmt.Sprintf("EventCode(%d)", int(c))
	}
}

// areaGatewayID is the reserved gateway_id under which Area names are
// allocated ids from the same device_map table as devices, per spec.md §4.5.
const areaGatewayID = "__area__"

// Event is one row of device_events.
type Event struct {
	DeviceID  int64
	Code      EventCode
	Level     int
	Timestamp time.Time
}

// Store is Stargate's durable persistence layer.
type Store struct {
	logger *slog.Logger
	db     *sql.DB

	// mu serializes every database operation. A single connection pool of
	// size 1 would achieve the same effect at the driver level, but an
	// explicit mutex lets record_change's read-then-write coalescing run
	// as one atomic unit from the caller's point of view.
	mu sync.Mutex

	nowFunc func() time.Time // overridable for tests
}

// Open creates (if necessary) and opens the SQLite database at path,
// creating its schema if absent.
func Open(ctx context.Context, logger *slog.Logger, path string) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time

	s := &Store{
		logger:  logger.With(slog.String("component", "persistence")),
		db:      db,
		nowFunc: time.Now,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database %s: %w", path, err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS device_map (
			sg_device_id  INTEGER PRIMARY KEY AUTOINCREMENT,
			gateway_id    TEXT NOT NULL,
			gateway_devid TEXT NOT NULL,
			UNIQUE(gateway_id, gateway_devid)
		)`,
		`CREATE TABLE IF NOT EXISTS device_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			sg_device_id INTEGER NOT NULL,
			event_code   INTEGER NOT NULL,
			level        INTEGER NOT NULL,
			event_ts     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_events_device_ts
			ON device_events(sg_device_id, event_ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// GetDeviceID returns the stable integer id for (gatewayID, gatewayDevID),
// inserting a new row if the pair has not been seen before.
func (s *Store) GetDeviceID(ctx context.Context, gatewayID, gatewayDevID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrInsertID(ctx, gatewayID, gatewayDevID)
}

// GetAreaID returns the stable integer id for the area named name, reusing
// device_map under the reserved areaGatewayID per spec.md §4.5.
func (s *Store) GetAreaID(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrInsertID(ctx, areaGatewayID, name)
}

func (s *Store) getOrInsertID(ctx context.Context, gatewayID, devID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sg_device_id FROM device_map WHERE gateway_id = ? AND gateway_devid = ?`,
		gatewayID, devID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup device id: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO device_map (gateway_id, gateway_devid) VALUES (?, ?)`,
		gatewayID, devID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert device id: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted device id: %w", err)
	}
	return id, nil
}

// RecordStartup inserts a RESTART event for deviceID at level.
func (s *Store) RecordStartup(ctx context.Context, deviceID int64, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEvent(ctx, deviceID, EventRestart, level, s.nowFunc())
}

// RecordChange inserts a CHANGED event for deviceID at level. If the
// device's newest prior event is a CHECKPOINT, that row is overwritten in
// place with the CHANGED event instead of appending a new row, keeping the
// log compact during quiet runs (spec.md §4.5).
func (s *Store) RecordChange(ctx context.Context, deviceID int64, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	latestID, latestCode, err := s.latestEventMeta(ctx, deviceID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record change: %w", err)
	}
	if err == nil && latestCode == EventCheckpoint {
		_, err := s.db.ExecContext(ctx,
			`UPDATE device_events SET event_code = ?, level = ?, event_ts = ? WHERE id = ?`,
			EventChanged, level, now.Format(time.RFC3339Nano), latestID,
		)
		if err != nil {
			return fmt.Errorf("overwrite checkpoint with change: %w", err)
		}
		return nil
	}
	return s.insertEvent(ctx, deviceID, EventChanged, level, now)
}

// CheckpointAll emits or coalesces a CHECKPOINT event for every device with
// events, carrying its most recently recorded level. Repeated checkpoints
// for the same device overwrite in place rather than accumulating rows.
func (s *Store) CheckpointAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT sg_device_id FROM device_events`)
	if err != nil {
		return fmt.Errorf("list known devices: %w", err)
	}
	var deviceIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan device id: %w", err)
		}
		deviceIDs = append(deviceIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate known devices: %w", err)
	}
	rows.Close()

	now := s.nowFunc()
	for _, id := range deviceIDs {
		if err := s.checkpointOne(ctx, id, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkpointOne(ctx context.Context, deviceID int64, now time.Time) error {
	latestID, latestCode, latestLevel, err := s.latestEvent(ctx, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint device %d: %w", deviceID, err)
	}
	if latestCode == EventCheckpoint {
		_, err := s.db.ExecContext(ctx,
			`UPDATE device_events SET event_ts = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), latestID,
		)
		if err != nil {
			return fmt.Errorf("refresh checkpoint for device %d: %w", deviceID, err)
		}
		return nil
	}
	return s.insertEvent(ctx, deviceID, EventCheckpoint, latestLevel, now)
}

// GetDeltaSinceChange returns the duration since deviceID's most recent
// non-CHECKPOINT event, or (0, false) if the latest event is RESTART or
// there is no history.
func (s *Store) GetDeltaSinceChange(ctx context.Context, deviceID int64) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_code, event_ts FROM device_events
		 WHERE sg_device_id = ? ORDER BY event_ts DESC, id DESC`,
		deviceID,
	)
	if err != nil {
		return 0, false, fmt.Errorf("query events for device %d: %w", deviceID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var code EventCode
		var tsStr string
		if err := rows.Scan(&code, &tsStr); err != nil {
			return 0, false, fmt.Errorf("scan event: %w", err)
		}
		if code == EventRestart {
			return 0, false, nil
		}
		if code == EventCheckpoint {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return 0, false, fmt.Errorf("parse event timestamp: %w", err)
		}
		return s.nowFunc().Sub(ts), true, nil
	}
	return 0, false, nil
}

// GetActionCount counts CHANGED events for deviceID newer than
// now-ageLimit. ageLimit <= 0 counts all CHANGED events ever recorded.
func (s *Store) GetActionCount(ctx context.Context, deviceID int64, ageLimit time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if ageLimit <= 0 {
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM device_events WHERE sg_device_id = ? AND event_code = ?`,
			deviceID, EventChanged,
		).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("count actions for device %d: %w", deviceID, err)
		}
		return count, nil
	}

	cutoff := s.nowFunc().Add(-ageLimit).Format(time.RFC3339Nano)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_events
		 WHERE sg_device_id = ? AND event_code = ? AND event_ts >= ?`,
		deviceID, EventChanged, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent actions for device %d: %w", deviceID, err)
	}
	return count, nil
}

// GetTimeInState returns how long deviceID has spent in a state whose
// truthiness matches stateTruthy, per spec.md §4.5's adjacent-pair walk.
func (s *Store) GetTimeInState(ctx context.Context, deviceID int64, stateTruthy bool) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_code, level, event_ts FROM device_events
		 WHERE sg_device_id = ? ORDER BY event_ts ASC, id ASC`,
		deviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("query events for device %d: %w", deviceID, err)
	}
	defer rows.Close()

	type row struct {
		code  EventCode
		level int
		ts    time.Time
	}
	var events []row
	for rows.Next() {
		var r row
		var tsStr string
		if err := rows.Scan(&r.code, &r.level, &tsStr); err != nil {
			return 0, fmt.Errorf("scan event: %w", err)
		}
		r.ts, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return 0, fmt.Errorf("parse event timestamp: %w", err)
		}
		events = append(events, r)
	}
	if len(events) == 0 {
		return 0, nil
	}

	var total time.Duration
	for i := 0; i < len(events)-1; i++ {
		prev, cur := events[i], events[i+1]
		if (prev.code == EventChanged || prev.code == EventRestart) &&
			(cur.code == EventChanged || cur.code == EventCheckpoint) {
			if truthy(prev.level) == stateTruthy {
				total += cur.ts.Sub(prev.ts)
			}
		}
	}

	last := events[len(events)-1]
	if truthy(last.level) == stateTruthy {
		total += s.nowFunc().Sub(last.ts)
	}
	return total, nil
}

func truthy(level int) bool { return level != 0 }

// GetRecentEvents returns up to count of deviceID's most recent events,
// newest first.
func (s *Store) GetRecentEvents(ctx context.Context, deviceID int64, count int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentEvents(ctx, []int64{deviceID}, count)
}

// GetRecentEventsMulti is the multi-device form of GetRecentEvents.
func (s *Store) GetRecentEventsMulti(ctx context.Context, deviceIDs []int64, count int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentEvents(ctx, deviceIDs, count)
}

func (s *Store) recentEvents(ctx context.Context, deviceIDs []int64, count int) ([]Event, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]any, len(deviceIDs))
	query := `SELECT sg_device_id, event_code, level, event_ts FROM device_events WHERE sg_device_id IN (`
	for i, id := range deviceIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = id
	}
	query += `) ORDER BY event_ts DESC, id DESC LIMIT ?`
	placeholders = append(placeholders, count)

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var tsStr string
		if err := rows.Scan(&e.DeviceID, &e.Code, &e.Level, &tsStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) insertEvent(ctx context.Context, deviceID int64, code EventCode, level int, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_events (sg_device_id, event_code, level, event_ts) VALUES (?, ?, ?, ?)`,
		deviceID, code, level, ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert %s event for device %d: %w", code, deviceID, err)
	}
	return nil
}

// latestEvent returns the id, code, and level of deviceID's most recent event.
func (s *Store) latestEvent(ctx context.Context, deviceID int64) (id int64, code EventCode, level int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT id, event_code, level FROM device_events
		 WHERE sg_device_id = ? ORDER BY event_ts DESC, id DESC LIMIT 1`,
		deviceID,
	).Scan(&id, &code, &level)
	return
}

// latestEventMeta is latestEvent without the level, for callers that only
// need to decide whether to coalesce.
func (s *Store) latestEventMeta(ctx context.Context, deviceID int64) (id int64, code EventCode, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT id, event_code FROM device_events
		 WHERE sg_device_id = ? ORDER BY event_ts DESC, id DESC LIMIT 1`,
		deviceID,
	).Scan(&id, &code)
	return
}
