package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownRun is returned when a run id has no incarnation row.
var ErrUnknownRun = errors.New("store: unknown run")

// Incarnation is one run of the daemon.
type Incarnation struct {
	RunID      string
	RouterID   string
	StartSeqno uint16
	StartedAt  time.Time

	// Set when the run ended through the shutdown sequence.
	StoppedAt  time.Time
	FinalSeqno uint16
	Clean      bool
}

// Snapshot summarises one state dump.
type Snapshot struct {
	RunID      string
	TakenAt    time.Time
	Seqno      uint16
	Neighbours int
	Routes     int
	Body       string
}

// BeginIncarnation records the start of a run.
func (s *Store) BeginIncarnation(ctx context.Context, inc Incarnation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incarnations (run_id, router_id, start_seqno, started_at)
		VALUES (?, ?, ?, ?)
	`,
		inc.RunID,
		inc.RouterID,
		inc.StartSeqno,
		inc.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("begin incarnation: %w", err)
	}
	return nil
}

// EndIncarnation completes the row for runID.
func (s *Store) EndIncarnation(ctx context.Context, runID string, finalSeqno uint16, stoppedAt time.Time, clean bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE incarnations
		SET stopped_at = ?, final_seqno = ?, clean = ?
		WHERE run_id = ?
	`,
		stoppedAt.UnixNano(),
		finalSeqno,
		clean,
		runID,
	)
	if err != nil {
		return fmt.Errorf("end incarnation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end incarnation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("end incarnation %s: %w", runID, ErrUnknownRun)
	}
	return nil
}

// RecordSnapshot appends a dump summary to its run.
func (s *Store) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (run_id, taken_at, seqno, neighbours, routes, body)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		snap.RunID,
		snap.TakenAt.UnixNano(),
		snap.Seqno,
		snap.Neighbours,
		snap.Routes,
		snap.Body,
	)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// Incarnations lists runs, newest first. A limit of zero or less lists all.
func (s *Store) Incarnations(ctx context.Context, limit int) ([]Incarnation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, router_id, start_seqno, started_at, stopped_at, final_seqno, clean
		FROM incarnations
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list incarnations: %w", err)
	}
	defer rows.Close()

	var out []Incarnation
	for rows.Next() {
		var (
			inc       Incarnation
			started   int64
			stopped   sql.NullInt64
			final     sql.NullInt64
			cleanFlag bool
		)
		if err := rows.Scan(&inc.RunID, &inc.RouterID, &inc.StartSeqno, &started, &stopped, &final, &cleanFlag); err != nil {
			return nil, fmt.Errorf("scan incarnation: %w", err)
		}
		inc.StartedAt = time.Unix(0, started)
		if stopped.Valid {
			inc.StoppedAt = time.Unix(0, stopped.Int64)
		}
		if final.Valid {
			inc.FinalSeqno = uint16(final.Int64)
		}
		inc.Clean = cleanFlag
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list incarnations: %w", err)
	}
	return out, nil
}

// Snapshots lists the dumps taken during runID, oldest first.
func (s *Store) Snapshots(ctx context.Context, runID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, taken_at, seqno, neighbours, routes, body
		FROM snapshots
		WHERE run_id = ?
		ORDER BY taken_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap  Snapshot
			taken int64
		)
		if err := rows.Scan(&snap.RunID, &taken, &snap.Seqno, &snap.Neighbours, &snap.Routes, &snap.Body); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.TakenAt = time.Unix(0, taken)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}
