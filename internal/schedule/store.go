package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aatumaykin/chaoshub/internal/logger"
)

// Store persists schedules in SQLite.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite has a single writer, and an in-memory database exists per
	// connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	return &Store{
		db:     db,
		logger: log.Component("schedule-store"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", logger.Field{Key: "op", Value: "migrate"})
	return migrate(ctx, s.db)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts sc, assigning an id and timestamps. The status defaults
// to pending.
func (s *Store) Create(ctx context.Context, sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Status == "" {
		sc.Status = StatusPending
	}
	if !sc.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, sc.Status)
	}
	if sc.Definition == nil {
		sc.Definition = map[string]any{}
	}
	if sc.Info == nil {
		sc.Info = map[string]any{}
	}
	sc.CreatedAt = s.now()
	sc.UpdatedAt = sc.CreatedAt

	definition, err := json.Marshal(sc.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	info, err := json.Marshal(sc.Info)
	if err != nil {
		return fmt.Errorf("marshal info: %w", err)
	}

	s.logger.Debug("sql", logger.Field{Key: "op", Value: "insert"}, logger.Field{Key: "id", Value: sc.ID})
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, account_id, org_id, workspace_id, experiment_id, token_id, scheduled, status, definition, info, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.AccountID, sc.OrgID, sc.WorkspaceID, sc.ExperimentID, sc.TokenID,
		formatTime(sc.Scheduled), string(sc.Status), string(definition), string(info),
		formatTime(sc.CreatedAt), formatTime(sc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, account_id, org_id, workspace_id, experiment_id, token_id, scheduled, status, definition, info, created_at, updated_at FROM schedules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sc Schedule
	var scheduled, status, definition, info, createdAt, updatedAt string

	err := row.Scan(&sc.ID, &sc.AccountID, &sc.OrgID, &sc.WorkspaceID, &sc.ExperimentID, &sc.TokenID,
		&scheduled, &status, &definition, &info, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sc.Status = Status(status)
	if err := json.Unmarshal([]byte(definition), &sc.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if err := json.Unmarshal([]byte(info), &sc.Info); err != nil {
		return nil, fmt.Errorf("unmarshal info: %w", err)
	}
	sc.Scheduled, _ = time.Parse(time.RFC3339Nano, scheduled)
	sc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sc, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	s.logger.Debug("sql", logger.Field{Key: "op", Value: "select"}, logger.Field{Key: "id", Value: id})
	return scanSchedule(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
}

// ListByExperiment returns the account's schedules for an experiment,
// earliest first.
func (s *Store) ListByExperiment(ctx context.Context, accountID, experimentID string) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE account_id = ? AND experiment_id = ? ORDER BY scheduled, created_at`,
		accountID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ListByStatus returns every schedule in one of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Schedule, error) {
	var out []*Schedule
	for _, st := range statuses {
		rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE status = ? ORDER BY created_at`, string(st))
		if err != nil {
			return nil, fmt.Errorf("list schedules: %w", err)
		}
		for rows.Next() {
			sc, err := scanSchedule(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, sc)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MergeInfo adds info to the record's info object.
func (s *Store) MergeInfo(ctx context.Context, id string, info map[string]any) (*Schedule, error) {
	return s.update(ctx, id, "", info)
}

// Advance moves the record to status and merges info in one transaction.
// A regression returns ErrStatusRegression and leaves the record untouched.
func (s *Store) Advance(ctx context.Context, id string, status Status, info map[string]any) (*Schedule, error) {
	if status == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnknownStatus)
	}
	return s.update(ctx, id, status, info)
}

func (s *Store) update(ctx context.Context, id string, status Status, info map[string]any) (*Schedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sc, err := scanSchedule(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if status != "" {
		if err := CheckTransition(sc.Status, status); err != nil {
			return sc, err
		}
		sc.Status = status
	}
	sc.Info = MergeInfo(sc.Info, info)
	sc.UpdatedAt = s.now()

	raw, err := json.Marshal(sc.Info)
	if err != nil {
		return nil, fmt.Errorf("marshal info: %w", err)
	}

	s.logger.Debug("sql",
		logger.Field{Key: "op", Value: "update"},
		logger.Field{Key: "id", Value: id},
		logger.Field{Key: "status", Value: string(sc.Status)})
	if _, err := tx.ExecContext(ctx,
		`UPDATE schedules SET status = ?, info = ?, updated_at = ? WHERE id = ?`,
		string(sc.Status), string(raw), formatTime(sc.UpdatedAt), id,
	); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sc, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.logger.Debug("sql", logger.Field{Key: "op", Value: "delete"}, logger.Field{Key: "id", Value: id})
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// PurgeFinished deletes terminal records last updated before cutoff and
// returns how many were removed.
func (s *Store) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	s.logger.Debug("sql",
		logger.Field{Key: "op", Value: "purge"},
		logger.Field{Key: "cutoff", Value: formatTime(cutoff)})
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge schedules: %w", err)
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
