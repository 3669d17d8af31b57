package token

import (
	"context"
	"crypto/rand"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

// CurrentSchemaVersion is the latest schema version.
const CurrentSchemaVersion = 1

// Query selects tokens. Empty fields are ignored.
type Query struct {
	Value       string
	Repo        string
	User        string
	SourceEntry string
	JobType     JobType
}

// Patch holds updates for Update. Only the keys in patchColumns are accepted.
type Patch map[string]any

var patchColumns = map[string]string{
	"job_name":      "job_name",
	"job_id":        "job_id",
	"result_bucket": "result_bucket",
	"result_path":   "result_path",
	"webhook_url":   "webhook_url",
	"report":        "report_entry",
	"expired":       "expired",
}

// Store persists tokens in SQLite.
type Store struct {
	db       *sql.DB
	duration time.Duration
	now      func() time.Time
	logger   *logrus.Entry
}

// Open opens (creating if needed) the token database at path.
func Open(path string, duration time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(path, 0o600)

	return NewStore(db, duration), nil
}

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB, duration time.Duration) *Store {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Store{
		db:       db,
		duration: duration,
		now:      time.Now,
		logger:   logrus.WithField("component", "token"),
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("failed to get user_version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS callback_tokens (
		  id            TEXT PRIMARY KEY,
		  user_id       TEXT NOT NULL,
		  repo_id       TEXT NOT NULL,
		  source_entry  TEXT NOT NULL,
		  report_entry  TEXT,
		  value         TEXT NOT NULL UNIQUE,
		  job_type      INTEGER NOT NULL,
		  result_bucket TEXT,
		  result_path   TEXT,
		  job_name      TEXT,
		  job_id        TEXT,
		  webhook_url   TEXT,
		  created_at    INTEGER NOT NULL,
		  duration      INTEGER NOT NULL,
		  consumed      INTEGER NOT NULL DEFAULT 0,
		  expired       INTEGER NOT NULL DEFAULT 0,
		  version       INTEGER NOT NULL DEFAULT 0,
		  deleted       INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_repo_source_created
		ON callback_tokens(repo_id, source_entry, created_at DESC)
		WHERE deleted = 0;

		CREATE INDEX IF NOT EXISTS idx_tokens_pending
		ON callback_tokens(created_at)
		WHERE consumed = 0 AND expired = 0 AND deleted = 0;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", 1)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}

	return nil
}

func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

func newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0)).String()
}

// Create validates and stores a new token, generating its id and value.
func (s *Store) Create(ctx context.Context, t *Token) (*Token, error) {
	switch {
	case t.User == "":
		return nil, apperrors.NewValidation("user is required", nil)
	case t.Repo == "":
		return nil, apperrors.NewValidation("repo is required", nil)
	case t.SourceEntry == "":
		return nil, apperrors.NewValidation("source entry is required", nil)
	case t.JobType == JobUnknown:
		return nil, apperrors.NewValidation("job type is required", nil)
	}

	created := *t
	now := s.now()
	if created.Created.IsZero() {
		created.Created = now
	}
	created.Created = created.Created.Truncate(time.Second)
	if created.Duration <= 0 {
		created.Duration = s.duration
	}
	if created.Value == "" {
		created.Value = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	created.ID = newID(now)
	created.Consumed, created.Expired, created.Deleted = false, false, false
	created.Version = 0

	query := `
		INSERT INTO callback_tokens (
			id, user_id, repo_id, source_entry, report_entry, value, job_type,
			result_bucket, result_path, job_name, job_id, webhook_url,
			created_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		created.ID, created.User, created.Repo, created.SourceEntry, nullString(created.ReportEntry),
		created.Value, int(created.JobType), nullString(created.ResultBucket), nullString(created.ResultPath),
		nullString(created.JobName), nullString(created.JobID), nullString(created.WebhookURL),
		created.Created.Unix(), int64(created.Duration/time.Second),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, apperrors.NewValidation("token value already in use", err)
		}
		return nil, apperrors.NewValidation("", err)
	}

	s.logger.WithFields(logrus.Fields{
		"token_id": created.ID,
		"repo":     created.Repo,
		"job_type": created.JobType.String(),
	}).Debug("Token created")

	return &created, nil
}

const selectColumns = `
	id, user_id, repo_id, source_entry, report_entry, value, job_type,
	result_bucket, result_path, job_name, job_id, webhook_url,
	created_at, duration, consumed, expired, version, deleted
`

// FindValid looks a token up by value and repo. Missing, expired, consumed
// and deleted tokens all produce the same error.
func (s *Store) FindValid(ctx context.Context, q Query) (*Token, error) {
	if q.Value == "" {
		return nil, apperrors.NewTokenInvalid()
	}

	where, args := q.where()
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM callback_tokens WHERE "+where+" AND deleted = 0 AND expired = 0 LIMIT 1",
		args...)

	t, err := scanToken(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewTokenInvalid()
		}
		return nil, apperrors.NewInternal(err)
	}

	if !t.IsValid(s.now()) {
		return nil, apperrors.NewTokenInvalid()
	}
	return t, nil
}

// FindLatest returns the most recently created non-deleted token matching q,
// or nil when there is none.
func (s *Store) FindLatest(ctx context.Context, q Query) (*Token, error) {
	where, args := q.where()
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM callback_tokens WHERE "+where+" AND deleted = 0 ORDER BY created_at DESC, id DESC LIMIT 1",
		args...)

	t, err := scanToken(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.NewInternal(err)
	}
	return t, nil
}

// Get returns a non-deleted token by id.
func (s *Store) Get(ctx context.Context, id string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM callback_tokens WHERE id = ? AND deleted = 0", id)
	t, err := scanToken(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("token")
		}
		return nil, apperrors.NewInternal(err)
	}
	return t, nil
}

// Update applies a whitelisted patch and bumps the version.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Token, error) {
	if len(patch) == 0 {
		return s.Get(ctx, id)
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		column, ok := patchColumns[k]
		if !ok {
			return nil, apperrors.NewValidation(fmt.Sprintf("field %s cannot be updated", k), nil)
		}

		switch v := patch[k].(type) {
		case string:
			if column == "expired" {
				return nil, apperrors.NewValidation("expired must be a boolean", nil)
			}
			args = append(args, nullString(v))
		case bool:
			if column != "expired" {
				return nil, apperrors.NewValidation(fmt.Sprintf("%s must be a string", k), nil)
			}
			if !v {
				return nil, apperrors.NewValidation("an expired token cannot be revived", nil)
			}
			args = append(args, 1)
		default:
			return nil, apperrors.NewValidation(fmt.Sprintf("unsupported value for %s", k), nil)
		}
		sets = append(sets, column+" = ?")
	}
	sets = append(sets, "version = version + 1")
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		"UPDATE callback_tokens SET "+strings.Join(sets, ", ")+" WHERE id = ? AND deleted = 0", args...)
	if err != nil {
		return nil, apperrors.NewValidation("", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, apperrors.NewInternal(err)
	} else if n == 0 {
		return nil, apperrors.NewNotFound("token")
	}

	return s.Get(ctx, id)
}

// Consume marks the token consumed if and only if it is still valid. Of any
// number of concurrent callers exactly one succeeds.
func (s *Store) Consume(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE callback_tokens
		SET consumed = 1, version = version + 1
		WHERE id = ? AND consumed = 0 AND expired = 0 AND deleted = 0
		  AND created_at + duration >= ?
	`, id, s.now().Unix())
	if err != nil {
		return apperrors.NewInternal(err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return apperrors.NewInternal(err)
	}
	if n == 0 {
		return apperrors.NewTokenInvalid()
	}
	return nil
}

// Delete soft-deletes a token.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE callback_tokens SET deleted = 1, version = version + 1 WHERE id = ? AND deleted = 0", id)
	if err != nil {
		return apperrors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apperrors.NewInternal(err)
	}
	if n == 0 {
		return apperrors.NewNotFound("token")
	}
	return nil
}

// ExpireStale flags every pending token older than its duration as expired
// and returns how many were flagged.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE callback_tokens
		SET expired = 1, version = version + 1
		WHERE consumed = 0 AND expired = 0 AND deleted = 0
		  AND created_at + duration < ?
	`, now.Unix())
	if err != nil {
		return 0, apperrors.NewInternal(err)
	}
	return result.RowsAffected()
}

// RunSweeper expires stale tokens every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireStale(ctx, s.now())
			if err != nil {
				s.logger.WithError(err).Error("Failed to expire stale tokens")
				continue
			}
			if n > 0 {
				s.logger.WithField("count", n).Info("Expired stale tokens")
			}
		}
	}
}

func (q Query) where() (string, []any) {
	clauses := []string{"1 = 1"}
	var args []any
	if q.Value != "" {
		clauses = append(clauses, "value = ?")
		args = append(args, q.Value)
	}
	if q.Repo != "" {
		clauses = append(clauses, "repo_id = ?")
		args = append(args, q.Repo)
	}
	if q.User != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, q.User)
	}
	if q.SourceEntry != "" {
		clauses = append(clauses, "source_entry = ?")
		args = append(args, q.SourceEntry)
	}
	if q.JobType != JobUnknown {
		clauses = append(clauses, "job_type = ?")
		args = append(args, int(q.JobType))
	}
	return strings.Join(clauses, " AND "), args
}

func scanToken(row *sql.Row) (*Token, error) {
	var (
		t                                       Token
		report, bucket, path, name, jobID, hook sql.NullString
		jobType                                 int
		created, duration                       int64
		consumed, expired, deleted              int
	)

	err := row.Scan(
		&t.ID, &t.User, &t.Repo, &t.SourceEntry, &report, &t.Value, &jobType,
		&bucket, &path, &name, &jobID, &hook,
		&created, &duration, &consumed, &expired, &t.Version, &deleted,
	)
	if err != nil {
		return nil, err
	}

	t.ReportEntry = report.String
	t.ResultBucket = bucket.String
	t.ResultPath = path.String
	t.JobName = name.String
	t.JobID = jobID.String
	t.WebhookURL = hook.String
	t.JobType = JobType(jobType)
	t.Created = time.Unix(created, 0)
	t.Duration = time.Duration(duration) * time.Second
	t.Consumed = consumed != 0
	t.Expired = expired != 0
	t.Deleted = deleted != 0

	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
