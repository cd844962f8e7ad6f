package infra

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// SQLExecutor is what repositories run queries against. *pgxpool.Pool,
// pgx.Tx and *SQLRunner all satisfy it.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

var markerRe = regexp.MustCompile(`^--sql [0-9a-f]{8}(-[0-9a-f]{4}){3}-[0-9a-f]{12}$`)

// ErrMissingMarker is returned for queries without a leading --sql <uuid> line.
var ErrMissingMarker = errors.New("sql marker missing or invalid")

const defaultSlowQuery = 500 * time.Millisecond

// SQLRunner refuses statements without an audit marker, strips the marker
// before execution and logs every statement by it. Statements slower than
// the threshold are logged at warn.
type SQLRunner struct {
	db     SQLExecutor
	logger Logger
	slow   time.Duration
}

type SQLRunnerOption func(*SQLRunner)

// WithSlowQuery overrides the slow statement threshold. Zero disables it.
func WithSlowQuery(d time.Duration) SQLRunnerOption {
	return func(r *SQLRunner) { r.slow = d }
}

func NewSQLRunner(db SQLExecutor, logger Logger, opts ...SQLRunnerOption) *SQLRunner {
	r := &SQLRunner{db: db, logger: Component(logger, "sql"), slow: defaultSlowQuery}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SQLRunner) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	marker, stmt, err := splitMarker(query)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	start := time.Now()
	tag, err := r.db.Exec(ctx, stmt, args...)
	r.observe(marker, "exec", start, err).Int64("rows", tag.RowsAffected()).Send()
	return tag, err
}

func (r *SQLRunner) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	marker, stmt, err := splitMarker(query)
	if err != nil {
		return errorRow{err: err}
	}
	return &observedRow{runner: r, marker: marker, start: time.Now(), row: r.db.QueryRow(ctx, stmt, args...)}
}

func (r *SQLRunner) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	marker, stmt, err := splitMarker(query)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := r.db.Query(ctx, stmt, args...)
	r.observe(marker, "query", start, err).Send()
	return rows, err
}

// observe picks the log level for a finished statement. A missing row is
// an answer, not a failure.
func (r *SQLRunner) observe(marker, op string, start time.Time, err error) *zerolog.Event {
	took := time.Since(start)
	var ev *zerolog.Event
	switch {
	case err != nil && !IsNoRows(err):
		ev = r.logger.Error().Err(err)
	case r.slow > 0 && took >= r.slow:
		ev = r.logger.Warn().Bool("slow", true)
	default:
		ev = r.logger.Debug()
	}
	return ev.Str("marker", marker).Str("op", op).Dur("took", took)
}

type observedRow struct {
	runner *SQLRunner
	marker string
	start  time.Time
	row    pgx.Row
}

func (o *observedRow) Scan(dest ...any) error {
	err := o.row.Scan(dest...)
	o.runner.observe(o.marker, "query_row", o.start, err).Send()
	return err
}

type errorRow struct {
	err error
}

func (e errorRow) Scan(...any) error { return e.err }

func splitMarker(query string) (marker, stmt string, err error) {
	first, rest, _ := strings.Cut(strings.TrimSpace(query), "\n")
	first = strings.TrimSpace(first)
	if !markerRe.MatchString(first) {
		return "", "", ErrMissingMarker
	}
	return strings.TrimPrefix(first, "--sql "), rest, nil
}

// IsNoRows reports whether err signals an empty result set.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ SQLExecutor = (*SQLRunner)(nil)
