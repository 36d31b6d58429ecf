// Package history persists finished runs and their per-task results to a
// local SQLite database.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus/roundtable/internal/providers"
)

// timeLayout pads fractional seconds to fixed width so stored timestamps
// compare and sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when a run ID is absent from the database.
var ErrRunNotFound = errors.New("run not found")

// Store wraps the SQLite connection and path.
type Store struct {
	sql  *sql.DB
	path string
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time
	QuestionCount  int
	ProviderCount  int
	TotalQueries   int
	Succeeded      int
	Failed         int
	TotalLatencyMs int64
	TotalCostUSD   float64
	SynthModel     string
	ReportPath     string
}

// ProviderAggregate summarizes one provider across every stored run.
// AvgLatencyMs averages successful results only.
type ProviderAggregate struct {
	Provider     string
	TotalQueries int
	Succeeded    int
	Failed       int
	AvgLatencyMs int64
	TotalCostUSD float64
}

// DefaultPath returns the default database path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "roundtable", "history.db")
}

// Open opens or creates the database, applies pragmas, and runs migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultPath()
	}

	resolved := expandPath(dbPath)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	// Pragmas bind per connection; a single pooled connection keeps them
	// in force and serializes writers the way SQLite wants anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := applyPragmas(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &Store{sql: sqlDB, path: resolved}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.sql == nil {
		return nil
	}
	return s.sql.Close()
}

// SQL returns the raw *sql.DB for advanced usage.
func (s *Store) SQL() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sql
}

// SaveRun stores one finished run and all of its results in a single
// transaction. questions supplies the text stored alongside each result
// row so history remains readable without the original input.
func (s *Store) SaveRun(rec RunRecord, questions []providers.Question, results []providers.AnswerResult) error {
	if rec.ID == "" {
		return errors.New("run record has no id")
	}

	text := make(map[string]string, len(questions))
	for _, q := range questions {
		text[q.ID] = q.Text
	}

	tx, err := s.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin save run: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO runs
		(id, started_at, finished_at, question_count, provider_count, total_queries, succeeded, failed, total_latency_ms, total_cost_usd, synth_model, report_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.StartedAt.UTC().Format(timeLayout),
		rec.FinishedAt.UTC().Format(timeLayout),
		rec.QuestionCount,
		rec.ProviderCount,
		rec.TotalQueries,
		rec.Succeeded,
		rec.Failed,
		rec.TotalLatencyMs,
		rec.TotalCostUSD,
		rec.SynthModel,
		rec.ReportPath,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert run %s: %w", rec.ID, err)
	}

	for _, r := range results {
		citations := ""
		if len(r.Citations) > 0 {
			encoded, err := json.Marshal(r.Citations)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("encode citations: %w", err)
			}
			citations = string(encoded)
		}

		var inTok, outTok, totTok int
		if r.Usage != nil {
			inTok, outTok, totTok = r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.TotalTokens
		}

		_, err = tx.Exec(`INSERT INTO results
			(run_id, provider, model, question_id, question, content, citations, input_tokens, output_tokens, total_tokens, latency_ms, cost_usd, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID,
			string(r.Provider),
			r.Model,
			r.QuestionID,
			text[r.QuestionID],
			r.Content,
			citations,
			inTok,
			outTok,
			totTok,
			r.LatencyMs,
			r.CostUSD,
			r.Err,
			r.Timestamp.UTC().Format(timeLayout),
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert result %s/%s: %w", r.Provider, r.QuestionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save run: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, question_count, provider_count, total_queries, succeeded, failed, total_latency_ms, total_cost_usd, synth_model, report_path`

// RecentRuns returns the newest runs first, at most limit of them.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.sql.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Run fetches a single run by ID.
func (s *Store) Run(id string) (*RunRecord, error) {
	row := s.sql.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// RunResults returns a run's results in the order they were stored, which
// is the run's dispatch order.
func (s *Store) RunResults(runID string) ([]providers.AnswerResult, error) {
	rows, err := s.sql.Query(`SELECT provider, model, question_id, content, citations, input_tokens, output_tokens, total_tokens, latency_ms, cost_usd, error, created_at
		FROM results WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []providers.AnswerResult
	for rows.Next() {
		var (
			r         providers.AnswerResult
			provider  string
			citations string
			inTok     int
			outTok    int
			totTok    int
			created   string
		)
		if err := rows.Scan(&provider, &r.Model, &r.QuestionID, &r.Content, &citations, &inTok, &outTok, &totTok, &r.LatencyMs, &r.CostUSD, &r.Err, &created); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Provider = providers.ID(provider)
		if citations != "" {
			if err := json.Unmarshal([]byte(citations), &r.Citations); err != nil {
				return nil, fmt.Errorf("decode citations: %w", err)
			}
		}
		if totTok > 0 {
			r.Usage = &providers.Usage{InputTokens: inTok, OutputTokens: outTok, TotalTokens: totTok}
		}
		if r.Timestamp, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parse result timestamp: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// ProviderTotals aggregates every stored result per provider, ordered by
// provider name.
func (s *Store) ProviderTotals() ([]ProviderAggregate, error) {
	rows, err := s.sql.Query(`SELECT provider,
			COUNT(*),
			SUM(CASE WHEN error = '' THEN 1 ELSE 0 END),
			SUM(CASE WHEN error != '' THEN 1 ELSE 0 END),
			COALESCE(CAST(AVG(CASE WHEN error = '' THEN latency_ms END) AS INTEGER), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM results GROUP BY provider ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query provider totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ProviderAggregate
	for rows.Next() {
		var agg ProviderAggregate
		if err := rows.Scan(&agg.Provider, &agg.TotalQueries, &agg.Succeeded, &agg.Failed, &agg.AvgLatencyMs, &agg.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan provider totals: %w", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider totals: %w", err)
	}
	return out, nil
}

// Prune deletes runs that started before the cutoff, along with their
// results. Returns the number of runs removed.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC().Format(timeLayout)

	tx, err := s.sql.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM results WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, cutoff); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prune results: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	removed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return removed, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var (
		rec      RunRecord
		started  string
		finished string
	)
	err := sc.Scan(&rec.ID, &started, &finished, &rec.QuestionCount, &rec.ProviderCount, &rec.TotalQueries, &rec.Succeeded, &rec.Failed, &rec.TotalLatencyMs, &rec.TotalCostUSD, &rec.SynthModel, &rec.ReportPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan run: %w", err)
	}
	if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return rec, fmt.Errorf("parse run start time: %w", err)
	}
	if rec.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return rec, fmt.Errorf("parse run finish time: %w", err)
	}
	return rec, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return home
	}

	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}

	return path
}
