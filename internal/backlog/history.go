package backlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryFile is the iteration history database inside the state dir.
const HistoryFile = "history.db"

// IterationRecord is the summary of one completed iteration. Appended once
// per iteration; the only later write is the stop-reason annotation on the
// terminal row. Stop decisions are recomputed from these rows so a run is
// reproducible from its history alone.
type IterationRecord struct {
	Number        int       `json:"number"`
	Timestamp     time.Time `json:"timestamp"`
	Attempted     []string  `json:"attempted"`
	PassedDelta   int       `json:"passed_delta"`
	PassedTotal   int       `json:"passed_total"`
	TotalFeatures int       `json:"total_features"`
	GateOK        bool      `json:"gate_ok"`
	StopReason    string    `json:"stop_reason,omitempty"`
	ContextChars  int       `json:"context_chars"`
	Notes         string    `json:"notes,omitempty"`
}

// History is the append-only iteration log, backed by SQLite.
type History struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the history database under the state dir.
func OpenHistory(workspace, stateDir string) (*History, error) {
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, HistoryFile))
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	h := &History{db: db}
	if err := h.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS iterations (
		number INTEGER PRIMARY KEY,
		timestamp TEXT NOT NULL,
		attempted TEXT NOT NULL,
		passed_delta INTEGER NOT NULL,
		passed_total INTEGER NOT NULL,
		total_features INTEGER NOT NULL,
		gate_ok INTEGER NOT NULL,
		stop_reason TEXT NOT NULL DEFAULT '',
		context_chars INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("creating iterations table: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (h *History) Close() error { return h.db.Close() }

// Append stores one completed iteration. Numbers must be unique; the engine
// is the only writer and issues them sequentially.
func (h *History) Append(rec IterationRecord) error {
	attempted, err := json.Marshal(rec.Attempted)
	if err != nil {
		return fmt.Errorf("encoding attempted ids: %w", err)
	}
	gateOK := 0
	if rec.GateOK {
		gateOK = 1
	}
	_, err = h.db.Exec(`
		INSERT INTO iterations
			(number, timestamp, attempted, passed_delta, passed_total, total_features, gate_ok, stop_reason, context_chars, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Number, rec.Timestamp.UTC().Format(time.RFC3339), string(attempted),
		rec.PassedDelta, rec.PassedTotal, rec.TotalFeatures, gateOK,
		rec.StopReason, rec.ContextChars, rec.Notes,
	)
	if err != nil {
		return fmt.Errorf("appending iteration %d: %w", rec.Number, err)
	}
	return nil
}

// MarkStop annotates the terminal iteration row with its stop reason. The
// row is otherwise immutable; the annotation exists so a finished run can be
// read back without replaying the stop decision.
func (h *History) MarkStop(number int, reason string) error {
	if _, err := h.db.Exec(`UPDATE iterations SET stop_reason = ? WHERE number = ?`, reason, number); err != nil {
		return fmt.Errorf("marking stop on iteration %d: %w", number, err)
	}
	return nil
}

// Records returns the full history in iteration order.
func (h *History) Records() ([]IterationRecord, error) {
	rows, err := h.db.Query(`
		SELECT number, timestamp, attempted, passed_delta, passed_total, total_features, gate_ok, stop_reason, context_chars, notes
		FROM iterations ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("querying iterations: %w", err)
	}
	defer rows.Close()

	var records []IterationRecord
	for rows.Next() {
		var (
			rec       IterationRecord
			ts        string
			attempted string
			gateOK    int
		)
		if err := rows.Scan(&rec.Number, &ts, &attempted, &rec.PassedDelta, &rec.PassedTotal,
			&rec.TotalFeatures, &gateOK, &rec.StopReason, &rec.ContextChars, &rec.Notes); err != nil {
			return nil, fmt.Errorf("scanning iteration row: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		rec.GateOK = gateOK == 1
		if err := json.Unmarshal([]byte(attempted), &rec.Attempted); err != nil {
			return nil, fmt.Errorf("decoding attempted ids for iteration %d: %w", rec.Number, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Tail returns the last n records in iteration order.
func (h *History) Tail(n int) ([]IterationRecord, error) {
	records, err := h.Records()
	if err != nil {
		return nil, err
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// LastNumber returns the highest iteration number, zero when empty.
func (h *History) LastNumber() (int, error) {
	var n sql.NullInt64
	if err := h.db.QueryRow(`SELECT MAX(number) FROM iterations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("querying last iteration number: %w", err)
	}
	return int(n.Int64), nil
}
