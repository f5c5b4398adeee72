// Package candidates loads the day's tradable universe produced by the
// premarket screener, from a sqlite cache with a JSON artifact fallback.
package candidates

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"ladder_engine/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS candidates (
	trade_date TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	prev_close TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (trade_date, symbol)
);
CREATE TABLE IF NOT EXISTS universe_meta (
	trade_date   TEXT PRIMARY KEY,
	symbol_count INTEGER NOT NULL,
	signature    TEXT NOT NULL,
	written_at   TEXT NOT NULL
);
`

// Store is the day-scoped sqlite candidate cache. Each day's universe carries
// a signature (count plus digest of the sorted symbols) so a partially
// written or mixed-day universe is rejected instead of traded.
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

// OpenStore opens (and migrates) the sqlite cache at path.
func OpenStore(path string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open candidate db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate candidate db: %w", err)
	}
	return &Store{db: db, logger: logger.WithField("component", "candidate_store")}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDay replaces the universe for a trade date atomically, recording its
// signature.
func (s *Store) SaveDay(day string, universe map[string]decimal.Decimal) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM candidates WHERE trade_date = ?`, day); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO candidates (trade_date, symbol, prev_close) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	symbols := make([]string, 0, len(universe))
	for sym, prevClose := range universe {
		key := core.NormalizeSymbol(sym)
		if _, err := stmt.Exec(day, key, prevClose.String()); err != nil {
			return err
		}
		symbols = append(symbols, key)
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO universe_meta (trade_date, symbol_count, signature, written_at) VALUES (?, ?, ?, ?)`,
		day, len(symbols), UniverseSignature(symbols), time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadDay returns the universe for a trade date, verifying the stored
// signature against the rows actually read.
func (s *Store) LoadDay(day string) (map[string]decimal.Decimal, error) {
	var count int
	var signature string
	err := s.db.QueryRow(
		`SELECT symbol_count, signature FROM universe_meta WHERE trade_date = ?`, day,
	).Scan(&count, &signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT symbol, prev_close FROM candidates WHERE trade_date = ?`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	universe := make(map[string]decimal.Decimal)
	symbols := make([]string, 0, count)
	for rows.Next() {
		var sym, prevClose string
		if err := rows.Scan(&sym, &prevClose); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(prevClose)
		if err != nil {
			d = decimal.Zero
		}
		universe[sym] = d
		symbols = append(symbols, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(symbols) != count || UniverseSignature(symbols) != signature {
		return nil, fmt.Errorf("candidate universe for %s fails signature check (%d rows, expected %d)",
			day, len(symbols), count)
	}
	return universe, nil
}

// UniverseSignature digests a symbol set independent of insertion order.
func UniverseSignature(symbols []string) string {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return fmt.Sprintf("%d:%s", len(sorted), hex.EncodeToString(sum[:8]))
}
