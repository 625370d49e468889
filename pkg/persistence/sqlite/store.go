package sqlite

import (
	"database/sql"

	"github.com/commatea/pzem-bridge/pkg/persistence"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements persistence.Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite store.
func NewStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS samples (
		id TEXT PRIMARY KEY,
		ts DATETIME NOT NULL,
		voltage REAL,
		current REAL,
		power_active REAL,
		energy_active REAL,
		frequency REAL,
		power_factor REAL,
		energy_delta_ws REAL,
		alarm INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(ts);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save persists one sample.
func (s *SQLiteStore) Save(sample *persistence.Sample) error {
	query := `INSERT INTO samples
		(id, ts, voltage, current, power_active, energy_active, frequency, power_factor, energy_delta_ws, alarm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query,
		sample.ID,
		sample.Timestamp,
		sample.Voltage,
		sample.Current,
		sample.PowerActive,
		sample.EnergyActive,
		sample.Frequency,
		sample.PowerFactor,
		sample.EnergyDeltaWs,
		sample.Alarm)
	return err
}

// Recent retrieves the newest samples, newest first.
func (s *SQLiteStore) Recent(limit int) ([]*persistence.Sample, error) {
	query := `SELECT id, ts, voltage, current, power_active, energy_active, frequency, power_factor, energy_delta_ws, alarm
		FROM samples ORDER BY ts DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*persistence.Sample
	for rows.Next() {
		var sample persistence.Sample
		if err := rows.Scan(
			&sample.ID,
			&sample.Timestamp,
			&sample.Voltage,
			&sample.Current,
			&sample.PowerActive,
			&sample.EnergyActive,
			&sample.Frequency,
			&sample.PowerFactor,
			&sample.EnergyDeltaWs,
			&sample.Alarm); err != nil {
			return nil, err
		}
		samples = append(samples, &sample)
	}
	return samples, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
