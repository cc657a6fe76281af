package main

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Ledger records per-epoch validation results of a run in SQLite. Only the
// terminal rank writes it; on resume it supplies the best score so far.
type Ledger struct {
	db *sql.DB
}

// EpochRecord is one row of the ledger.
type EpochRecord struct {
	Epoch     int
	TrainLoss float64
	ValidPPL  float64
	Promoted  bool
	Recorded  time.Time
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open ledger %s", path)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS epochs(
			epoch INTEGER PRIMARY KEY,
			ts REAL NOT NULL,
			train_loss REAL NOT NULL,
			valid_ppl REAL NOT NULL,
			promoted INTEGER NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create ledger schema")
	}
	return &Ledger{db: db}, nil
}

// Record stores an epoch result, replacing an earlier row for the same epoch
// (a resumed run re-validating it).
func (l *Ledger) Record(r EpochRecord) error {
	if r.Recorded.IsZero() {
		r.Recorded = time.Now()
	}
	ts := float64(r.Recorded.UnixNano()) / 1e9
	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO epochs(epoch, ts, train_loss, valid_ppl, promoted) VALUES(?, ?, ?, ?, ?)`,
		r.Epoch, ts, r.TrainLoss, r.ValidPPL, r.Promoted)
	if err != nil {
		return errors.Wrapf(err, "failed to record epoch %d", r.Epoch)
	}
	return nil
}

// Best returns the lowest validation perplexity among promoted epochs.
func (l *Ledger) Best() (EpochRecord, bool, error) {
	rows, err := l.query(`WHERE promoted = 1 ORDER BY valid_ppl ASC, epoch ASC LIMIT 1`)
	if err != nil || len(rows) == 0 {
		return EpochRecord{}, false, err
	}
	return rows[0], true, nil
}

// History returns every recorded epoch in order.
func (l *Ledger) History() ([]EpochRecord, error) {
	return l.query(`ORDER BY epoch ASC`)
}

func (l *Ledger) query(clause string) ([]EpochRecord, error) {
	rows, err := l.db.Query(`SELECT epoch, ts, train_loss, valid_ppl, promoted FROM epochs ` + clause)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ledger")
	}
	defer rows.Close()

	var out []EpochRecord
	for rows.Next() {
		var (
			r  EpochRecord
			ts float64
		)
		if err := rows.Scan(&r.Epoch, &ts, &r.TrainLoss, &r.ValidPPL, &r.Promoted); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger row")
		}
		r.Recorded = time.Unix(0, int64(ts*1e9))
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *Ledger) Close() error { return l.db.Close() }
