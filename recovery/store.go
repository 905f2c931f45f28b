package recovery

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"

	"github.com/driverkit/driverkit/errors"
)

// lockRetryInterval is the poll interval while waiting for another process
// to release the snapshot file lock.
const lockRetryInterval = 50 * time.Millisecond

const schema = `
CREATE TABLE IF NOT EXISTS patterns (
	signature  TEXT PRIMARY KEY,
	observed   INTEGER NOT NULL,
	threshold  REAL NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS strategy_rates (
	signature TEXT NOT NULL,
	strategy  INTEGER NOT NULL,
	rate      REAL NOT NULL,
	PRIMARY KEY (signature, strategy)
);
`

// Store persists learned error patterns in a SQLite database. Concurrent
// processes are serialized with a file lock next to the database; the lock
// file is left on disk after release to avoid unlink races.
type Store struct {
	path string
	log  *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger. Defaults to a nop logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// NewStore creates a store backed by the SQLite database at path. The file
// is created on first Save.
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{path: path, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save replaces the persisted pattern set with pats. The write is a single
// transaction so a reader never observes a partial snapshot.
func (s *Store) Save(ctx context.Context, pats []Pattern) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "begin transaction")
	}
	defer tx.Rollback()

	for _, table := range []string{"patterns", "strategy_rates"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "clearing "+table)
		}
	}

	for _, p := range pats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO patterns (signature, observed, threshold, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)`,
			p.Signature, p.Observed, p.Threshold, p.FirstSeen.UnixNano(), p.LastSeen.UnixNano(),
		); err != nil {
			return errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "inserting pattern")
		}
		for strategy, rate := range p.Rates {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO strategy_rates (signature, strategy, rate) VALUES (?, ?, ?)`,
				p.Signature, int(strategy), rate,
			); err != nil {
				return errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "inserting rate")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "commit")
	}
	s.log.Debug("snapshot saved", zap.Int("patterns", len(pats)))
	return nil
}

// Load reads the persisted pattern set.
func (s *Store) Load(ctx context.Context) ([]Pattern, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT signature, observed, threshold, first_seen, last_seen FROM patterns`)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "querying patterns")
	}
	defer rows.Close()

	bysig := make(map[string]*Pattern)
	var out []*Pattern
	for rows.Next() {
		var p Pattern
		var first, last int64
		if err := rows.Scan(&p.Signature, &p.Observed, &p.Threshold, &first, &last); err != nil {
			return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "scanning pattern")
		}
		p.FirstSeen = time.Unix(0, first)
		p.LastSeen = time.Unix(0, last)
		p.Rates = make(map[Strategy]float64)
		bysig[p.Signature] = &p
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "iterating patterns")
	}

	rateRows, err := db.QueryContext(ctx, `SELECT signature, strategy, rate FROM strategy_rates`)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "querying rates")
	}
	defer rateRows.Close()

	for rateRows.Next() {
		var sig string
		var strategy int
		var rate float64
		if err := rateRows.Scan(&sig, &strategy, &rate); err != nil {
			return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "scanning rate")
		}
		if p, ok := bysig[sig]; ok {
			p.Rates[Strategy(strategy)] = rate
		}
	}
	if err := rateRows.Err(); err != nil {
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "iterating rates")
	}

	pats := make([]Pattern, len(out))
	for i, p := range out {
		pats[i] = *p
	}
	return pats, nil
}

func (s *Store) open() (*sql.DB, error) {
	dsn := "file:" + s.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "opening database")
	}
	// Short-lived session, not a pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "applying schema")
	}
	return db, nil
}

func (s *Store) lock(ctx context.Context) (func(), error) {
	fl := flock.New(s.path + ".lock")
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindIO, err, "acquiring file lock")
	}
	if !locked {
		return nil, errors.New(errors.PhaseSnapshot, errors.KindIO).
			Detail("file lock not acquired").
			Build()
	}
	return func() {
		if err := fl.Close(); err != nil {
			s.log.Debug("releasing file lock", zap.Error(err))
		}
	}, nil
}
