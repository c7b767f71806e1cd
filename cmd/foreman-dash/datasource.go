package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"foreman/pkg/store"
	"foreman/pkg/workorder"

	_ "modernc.org/sqlite" // SQLite driver
)

// BatchRow is one line of the dashboard's batch table.
type BatchRow struct {
	Batch    workorder.Batch
	Outcomes workorder.BatchOutcomes
}

// Snapshot is one refresh of everything the dashboard shows.
type Snapshot struct {
	Pending  int
	Batches  []BatchRow
	Failures []workorder.Event
}

// Datasource reads dashboard data from the foreman database in read-only
// mode so refreshes never block the dispatcher.
type Datasource struct {
	db *sql.DB
	st *store.Store
}

// NewDatasource opens the database read-only with WAL. Returns an error if
// the database does not exist.
func NewDatasource(dbPath string) (*Datasource, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Datasource{db: db, st: store.New(db)}, nil
}

// Close releases the database connection.
func (d *Datasource) Close() error {
	return d.db.Close()
}

// Fetch collects one snapshot.
func (d *Datasource) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error

	snap.Pending, err = d.st.PendingEventCount(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	batches, err := d.st.ListBatches(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, b := range batches {
		o, err := d.st.CountBatchOutcomes(ctx, b.ID)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Batches = append(snap.Batches, BatchRow{Batch: b, Outcomes: o})
	}

	snap.Failures, err = d.st.RecentFailedEvents(ctx, 8)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
