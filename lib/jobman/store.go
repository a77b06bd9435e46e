// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobman

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	"git.strato.dev/strato.git/sdk/go/strato"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// A ListFilter narrows a job listing. Zero values match everything.
type ListFilter struct {
	ClusterName string
	Username    string
	Status      strato.JobStatus
	// SkipFinished drops jobs in a terminal status.
	SkipFinished bool
}

func (f ListFilter) matches(rec strato.JobRecord) bool {
	if f.ClusterName != "" && rec.ClusterName != f.ClusterName {
		return false
	}
	if f.Username != "" && rec.Username != f.Username {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.SkipFinished && rec.Status.Terminal() {
		return false
	}
	return true
}

// A Store persists job records. IDs are assigned by Create and unique
// for the store's lifetime.
type Store interface {
	Create(ctx context.Context, rec strato.JobRecord) (strato.JobRecord, error)
	Update(ctx context.Context, rec strato.JobRecord) error
	Get(ctx context.Context, id int64) (strato.JobRecord, bool, error)
	// List returns matching records ordered by ID.
	List(ctx context.Context, filter ListFilter) ([]strato.JobRecord, error)
}

type memStore struct {
	mtx    sync.RWMutex
	recs   map[int64]strato.JobRecord
	nextID int64
}

// NewMemStore returns an in-memory Store.
func NewMemStore() Store {
	return &memStore{recs: map[int64]strato.JobRecord{}}
}

func (ms *memStore) Create(ctx context.Context, rec strato.JobRecord) (strato.JobRecord, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.nextID++
	rec.ID = ms.nextID
	ms.recs[rec.ID] = rec
	return rec, nil
}

func (ms *memStore) Update(ctx context.Context, rec strato.JobRecord) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.recs[rec.ID] = rec
	return nil
}

func (ms *memStore) Get(ctx context.Context, id int64) (strato.JobRecord, bool, error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	rec, ok := ms.recs[id]
	return rec, ok, nil
}

func (ms *memStore) List(ctx context.Context, filter ListFilter) ([]strato.JobRecord, error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	var recs []strato.JobRecord
	for _, rec := range ms.recs {
		if filter.matches(rec) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id bigserial PRIMARY KEY,
	name varchar(255) NOT NULL DEFAULT '',
	cluster_name varchar(255) NOT NULL DEFAULT '',
	username varchar(255) NOT NULL DEFAULT '',
	command text NOT NULL DEFAULT '',
	status varchar(16) NOT NULL,
	submitted_at timestamp with time zone NOT NULL DEFAULT now(),
	started_at timestamp with time zone NOT NULL DEFAULT 'epoch',
	ended_at timestamp with time zone NOT NULL DEFAULT 'epoch',
	retry_count integer NOT NULL DEFAULT 0,
	resources text NOT NULL DEFAULT '')`

type pgStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens the jobs table on the given DSN, creating it
// if needed.
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, jobsSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &pgStore{db: db}, nil
}

func (ps *pgStore) Create(ctx context.Context, rec strato.JobRecord) (strato.JobRecord, error) {
	rows, err := ps.db.NamedQueryContext(ctx, `
		INSERT INTO jobs (name, cluster_name, username, command,
			status, submitted_at, started_at, ended_at,
			retry_count, resources)
		VALUES (:name, :cluster_name, :username, :command,
			:status, :submitted_at, :started_at, :ended_at,
			:retry_count, :resources)
		RETURNING id`, rec)
	if err != nil {
		return rec, err
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&rec.ID); err != nil {
			return rec, err
		}
	}
	return rec, rows.Err()
}

func (ps *pgStore) Update(ctx context.Context, rec strato.JobRecord) error {
	_, err := ps.db.NamedExecContext(ctx, `
		UPDATE jobs SET
			name = :name,
			cluster_name = :cluster_name,
			username = :username,
			command = :command,
			status = :status,
			submitted_at = :submitted_at,
			started_at = :started_at,
			ended_at = :ended_at,
			retry_count = :retry_count,
			resources = :resources
		WHERE id = :id`, rec)
	return err
}

func (ps *pgStore) Get(ctx context.Context, id int64) (strato.JobRecord, bool, error) {
	var rec strato.JobRecord
	err := ps.db.GetContext(ctx, &rec, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return strato.JobRecord{}, false, nil
	}
	if err != nil {
		return strato.JobRecord{}, false, err
	}
	return rec, true, nil
}

func (ps *pgStore) List(ctx context.Context, filter ListFilter) ([]strato.JobRecord, error) {
	var recs []strato.JobRecord
	err := ps.db.SelectContext(ctx, &recs, `
		SELECT * FROM jobs
		WHERE ($1 = '' OR cluster_name = $1)
		AND ($2 = '' OR username = $2)
		AND ($3 = '' OR status = $3)
		AND (NOT $4 OR status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED'))
		ORDER BY id`,
		filter.ClusterName, filter.Username, string(filter.Status), filter.SkipFinished)
	return recs, err
}
