// Copyright (C) The Strato Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package clusterman

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

// A Store persists cluster records keyed by name. Implementations are
// goroutine safe; callers serialize mutations per cluster name at the
// controller level.
type Store interface {
	Get(ctx context.Context, name string) (strato.ClusterRecord, bool, error)
	Put(ctx context.Context, rec strato.ClusterRecord) error
	Delete(ctx context.Context, name string) error
	// List returns all records ordered by name.
	List(ctx context.Context) ([]strato.ClusterRecord, error)
}

type memStore struct {
	mtx  sync.RWMutex
	recs map[string]strato.ClusterRecord
}

// NewMemStore returns an in-memory Store, used in tests and
// single-process deployments with no database configured.
func NewMemStore() Store {
	return &memStore{recs: map[string]strato.ClusterRecord{}}
}

func (ms *memStore) Get(ctx context.Context, name string) (strato.ClusterRecord, bool, error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	rec, ok := ms.recs[name]
	return rec, ok, nil
}

func (ms *memStore) Put(ctx context.Context, rec strato.ClusterRecord) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.recs[rec.Name] = rec
	return nil
}

func (ms *memStore) Delete(ctx context.Context, name string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	delete(ms.recs, name)
	return nil
}

func (ms *memStore) List(ctx context.Context) ([]strato.ClusterRecord, error) {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	recs := make([]strato.ClusterRecord, 0, len(ms.recs))
	for _, rec := range ms.recs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

const clustersSchema = `
CREATE TABLE IF NOT EXISTS clusters (
	name varchar(255) PRIMARY KEY,
	provider varchar(64) NOT NULL DEFAULT '',
	region varchar(64) NOT NULL DEFAULT '',
	zone varchar(64) NOT NULL DEFAULT '',
	instance_type varchar(64) NOT NULL DEFAULT '',
	use_spot boolean NOT NULL DEFAULT false,
	image_id varchar(255) NOT NULL DEFAULT '',
	instance_id varchar(255) NOT NULL DEFAULT '',
	head_address varchar(255) NOT NULL DEFAULT '',
	status varchar(16) NOT NULL,
	accelerator_pod boolean NOT NULL DEFAULT false,
	autostop_minutes integer NOT NULL DEFAULT -1,
	autostop_down boolean NOT NULL DEFAULT false,
	last_use timestamp with time zone NOT NULL DEFAULT now(),
	owner varchar(255) NOT NULL DEFAULT '',
	launched_at timestamp with time zone NOT NULL DEFAULT now())`

type pgStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens the cluster table on the given DSN, creating
// it if needed.
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, clustersSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &pgStore{db: db}, nil
}

func (ps *pgStore) Get(ctx context.Context, name string) (strato.ClusterRecord, bool, error) {
	var rec strato.ClusterRecord
	err := ps.db.GetContext(ctx, &rec, `SELECT * FROM clusters WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return strato.ClusterRecord{}, false, nil
	}
	if err != nil {
		return strato.ClusterRecord{}, false, err
	}
	return rec, true, nil
}

func (ps *pgStore) Put(ctx context.Context, rec strato.ClusterRecord) error {
	_, err := ps.db.NamedExecContext(ctx, `
		INSERT INTO clusters (name, provider, region, zone,
			instance_type, use_spot, image_id, instance_id,
			head_address, status, accelerator_pod,
			autostop_minutes, autostop_down, last_use, owner,
			launched_at)
		VALUES (:name, :provider, :region, :zone, :instance_type,
			:use_spot, :image_id, :instance_id, :head_address,
			:status, :accelerator_pod, :autostop_minutes,
			:autostop_down, :last_use, :owner, :launched_at)
		ON CONFLICT (name) DO UPDATE SET
			provider = EXCLUDED.provider,
			region = EXCLUDED.region,
			zone = EXCLUDED.zone,
			instance_type = EXCLUDED.instance_type,
			use_spot = EXCLUDED.use_spot,
			image_id = EXCLUDED.image_id,
			instance_id = EXCLUDED.instance_id,
			head_address = EXCLUDED.head_address,
			status = EXCLUDED.status,
			accelerator_pod = EXCLUDED.accelerator_pod,
			autostop_minutes = EXCLUDED.autostop_minutes,
			autostop_down = EXCLUDED.autostop_down,
			last_use = EXCLUDED.last_use,
			owner = EXCLUDED.owner,
			launched_at = EXCLUDED.launched_at`, rec)
	return err
}

func (ps *pgStore) Delete(ctx context.Context, name string) error {
	_, err := ps.db.ExecContext(ctx, `DELETE FROM clusters WHERE name = $1`, name)
	return err
}

func (ps *pgStore) List(ctx context.Context) ([]strato.ClusterRecord, error) {
	var recs []strato.ClusterRecord
	err := ps.db.SelectContext(ctx, &recs, `SELECT * FROM clusters ORDER BY name`)
	return recs, err
}
