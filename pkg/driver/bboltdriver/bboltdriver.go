// Package bboltdriver is the reference StoreDriver for the document
// store class, backed by go.etcd.io/bbolt. One bbolt file stands in for
// one shard; each "collection" is a top-level bucket, each document a
// key within it. It exists to give pkg/driver's contract tests and the
// Executor's batch-replay tests a real engine to run against, without
// taking on an actual production document-store integration.
package bboltdriver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketSchemaMarkers = []byte("_schema_markers")

// Driver is a bboltdriver.StoreDriver; one instance serves every shard,
// each identified by its data-file path.
type Driver struct {
	dataDir string
}

// New returns a Driver rooted at dataDir; shard files are created
// on-demand under it as "<shard>.db".
func New(dataDir string) *Driver {
	return &Driver{dataDir: dataDir}
}

// conn wraps one shard's *bolt.DB, scoped to the collection it was
// opened for. ApplyBatch is self-atomic per call, so conn carries no
// open transaction between calls (see Begin).
type conn struct {
	db         *bolt.DB
	shard      string
	collection string
}

func (c *conn) Close() error {
	return c.db.Close()
}

func (d *Driver) Open(_ context.Context, shard string, collection string) (driver.Conn, error) {
	path := fmt.Sprintf("%s/%s.db", d.dataDir, shard)
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, types.Transient("", shard, fmt.Errorf("open shard %s: %w", shard, err))
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketSchemaMarkers)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init shard %s: %w", shard, err)
	}
	return &conn{db: db, shard: shard, collection: collection}, nil
}

// bucketName resolves a collection name to its bucket, falling back to
// a fixed default bucket when the caller opened its Conn without one
// (a pre-admission or cross-shard probe with no single collection).
func bucketName(collection string) []byte {
	if collection == "" {
		return []byte("default")
	}
	return []byte(collection)
}

func (d *Driver) ApplySchema(_ context.Context, c driver.Conn, step *types.Step) error {
	bc := c.(*conn)
	marker := []byte("schema:" + step.ID)
	var already bool
	err := bc.db.Update(func(tx *bolt.Tx) error {
		markers := tx.Bucket(bucketSchemaMarkers)
		if markers.Get(marker) != nil {
			already = true
			return nil
		}
		if _, err := tx.CreateBucketIfNotExists(bucketName(step.PayloadRef)); err != nil {
			return err
		}
		return markers.Put(marker, []byte("applied"))
	})
	if err != nil {
		return types.Transient(step.ID, bc.shard, err)
	}
	if already {
		return types.ErrAlreadyApplied
	}
	return nil
}

func (d *Driver) StreamBatch(_ context.Context, c driver.Conn, cursor driver.Cursor, size int) ([]driver.Record, driver.Cursor, error) {
	bc := c.(*conn)
	var (
		out  []driver.Record
		next driver.Cursor
	)
	err := bc.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(bc.collection))
		if b == nil {
			return nil
		}
		curs := b.Cursor()
		var k, v []byte
		if cursor == driver.End {
			k, v = curs.First()
		} else {
			curs.Seek([]byte(cursor))
			k, v = curs.Next()
		}
		for ; k != nil && len(out) < size; k, v = curs.Next() {
			var fields map[string]any
			if err := json.Unmarshal(v, &fields); err != nil {
				return err
			}
			out = append(out, driver.Record{ID: string(k), Fields: fields})
			next = driver.Cursor(k)
		}
		if len(out) < size {
			next = driver.End
		}
		return nil
	})
	if err != nil {
		return nil, "", types.Transient("", bc.shard, err)
	}
	return out, next, nil
}

func (d *Driver) ApplyBatch(_ context.Context, c driver.Conn, records []driver.Record) (int, error) {
	bc := c.(*conn)
	var n int
	err := bc.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(bc.collection))
		if err != nil {
			return err
		}
		for _, r := range records {
			data, err := json.Marshal(r.Fields)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(r.ID), data); err != nil {
				return err
			}
		}
		n = len(records)
		return nil
	})
	if err != nil {
		return 0, types.Transient("", bc.shard, err)
	}
	return n, nil
}

// Begin returns types.ErrUnsupported: ApplyBatch's per-call Update
// transaction is already atomic, so no explicit boundary is offered.
func (d *Driver) Begin(_ context.Context, _ driver.Conn) error    { return types.ErrUnsupported }
func (d *Driver) Commit(_ context.Context, _ driver.Conn) error   { return types.ErrUnsupported }
func (d *Driver) Rollback(_ context.Context, _ driver.Conn) error { return types.ErrUnsupported }

func (d *Driver) Health(_ context.Context, c driver.Conn) driver.Health {
	bc := c.(*conn)
	if err := bc.db.View(func(tx *bolt.Tx) error { return nil }); err != nil {
		return driver.HealthDown
	}
	return driver.HealthOK
}
