// Package sqlitedriver is the reference StoreDriver for the relational
// store class, backed by github.com/mattn/go-sqlite3. One database file
// stands in for one shard. It gives pkg/driver's contract tests a real
// SQL engine with multi-statement transactions and row versioning to run
// against, without taking on an actual production RDBMS integration.
package sqlitedriver

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cuemby/migctl/pkg/driver"
	"github.com/cuemby/migctl/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

const recordsTable = "records"

// Driver is a sqlitedriver.StoreDriver; one instance serves every shard,
// each a "<shard>.db" file under dataDir.
type Driver struct {
	dataDir string
}

func New(dataDir string) *Driver {
	return &Driver{dataDir: dataDir}
}

type conn struct {
	db    *sql.DB
	tx    *sql.Tx
	shard string
}

func (c *conn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}

// execer abstracts over *sql.DB and *sql.Tx so ApplyBatch/ApplySchema run
// inside an open transaction when one exists, and directly otherwise.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (c *conn) execer() execer {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// Open accepts collection for interface symmetry with the document
// driver but ignores it: the relational reference driver keeps one
// fixed records table per shard rather than one table per collection.
// ApplySchema only records a step's marker row; it creates no table.
func (d *Driver) Open(ctx context.Context, shard string, collection string) (driver.Conn, error) {
	path := fmt.Sprintf("%s/%s.db", d.dataDir, shard)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, types.Transient("", shard, fmt.Errorf("open shard %s: %w", shard, err))
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, types.Transient("", shard, fmt.Errorf("ping shard %s: %w", shard, err))
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, payload TEXT NOT NULL, version INTEGER NOT NULL DEFAULT 1)`,
		recordsTable)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init shard %s: %w", shard, err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS _schema_markers (step_id TEXT PRIMARY KEY)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init shard %s: %w", shard, err)
	}
	return &conn{db: db, shard: shard}, nil
}

func (d *Driver) ApplySchema(ctx context.Context, c driver.Conn, step *types.Step) error {
	sc := c.(*conn)
	res, err := sc.execer().ExecContext(ctx,
		`INSERT OR IGNORE INTO _schema_markers (step_id) VALUES (?)`, step.ID)
	if err != nil {
		return types.Transient(step.ID, sc.shard, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.Transient(step.ID, sc.shard, err)
	}
	if n == 0 {
		return types.ErrAlreadyApplied
	}
	return nil
}

func (d *Driver) StreamBatch(ctx context.Context, c driver.Conn, cursor driver.Cursor, size int) ([]driver.Record, driver.Cursor, error) {
	sc := c.(*conn)
	rows, err := sc.execer().QueryContext(ctx,
		fmt.Sprintf(`SELECT id, payload FROM %s WHERE id > ? ORDER BY id ASC LIMIT ?`, recordsTable),
		string(cursor), size)
	if err != nil {
		return nil, "", types.Transient("", sc.shard, err)
	}
	defer rows.Close()

	var out []driver.Record
	var last string
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, "", types.Transient("", sc.shard, err)
		}
		out = append(out, driver.Record{ID: id, Fields: map[string]any{"payload": payload}})
		last = id
	}
	if err := rows.Err(); err != nil {
		return nil, "", types.Transient("", sc.shard, err)
	}
	next := driver.End
	if len(out) == size {
		next = driver.Cursor(last)
	}
	return out, next, nil
}

func (d *Driver) ApplyBatch(ctx context.Context, c driver.Conn, records []driver.Record) (int, error) {
	sc := c.(*conn)
	if sc.tx == nil {
		// With no caller-held transaction, run the batch in one of its own.
		if err := d.Begin(ctx, sc); err != nil {
			return 0, err
		}
		n, err := d.ApplyBatch(ctx, sc, records)
		if err != nil {
			_ = d.Rollback(ctx, sc)
			return 0, err
		}
		if err := d.Commit(ctx, sc); err != nil {
			return 0, err
		}
		return n, nil
	}
	for _, r := range records {
		payload := fmt.Sprintf("%v", r.Fields["payload"])
		_, err := sc.execer().ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, payload, version) VALUES (?, ?, 1)
				ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, version = version + 1`, recordsTable),
			r.ID, payload)
		if err != nil {
			return 0, types.Transient("", sc.shard, fmt.Errorf("upsert record %s: %w", r.ID, err))
		}
	}
	return len(records), nil
}

func (d *Driver) Begin(ctx context.Context, c driver.Conn) error {
	sc := c.(*conn)
	if sc.tx != nil {
		return fmt.Errorf("sqlitedriver: transaction already open on shard %s", sc.shard)
	}
	tx, err := sc.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Transient("", sc.shard, err)
	}
	sc.tx = tx
	return nil
}

func (d *Driver) Commit(_ context.Context, c driver.Conn) error {
	sc := c.(*conn)
	if sc.tx == nil {
		return fmt.Errorf("sqlitedriver: no open transaction on shard %s", sc.shard)
	}
	err := sc.tx.Commit()
	sc.tx = nil
	if err != nil {
		return types.Contention("", sc.shard, err)
	}
	return nil
}

func (d *Driver) Rollback(_ context.Context, c driver.Conn) error {
	sc := c.(*conn)
	if sc.tx == nil {
		return nil
	}
	err := sc.tx.Rollback()
	sc.tx = nil
	return err
}

func (d *Driver) Health(ctx context.Context, c driver.Conn) driver.Health {
	sc := c.(*conn)
	if err := sc.db.PingContext(ctx); err != nil {
		return driver.HealthDown
	}
	return driver.HealthOK
}
