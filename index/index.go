// Package index keeps a searchable SQLite catalogue of the archives in a
// document directory.
package index

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"medscript.dev/mpaz/mpaz"
	"medscript.dev/mpaz/prescription"
)

// Document is one indexed archive.
type Document struct {
	Path      string
	PID       string
	ID        string
	Name      string
	DOB       string
	Age       string
	Sex       string
	Date      string
	Diagnosis string
	Signed    bool
	Modified  time.Time
}

// Filter selects documents by case-insensitive substring. Empty fields match
// everything.
type Filter struct {
	PID  string
	ID   string
	Name string
}

// Failure is an archive that could not be indexed.
type Failure struct {
	Path string
	Err  error
}

// ScanReport summarises a Scan.
type ScanReport struct {
	Indexed int
	Removed int
	Failed  []Failure
}

// Index is a SQLite-backed document catalogue.
type Index struct {
	db  *sql.DB
	log zerolog.Logger
}

const schema = `CREATE TABLE IF NOT EXISTS documents (
	path TEXT PRIMARY KEY,
	pid TEXT NOT NULL DEFAULT '',
	id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	dob TEXT NOT NULL DEFAULT '',
	age TEXT NOT NULL DEFAULT '',
	sex TEXT NOT NULL DEFAULT '',
	date TEXT NOT NULL DEFAULT '',
	diagnosis TEXT NOT NULL DEFAULT '',
	signed INTEGER NOT NULL DEFAULT 0,
	modified INTEGER NOT NULL DEFAULT 0
)`

// Open opens (creating if needed) the index database at dsn. dsn is a
// file path or any go-sqlite3 DSN such as "file::memory:?cache=shared".
func Open(dsn string, log zerolog.Logger) (*Index, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open index")
	}
	// A single connection keeps in-memory databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create documents table")
	}
	return &Index{db: db, log: log.With().Str("component", "index").Logger()}, nil
}

// Close closes the database.
func (x *Index) Close() error {
	if x.db == nil {
		return nil
	}
	return x.db.Close()
}

// Scan indexes every *.mpaz under dir, recursively, and drops rows for
// archives under dir that no longer exist. An archive that cannot be read is
// recorded in the report and the scan continues.
func (x *Index) Scan(ctx context.Context, dir string) (*ScanReport, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", dir)
	}
	report := &ScanReport{}
	seen := map[string]bool{}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin scan")
	}
	defer func() { _ = tx.Rollback() }()

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			report.Failed = append(report.Failed, Failure{Path: path, Err: err})
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), mpaz.Extension) {
			return nil
		}
		doc, err := readDocument(path, d)
		if err != nil {
			x.log.Warn().Err(err).Str("path", path).Msg("archive not indexed")
			report.Failed = append(report.Failed, Failure{Path: path, Err: err})
			return nil
		}
		if err := upsert(ctx, tx, doc); err != nil {
			return err
		}
		seen[path] = true
		report.Indexed++
		return nil
	})
	if walkErr != nil {
		return nil, errors.Wrapf(walkErr, "scan %s", dir)
	}

	removed, err := prune(ctx, tx, root, seen)
	if err != nil {
		return nil, err
	}
	report.Removed = removed
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit scan")
	}
	x.log.Debug().Str("dir", root).Int("indexed", report.Indexed).Int("failed", len(report.Failed)).Msg("index scan finished")
	return report, nil
}

func readDocument(path string, d fs.DirEntry) (*Document, error) {
	sum, err := mpaz.Inspect(path)
	if err != nil {
		return nil, err
	}
	if sum.Content == nil {
		return nil, errors.Errorf("%s: no %s entry", path, mpaz.ContentEntry)
	}
	rx, err := prescription.Decode(sum.Content)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		Path:      path,
		PID:       rx.PID,
		ID:        rx.ID,
		Name:      rx.Name,
		DOB:       rx.DOB,
		Age:       rx.Age,
		Sex:       rx.Sex,
		Date:      rx.Date,
		Diagnosis: rx.Diagnosis,
		Signed:    sum.Signed,
	}
	if info, err := d.Info(); err == nil {
		doc.Modified = info.ModTime()
	}
	return doc, nil
}

func upsert(ctx context.Context, tx *sql.Tx, d *Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents
		(path, pid, id, name, dob, age, sex, date, diagnosis, signed, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			pid = excluded.pid, id = excluded.id, name = excluded.name,
			dob = excluded.dob, age = excluded.age, sex = excluded.sex,
			date = excluded.date, diagnosis = excluded.diagnosis,
			signed = excluded.signed, modified = excluded.modified`,
		d.Path, d.PID, d.ID, d.Name, d.DOB, d.Age, d.Sex, d.Date, d.Diagnosis, d.Signed, d.Modified.UnixNano())
	return errors.Wrapf(err, "index %s", d.Path)
}

func prune(ctx context.Context, tx *sql.Tx, root string, seen map[string]bool) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT path FROM documents`)
	if err != nil {
		return 0, errors.Wrap(err, "list indexed documents")
	}
	var stale []string
	prefix := root + string(filepath.Separator)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "list indexed documents")
		}
		if strings.HasPrefix(p, prefix) && !seen[p] {
			stale = append(stale, p)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errors.Wrap(err, "list indexed documents")
	}
	rows.Close()
	for _, p := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, p); err != nil {
			return 0, errors.Wrapf(err, "remove %s", p)
		}
	}
	return len(stale), nil
}

// Search returns the documents matching f, newest prescription date first.
func (x *Index) Search(ctx context.Context, f Filter) ([]Document, error) {
	q := `SELECT path, pid, id, name, dob, age, sex, date, diagnosis, signed, modified FROM documents`
	var (
		where []string
		args  []any
	)
	for _, c := range []struct{ col, val string }{{"pid", f.PID}, {"id", f.ID}, {"name", f.Name}} {
		if c.val == "" {
			continue
		}
		where = append(where, "instr(lower("+c.col+"), lower(?)) > 0")
		args = append(args, c.val)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY date DESC, path"

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "search index")
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var (
			d        Document
			modified int64
		)
		if err := rows.Scan(&d.Path, &d.PID, &d.ID, &d.Name, &d.DOB, &d.Age, &d.Sex, &d.Date, &d.Diagnosis, &d.Signed, &modified); err != nil {
			return nil, errors.Wrap(err, "search index")
		}
		d.Modified = time.Unix(0, modified)
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "search index")
}
