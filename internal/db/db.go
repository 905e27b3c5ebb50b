// Package db stores pilot runs and their per-cycle records in SQLite.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/selfdrive/internal/httputil"
	"github.com/banshee-data/selfdrive/internal/monitoring"
)

// DB is the run log. The embedded handle is shared with the migrator and the
// admin SQL console.
type DB struct {
	*sql.DB
	path string
}

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database and applies every pending migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// AttachAdminRoutes mounts a live SQL console and a snapshot download under
// the tsweb debug index.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	console, err := tailsql.NewServer(tailsql.Options{RoutePrefix: "/debug/tailsql/"})
	if err != nil {
		monitoring.Logf("run log: tailsql disabled: %v", err)
	} else {
		console.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{Label: "Run log"})
		debug.Handle("tailsql/", "Query the run log", console.NewMux())
	}

	debug.Handle("backup", "Download a gzipped snapshot of the run log", http.HandlerFunc(db.serveBackup))
}

// snapshot writes a consistent copy of the database to a sibling file and
// returns its path. The caller removes it.
func (db *DB) snapshot() (string, error) {
	name := fmt.Sprintf("backup-%d.db", time.Now().UnixNano())
	dst := filepath.Join(filepath.Dir(db.path), name)
	if _, err := db.Exec("VACUUM INTO ?", dst); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", name, err)
	}
	return dst, nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	path, err := db.snapshot()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			monitoring.Logf("run log: removing snapshot: %v", err)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path)+".gz")
	zw := gzip.NewWriter(w)
	if _, err := io.Copy(zw, f); err != nil {
		monitoring.Logf("run log: streaming snapshot: %v", err)
	}
	if err := zw.Close(); err != nil {
		monitoring.Logf("run log: finishing snapshot: %v", err)
	}
}
