// Package store implements the persistence layer of spec.md §6: a
// SQLite-backed schema for features, agent specs, acceptance specs,
// agent runs, artifacts, and agent events, plus the CRUD helpers the
// rest of the core needs. Schema and migration/journal-mode logic are
// ported from original_source/api/database.py; the CRUD method shape is
// adapted from the teacher's session store in
// AlexsJones-kubeclaw/internal/session/store.go (pgx -> database/sql).
package store

import (
	"bufio"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rudiheydra/autobuildr/internal/apperr"
)

// Store wraps the project's SQLite database connection.
type Store struct {
	db   *sql.DB
	path string
}

// DatabaseFileName is the project-relative database file, per spec.md §6's
// filesystem layout.
const DatabaseFileName = "features.db"

// Open opens (creating if absent) the database at
// <projectDir>/features.db, selects a journal mode appropriate to the
// underlying filesystem, and runs every migration idempotently.
func Open(ctx context.Context, projectDir string) (*Store, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "resolve project dir", err)
	}
	dbPath := filepath.Join(abs, DatabaseFileName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, "open database", err)
	}
	// A single writer is expected per spec.md §5, but concurrent readers
	// from other goroutines are normal; modernc.org/sqlite serializes
	// writes internally, so a generous pool is safe.
	db.SetMaxOpenConns(8)

	s := &Store{db: db, path: dbPath}

	journalMode := "WAL"
	if isNetworkPath(abs) {
		journalMode = "DELETE"
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode="+journalMode); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindStorageFailure, "set journal_mode", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=30000"); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindStorageFailure, "set busy_timeout", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindStorageFailure, "enable foreign_keys", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// isNetworkPath reports whether path resides on a network filesystem
// (NFS/CIFS/SMB/sshfs), where SQLite's WAL mode is unsafe because it
// relies on shared-memory mmap that most network filesystems do not
// support correctly. Ported from original_source/api/database.py's
// _is_network_path, Unix branch only — matches spec.md's target
// deployment, and the Windows GetDriveTypeW branch has no bearing on a
// Linux-first Go service.
func isNetworkPath(path string) bool {
	if runtime.GOOS == "windows" {
		return false // no reliable stdlib equivalent of GetDriveTypeW; treat as local
	}
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()

	networkTypes := map[string]bool{
		"nfs": true, "nfs4": true, "cifs": true, "smbfs": true, "smb3": true, "fuse.sshfs": true,
	}

	var bestMatch string
	var bestIsNetwork bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if !strings.HasPrefix(path, mountPoint) {
			continue
		}
		if len(mountPoint) < len(bestMatch) {
			continue
		}
		bestMatch = mountPoint
		bestIsNetwork = networkTypes[fsType]
	}
	return bestIsNetwork
}
