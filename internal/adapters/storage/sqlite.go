// Package storage persists the durable state of the extension subsystem:
// installed extension records, registered repositories, and the cached remote
// catalog for offline display.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/cadence/internal/domain/catalog"
	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS installed_extensions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	version_string TEXT NOT NULL DEFAULT '',
	min_host_version TEXT NOT NULL DEFAULT '',
	icon_ref TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	install_path TEXT NOT NULL,
	installed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS repositories (
	url TEXT PRIMARY KEY,
	added_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS catalog_cache (
	repository_url TEXT NOT NULL,
	id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	download_url TEXT NOT NULL,
	icon_url TEXT NOT NULL DEFAULT '',
	developer TEXT NOT NULL DEFAULT '',
	min_app_version TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (repository_url, id)
);

CREATE INDEX IF NOT EXISTS idx_catalog_cache_id ON catalog_cache(id);
`

// Store is the SQLite-backed persistence layer. All failures surface as
// *extension.StorageError; missing records surface as extension.ErrNotInstalled.
type Store struct {
	db     *sql.DB
	logger ports.Logger
}

// Open opens (creating if necessary) the subsystem database at path and
// applies the schema.
func Open(path string, logger ports.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &extension.StorageError{Op: "create database directory", Err: err}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &extension.StorageError{Op: "open database", Err: err}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, &extension.StorageError{Op: "ping database", Err: err}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &extension.StorageError{Op: "apply schema", Err: err}
	}

	return &Store{db: db, logger: logger.With(ports.F("component", "storage"))}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertInstalled writes the record for a package id, replacing any previous
// one. Exactly one record per id ever exists.
func (s *Store) UpsertInstalled(ctx context.Context, rec extension.InstalledPackage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO installed_extensions (
			id, name, version, version_string, min_host_version, icon_ref,
			status, install_path, installed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Metadata.ID, rec.Metadata.Name, rec.Metadata.Version,
		rec.Metadata.VersionString, rec.Metadata.MinHostVersion, rec.Metadata.IconRef,
		string(rec.Status), rec.InstallPath, rec.InstalledAt,
	)
	if err != nil {
		return &extension.StorageError{Op: "upsert installed", Err: err}
	}
	return nil
}

// GetInstalled returns the record for a package id.
func (s *Store) GetInstalled(ctx context.Context, id string) (extension.InstalledPackage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, version_string, min_host_version, icon_ref,
			status, install_path, installed_at
		FROM installed_extensions WHERE id = ?`, id)

	rec, err := scanInstalled(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return extension.InstalledPackage{}, fmt.Errorf("%w: %s", extension.ErrNotInstalled, id)
		}
		return extension.InstalledPackage{}, &extension.StorageError{Op: "get installed", Err: err}
	}
	return rec, nil
}

// ListInstalled returns all installed records ordered by package id.
func (s *Store) ListInstalled(ctx context.Context) ([]extension.InstalledPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, version_string, min_host_version, icon_ref,
			status, install_path, installed_at
		FROM installed_extensions ORDER BY id`)
	if err != nil {
		return nil, &extension.StorageError{Op: "list installed", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []extension.InstalledPackage
	for rows.Next() {
		rec, err := scanInstalled(rows)
		if err != nil {
			return nil, &extension.StorageError{Op: "list installed", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &extension.StorageError{Op: "list installed", Err: err}
	}
	return out, nil
}

// SetStatus flips the lifecycle status of an installed extension.
func (s *Store) SetStatus(ctx context.Context, id string, status extension.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE installed_extensions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return &extension.StorageError{Op: "set status", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &extension.StorageError{Op: "set status", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", extension.ErrNotInstalled, id)
	}
	return nil
}

// DeleteInstalled removes the record for a package id.
func (s *Store) DeleteInstalled(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM installed_extensions WHERE id = ?`, id)
	if err != nil {
		return &extension.StorageError{Op: "delete installed", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &extension.StorageError{Op: "delete installed", Err: err}
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", extension.ErrNotInstalled, id)
	}
	return nil
}

// AddRepository registers a repository URL. Adding an already-registered URL
// is a no-op; added reports whether the set changed.
func (s *Store) AddRepository(ctx context.Context, url string) (added bool, err error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO repositories (url) VALUES (?)`, url)
	if err != nil {
		return false, &extension.StorageError{Op: "add repository", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &extension.StorageError{Op: "add repository", Err: err}
	}
	return affected > 0, nil
}

// RemoveRepository deregisters a repository URL and drops its cached catalog
// entries. removed reports whether the URL was registered.
func (s *Store) RemoveRepository(ctx context.Context, url string) (removed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &extension.StorageError{Op: "remove repository", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE url = ?`, url)
	if err != nil {
		return false, &extension.StorageError{Op: "remove repository", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &extension.StorageError{Op: "remove repository", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_cache WHERE repository_url = ?`, url); err != nil {
		return false, &extension.StorageError{Op: "remove repository", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &extension.StorageError{Op: "remove repository", Err: err}
	}
	return affected > 0, nil
}

// ListRepositories returns registered repository URLs in registration order.
func (s *Store) ListRepositories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url FROM repositories ORDER BY rowid`)
	if err != nil {
		return nil, &extension.StorageError{Op: "list repositories", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, &extension.StorageError{Op: "list repositories", Err: err}
		}
		urls = append(urls, url)
	}
	if err := rows.Err(); err != nil {
		return nil, &extension.StorageError{Op: "list repositories", Err: err}
	}
	return urls, nil
}

// ReplaceCatalog atomically replaces the cached catalog entries of one
// repository with a freshly fetched set. A fetched manifest lands completely
// or not at all.
func (s *Store) ReplaceCatalog(ctx context.Context, repositoryURL string, entries []catalog.RemotePackageInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &extension.StorageError{Op: "replace catalog", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_cache WHERE repository_url = ?`, repositoryURL); err != nil {
		return &extension.StorageError{Op: "replace catalog", Err: err}
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_cache (
				repository_url, id, name, version, description,
				download_url, icon_url, developer, min_app_version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			repositoryURL, e.ID, e.Name, e.Version, e.Description,
			e.DownloadURL, e.IconURL, e.Developer, e.MinAppVersion,
		)
		if err != nil {
			return &extension.StorageError{Op: "replace catalog", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &extension.StorageError{Op: "replace catalog", Err: err}
	}

	s.logger.Debug(ctx, "catalog cache replaced",
		ports.F("repository", repositoryURL),
		ports.F("entries", len(entries)))
	return nil
}

// ListCatalog returns every cached catalog entry across all repositories.
func (s *Store) ListCatalog(ctx context.Context) ([]catalog.RemotePackageInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repository_url, id, name, version, description,
			download_url, icon_url, developer, min_app_version
		FROM catalog_cache ORDER BY id, repository_url`)
	if err != nil {
		return nil, &extension.StorageError{Op: "list catalog", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []catalog.RemotePackageInfo
	for rows.Next() {
		var e catalog.RemotePackageInfo
		if err := rows.Scan(
			&e.RepositoryURL, &e.ID, &e.Name, &e.Version, &e.Description,
			&e.DownloadURL, &e.IconURL, &e.Developer, &e.MinAppVersion,
		); err != nil {
			return nil, &extension.StorageError{Op: "list catalog", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &extension.StorageError{Op: "list catalog", Err: err}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstalled(row rowScanner) (extension.InstalledPackage, error) {
	var rec extension.InstalledPackage
	var status string
	err := row.Scan(
		&rec.Metadata.ID, &rec.Metadata.Name, &rec.Metadata.Version,
		&rec.Metadata.VersionString, &rec.Metadata.MinHostVersion, &rec.Metadata.IconRef,
		&status, &rec.InstallPath, &rec.InstalledAt,
	)
	if err != nil {
		return extension.InstalledPackage{}, err
	}
	rec.Status = extension.Status(status)
	return rec, nil
}
