package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/cadence/internal/adapters/logging"
	"github.com/felixgeelhaar/cadence/internal/domain/catalog"
	"github.com/felixgeelhaar/cadence/internal/domain/extension"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "cadence.db"), logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(id string, version int) extension.InstalledPackage {
	return extension.InstalledPackage{
		Metadata: extension.PackageMetadata{
			ID:            id,
			Name:          "Test Extension",
			Version:       version,
			VersionString: "1.0.0",
		},
		Status:      extension.StatusInstalled,
		InstallPath: "/data/extensions/" + id,
		InstalledAt: time.Now().UTC(),
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "cadence.db")
	store, err := Open(path, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening an existing database applies the schema idempotently.
	store, err = Open(path, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestStore_Installed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("upsert and get", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		rec := testRecord("com.example.soundwave", 2)
		require.NoError(t, store.UpsertInstalled(ctx, rec))

		got, err := store.GetInstalled(ctx, rec.Metadata.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.Metadata, got.Metadata)
		assert.Equal(t, extension.StatusInstalled, got.Status)
		assert.Equal(t, rec.InstallPath, got.InstallPath)
		assert.WithinDuration(t, rec.InstalledAt, got.InstalledAt, time.Second)
	})

	t.Run("upsert replaces the single record per id", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		require.NoError(t, store.UpsertInstalled(ctx, testRecord("com.example.soundwave", 2)))

		updated := testRecord("com.example.soundwave", 3)
		updated.Metadata.VersionString = "1.1.0"
		require.NoError(t, store.UpsertInstalled(ctx, updated))

		all, err := store.ListInstalled(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, 3, all[0].Metadata.Version)
		assert.Equal(t, "1.1.0", all[0].Metadata.VersionString)
	})

	t.Run("get missing", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		_, err := store.GetInstalled(ctx, "com.example.absent")
		assert.ErrorIs(t, err, extension.ErrNotInstalled)
	})

	t.Run("list is ordered by id", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		require.NoError(t, store.UpsertInstalled(ctx, testRecord("com.example.b", 1)))
		require.NoError(t, store.UpsertInstalled(ctx, testRecord("com.example.a", 1)))

		all, err := store.ListInstalled(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "com.example.a", all[0].Metadata.ID)
		assert.Equal(t, "com.example.b", all[1].Metadata.ID)
	})

	t.Run("set status", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		rec := testRecord("com.example.soundwave", 2)
		require.NoError(t, store.UpsertInstalled(ctx, rec))

		require.NoError(t, store.SetStatus(ctx, rec.Metadata.ID, extension.StatusDisabled))
		got, err := store.GetInstalled(ctx, rec.Metadata.ID)
		require.NoError(t, err)
		assert.True(t, got.Disabled())

		assert.ErrorIs(t, store.SetStatus(ctx, "com.example.absent", extension.StatusDisabled), extension.ErrNotInstalled)
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		rec := testRecord("com.example.soundwave", 2)
		require.NoError(t, store.UpsertInstalled(ctx, rec))

		require.NoError(t, store.DeleteInstalled(ctx, rec.Metadata.ID))
		_, err := store.GetInstalled(ctx, rec.Metadata.ID)
		assert.ErrorIs(t, err, extension.ErrNotInstalled)

		assert.ErrorIs(t, store.DeleteInstalled(ctx, rec.Metadata.ID), extension.ErrNotInstalled)
	})
}

func TestStore_Repositories(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("add is idempotent", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)

		added, err := store.AddRepository(ctx, "https://repo.example/manifest.json")
		require.NoError(t, err)
		assert.True(t, added)

		added, err = store.AddRepository(ctx, "https://repo.example/manifest.json")
		require.NoError(t, err)
		assert.False(t, added)

		urls, err := store.ListRepositories(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"https://repo.example/manifest.json"}, urls)
	})

	t.Run("list preserves registration order", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		_, err := store.AddRepository(ctx, "https://two.example/manifest.json")
		require.NoError(t, err)
		_, err = store.AddRepository(ctx, "https://one.example/manifest.json")
		require.NoError(t, err)

		urls, err := store.ListRepositories(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"https://two.example/manifest.json",
			"https://one.example/manifest.json",
		}, urls)
	})

	t.Run("remove drops cached catalog entries", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		const repo = "https://repo.example/manifest.json"
		_, err := store.AddRepository(ctx, repo)
		require.NoError(t, err)
		require.NoError(t, store.ReplaceCatalog(ctx, repo, []catalog.RemotePackageInfo{
			{ID: "com.example.a", Version: "1", DownloadURL: "https://repo.example/a.cadx"},
		}))

		removed, err := store.RemoveRepository(ctx, repo)
		require.NoError(t, err)
		assert.True(t, removed)

		entries, err := store.ListCatalog(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)

		removed, err = store.RemoveRepository(ctx, repo)
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestStore_Catalog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("replace and list", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		const repo = "https://repo.example/manifest.json"

		require.NoError(t, store.ReplaceCatalog(ctx, repo, []catalog.RemotePackageInfo{
			{ID: "com.example.a", Name: "A", Version: "1", DownloadURL: "https://repo.example/a.cadx", Developer: "Example"},
			{ID: "com.example.b", Name: "B", Version: "2", DownloadURL: "https://repo.example/b.cadx"},
		}))

		entries, err := store.ListCatalog(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "com.example.a", entries[0].ID)
		assert.Equal(t, repo, entries[0].RepositoryURL)
		assert.Equal(t, "Example", entries[0].Developer)
	})

	t.Run("replace removes stale entries", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)
		const repo = "https://repo.example/manifest.json"

		require.NoError(t, store.ReplaceCatalog(ctx, repo, []catalog.RemotePackageInfo{
			{ID: "com.example.old", Version: "1", DownloadURL: "https://repo.example/old.cadx"},
		}))
		require.NoError(t, store.ReplaceCatalog(ctx, repo, []catalog.RemotePackageInfo{
			{ID: "com.example.new", Version: "1", DownloadURL: "https://repo.example/new.cadx"},
		}))

		entries, err := store.ListCatalog(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "com.example.new", entries[0].ID)
	})

	t.Run("repositories cache independently", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t)

		require.NoError(t, store.ReplaceCatalog(ctx, "https://one.example", []catalog.RemotePackageInfo{
			{ID: "com.example.a", Version: "1", DownloadURL: "https://one.example/a.cadx"},
		}))
		require.NoError(t, store.ReplaceCatalog(ctx, "https://two.example", []catalog.RemotePackageInfo{
			{ID: "com.example.a", Version: "2", DownloadURL: "https://two.example/a.cadx"},
		}))

		entries, err := store.ListCatalog(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 2)

		require.NoError(t, store.ReplaceCatalog(ctx, "https://one.example", nil))
		entries, err = store.ListCatalog(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "https://two.example", entries[0].RepositoryURL)
	})
}
