// Package app wires the extension subsystem together: the service façade the
// host application talks to, the composition root, and the background
// services (scheduled update checks, sideload watching).
package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/cadence/internal/adapters/storage"
	"github.com/felixgeelhaar/cadence/internal/domain/catalog"
	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/domain/host"
	"github.com/felixgeelhaar/cadence/internal/domain/install"
	"github.com/felixgeelhaar/cadence/internal/events"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// UpdateResult is the per-package outcome of a batch update run.
type UpdateResult struct {
	PackageID   string
	OperationID string
	Err         error
}

// ServiceDeps are the collaborators the service coordinates.
type ServiceDeps struct {
	Client    *catalog.Client
	Store     *storage.Store
	Installer *install.Installer
	Manager   *host.Manager
	Artifacts *install.ArtifactStore
	Logger    ports.Logger

	// MaxPackageBytes caps imported package archives; zero means no cap.
	MaxPackageBytes int64
}

// Service is the façade the host application and the CLI drive. It owns the
// repository set, the catalog and update-status caches, and publishes
// snapshots of installed packages, the merged catalog, and update statuses.
type Service struct {
	client          *catalog.Client
	store           *storage.Store
	installer       *install.Installer
	manager         *host.Manager
	artifacts       *install.ArtifactStore
	logger          ports.Logger
	maxPackageBytes int64

	installedFeed *events.Stream[[]extension.InstalledPackage]
	catalogFeed   *events.Stream[[]catalog.RemotePackageInfo]
	updatesFeed   *events.Stream[[]catalog.UpdateStatus]

	mu        sync.Mutex
	updates   map[string]catalog.UpdateStatus
	checkedAt time.Time
}

// NewService creates the service façade.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		client:          deps.Client,
		store:           deps.Store,
		installer:       deps.Installer,
		manager:         deps.Manager,
		artifacts:       deps.Artifacts,
		logger:          deps.Logger.With(ports.F("component", "service")),
		maxPackageBytes: deps.MaxPackageBytes,
		installedFeed:   events.NewStream[[]extension.InstalledPackage](),
		catalogFeed:     events.NewStream[[]catalog.RemotePackageInfo](),
		updatesFeed:     events.NewStream[[]catalog.UpdateStatus](),
	}
}

// Close releases the snapshot feeds. The installer, manager, and store are
// owned and closed by the runtime.
func (s *Service) Close() {
	s.installedFeed.Close()
	s.catalogFeed.Close()
	s.updatesFeed.Close()
}

// AddRepository adds a repository URL to the set. Adding a URL twice is a
// no-op; the catalog is not fetched until the next refresh.
func (s *Service) AddRepository(ctx context.Context, repositoryURL string) error {
	if _, err := url.ParseRequestURI(repositoryURL); err != nil {
		return fmt.Errorf("repository url %q: %w", repositoryURL, err)
	}

	added, err := s.store.AddRepository(ctx, repositoryURL)
	if err != nil {
		return err
	}
	if added {
		s.logger.Info(ctx, "repository added", ports.F("url", repositoryURL))
	}
	return nil
}

// RemoveRepository drops a repository from the set together with its cached
// catalog entries. Removing an unknown URL is a no-op.
func (s *Service) RemoveRepository(ctx context.Context, repositoryURL string) error {
	removed, err := s.store.RemoveRepository(ctx, repositoryURL)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	if err := s.store.ReplaceCatalog(ctx, repositoryURL, nil); err != nil {
		return err
	}

	s.mu.Lock()
	for id, status := range s.updates {
		if status.RepositoryURL == repositoryURL {
			delete(s.updates, id)
		}
	}
	s.mu.Unlock()

	s.publishCatalog(ctx)
	s.publishUpdates()
	s.logger.Info(ctx, "repository removed", ports.F("url", repositoryURL))
	return nil
}

// Repositories lists the registered repository URLs in registration order.
func (s *Service) Repositories(ctx context.Context) ([]string, error) {
	return s.store.ListRepositories(ctx)
}

// RefreshAllRepositories fetches every repository manifest in registration
// order and replaces the cached catalog per repository. A repository that
// fails keeps its previous cached entries; the others still refresh. The
// merged catalog snapshot is published once at the end.
func (s *Service) RefreshAllRepositories(ctx context.Context) error {
	repos, err := s.store.ListRepositories(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, repo := range repos {
		manifest, err := s.client.FetchManifest(ctx, repo)
		if err != nil {
			s.logger.Warn(ctx, "repository refresh failed",
				ports.F("url", repo),
				ports.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", repo, err))
			continue
		}
		if err := s.store.ReplaceCatalog(ctx, repo, manifest.Extensions); err != nil {
			errs = append(errs, err)
		}
	}

	s.publishCatalog(ctx)
	return errors.Join(errs...)
}

// Catalog returns the cached merged catalog across all repositories.
func (s *Service) Catalog(ctx context.Context) ([]catalog.RemotePackageInfo, error) {
	return s.store.ListCatalog(ctx)
}

// SearchCatalog case-folds the query and matches it against id, name,
// developer, and description of the cached catalog.
func (s *Service) SearchCatalog(ctx context.Context, query string) ([]catalog.RemotePackageInfo, error) {
	entries, err := s.store.ListCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.NewMerged(entries).Search(query), nil
}

// InstalledExtensions lists the installed records.
func (s *Service) InstalledExtensions(ctx context.Context) ([]extension.InstalledPackage, error) {
	return s.store.ListInstalled(ctx)
}

// SyncInstalledExtensions reconciles the store against the manager's active
// set: installed records get loaded, disabled ones unloaded, and actives
// without a record dropped. Returns the guaranteed-fresh installed list and
// publishes it.
func (s *Service) SyncInstalledExtensions(ctx context.Context) ([]extension.InstalledPackage, error) {
	recs, err := s.store.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(recs))
	for _, rec := range recs {
		id := rec.Metadata.ID
		known[id] = true
		active := s.manager.IsActive(id)
		switch {
		case !rec.Disabled() && !active:
			if err := s.manager.Activate(ctx, rec); err != nil {
				s.logger.Warn(ctx, "sync could not load extension",
					ports.F("id", id),
					ports.Err(err))
			}
		case rec.Disabled() && active:
			if err := s.manager.Deactivate(ctx, id); err != nil {
				s.logger.Warn(ctx, "sync could not unload extension",
					ports.F("id", id),
					ports.Err(err))
			}
		}
	}
	for _, id := range s.manager.ActiveIDs() {
		if known[id] {
			continue
		}
		if err := s.manager.Deactivate(ctx, id); err != nil {
			s.logger.Warn(ctx, "sync could not unload orphaned extension",
				ports.F("id", id),
				ports.Err(err))
		}
	}

	s.installedFeed.Publish(recs)
	return recs, nil
}

// CheckForUpdates refreshes the repository catalogs and recomputes the
// update status of every installed package, returning how many have one.
// Without force, a previously computed result is served as is.
func (s *Service) CheckForUpdates(ctx context.Context, force bool) (int, error) {
	s.mu.Lock()
	if !force && !s.checkedAt.IsZero() {
		count := countUpdates(s.updates)
		s.mu.Unlock()
		return count, nil
	}
	s.mu.Unlock()

	refreshErr := s.RefreshAllRepositories(ctx)

	recs, err := s.store.ListInstalled(ctx)
	if err != nil {
		return 0, err
	}
	entries, err := s.store.ListCatalog(ctx)
	if err != nil {
		return 0, err
	}
	statuses := catalog.NewMerged(entries).UpdateStatuses(recs)

	s.mu.Lock()
	s.updates = statuses
	s.checkedAt = time.Now()
	count := countUpdates(statuses)
	s.mu.Unlock()

	s.publishUpdates()
	s.logger.Info(ctx, "update check completed",
		ports.F("installed", len(recs)),
		ports.F("updates", count))
	return count, refreshErr
}

// UpdateStatuses returns the last computed update statuses ordered by
// package id.
func (s *Service) UpdateStatuses() []catalog.UpdateStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedUpdates(s.updates)
}

// DownloadExtension fetches the advertised package artifact in the
// background and returns the operation id. Installation is a separate step.
func (s *Service) DownloadExtension(ctx context.Context, id string) (string, error) {
	info, err := s.advertised(ctx, id)
	if err != nil {
		return "", err
	}
	return s.installer.Download(ctx, info)
}

// InstallDownloadedExtension installs a previously downloaded artifact.
func (s *Service) InstallDownloadedExtension(ctx context.Context, id string) (string, error) {
	return s.installer.InstallDownloaded(ctx, id)
}

// UpdateExtension downloads and installs the version a repository advertises
// for an installed package, replacing it deterministically.
func (s *Service) UpdateExtension(ctx context.Context, id string) (string, error) {
	rec, err := s.store.GetInstalled(ctx, id)
	if err != nil {
		return "", err
	}
	entries, err := s.store.ListCatalog(ctx)
	if err != nil {
		return "", err
	}
	info, ok := catalog.NewMerged(entries).PickForUpdate(rec.Metadata)
	if !ok {
		return "", fmt.Errorf("no repository advertises an update for %s", id)
	}
	return s.installer.Update(ctx, info)
}

// UpdateAllExtensions updates every package with a pending update status,
// one after another. A failing package is recorded in its result and never
// aborts the rest of the batch.
func (s *Service) UpdateAllExtensions(ctx context.Context) ([]UpdateResult, error) {
	s.mu.Lock()
	neverChecked := s.checkedAt.IsZero()
	s.mu.Unlock()
	if neverChecked {
		if _, err := s.CheckForUpdates(ctx, true); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	var ids []string
	for id, status := range s.updates {
		if status.HasUpdate {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(ids)

	results := make([]UpdateResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, s.updateOne(ctx, id))
	}

	s.publishUpdates()
	if recs, err := s.store.ListInstalled(ctx); err == nil {
		s.installedFeed.Publish(recs)
	}
	return results, nil
}

// updateOne runs a single update pipeline to completion.
func (s *Service) updateOne(ctx context.Context, id string) UpdateResult {
	opID, err := s.UpdateExtension(ctx, id)
	if err != nil {
		return UpdateResult{PackageID: id, Err: err}
	}

	state, err := s.installer.WaitFor(ctx, opID, install.PhaseCompleted)
	if err != nil {
		return UpdateResult{PackageID: id, OperationID: opID, Err: err}
	}
	if state.Phase != install.PhaseCompleted {
		return UpdateResult{PackageID: id, OperationID: opID, Err: fmt.Errorf("update failed: %s", state.Reason)}
	}

	s.mu.Lock()
	delete(s.updates, id)
	s.mu.Unlock()
	return UpdateResult{PackageID: id, OperationID: opID}
}

// UninstallExtension unloads the extension and removes its files, record,
// and retained artifact.
func (s *Service) UninstallExtension(ctx context.Context, id string) error {
	if err := s.installer.Uninstall(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.updates, id)
	s.mu.Unlock()

	s.publishUpdates()
	if recs, err := s.store.ListInstalled(ctx); err == nil {
		s.installedFeed.Publish(recs)
	}
	return nil
}

// EnableExtension loads a disabled extension and marks it installed.
func (s *Service) EnableExtension(ctx context.Context, id string) error {
	if err := s.manager.Enable(ctx, id); err != nil {
		return err
	}
	if recs, err := s.store.ListInstalled(ctx); err == nil {
		s.installedFeed.Publish(recs)
	}
	return nil
}

// DisableExtension unloads an extension while keeping its record and files.
func (s *Service) DisableExtension(ctx context.Context, id string) error {
	if err := s.manager.Disable(ctx, id); err != nil {
		return err
	}
	if recs, err := s.store.ListInstalled(ctx); err == nil {
		s.installedFeed.Publish(recs)
	}
	return nil
}

// ForceReloadExtension swaps the in-process instance for a fresh load from
// the install path.
func (s *Service) ForceReloadExtension(ctx context.Context, id string) error {
	return s.manager.ForceReload(ctx, id)
}

// CancelDownload aborts an in-flight download for the id and reports whether
// one was in flight.
func (s *Service) CancelDownload(id string) bool {
	return s.installer.Cancel(id)
}

// ImportPackage sideloads a package archive held in memory. The id is read
// from the embedded manifest; the package then awaits the same explicit
// install step as a remote download. Returns the package id and operation id.
func (s *Service) ImportPackage(ctx context.Context, data []byte) (string, string, error) {
	manifest, _, err := extension.ReadPackage(data, s.maxPackageBytes)
	if err != nil {
		return "", "", &extension.ValidationError{Kind: extension.MalformedPackage, Detail: "unreadable package", Err: err}
	}

	opID, err := s.installer.Import(ctx, manifest.ID, data)
	if err != nil {
		return "", "", err
	}
	return manifest.ID, opID, nil
}

// ClearExtensionCache drops the cached catalog and every retained artifact
// without touching installed packages. Artifacts awaiting their install are
// dropped too and need a fresh download.
func (s *Service) ClearExtensionCache(ctx context.Context) error {
	repos, err := s.store.ListRepositories(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, repo := range repos {
		if err := s.store.ReplaceCatalog(ctx, repo, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.artifacts.Clear(); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.updates = nil
	s.checkedAt = time.Time{}
	s.mu.Unlock()

	s.catalogFeed.Publish([]catalog.RemotePackageInfo{})
	s.updatesFeed.Publish([]catalog.UpdateStatus{})
	s.logger.Info(ctx, "extension cache cleared", ports.F("repositories", len(repos)))
	return errors.Join(errs...)
}

// Search fans the query out over every active extension and merges the
// results under composite media ids.
func (s *Service) Search(ctx context.Context, query string) ([]extension.SearchResult, error) {
	return s.manager.Search(ctx, query)
}

// ResolveStream resolves a composite media id to a playable stream URL.
func (s *Service) ResolveStream(ctx context.Context, mediaID string) (string, error) {
	return s.manager.ResolveStream(ctx, mediaID)
}

// ActiveExtensions returns the loaded extension handles ordered by id.
func (s *Service) ActiveExtensions() []extension.Handle {
	return s.manager.ActiveExtensions()
}

// InstallStates lists the session's pipeline snapshots ordered by package id.
func (s *Service) InstallStates() []install.State {
	return s.installer.States()
}

// AwaitOperation blocks until the operation reaches the target phase, fails,
// or returns to idle.
func (s *Service) AwaitOperation(ctx context.Context, operationID string, target install.Phase) (install.State, error) {
	return s.installer.WaitFor(ctx, operationID, target)
}

// SubscribeInstalled follows installed-list snapshots.
func (s *Service) SubscribeInstalled() (<-chan []extension.InstalledPackage, func()) {
	return s.installedFeed.Subscribe()
}

// SubscribeCatalog follows merged-catalog snapshots.
func (s *Service) SubscribeCatalog() (<-chan []catalog.RemotePackageInfo, func()) {
	return s.catalogFeed.Subscribe()
}

// SubscribeUpdates follows update-status snapshots.
func (s *Service) SubscribeUpdates() (<-chan []catalog.UpdateStatus, func()) {
	return s.updatesFeed.Subscribe()
}

// SubscribeInstallStates follows pipeline state snapshots.
func (s *Service) SubscribeInstallStates() (<-chan install.State, func()) {
	return s.installer.Subscribe()
}

// advertised resolves the catalog entry a download of id should come from:
// the first entry in merged order.
func (s *Service) advertised(ctx context.Context, id string) (catalog.RemotePackageInfo, error) {
	entries, err := s.store.ListCatalog(ctx)
	if err != nil {
		return catalog.RemotePackageInfo{}, err
	}
	candidates := catalog.NewMerged(entries).ByID(id)
	if len(candidates) == 0 {
		return catalog.RemotePackageInfo{}, fmt.Errorf("no repository advertises %s", id)
	}
	return candidates[0], nil
}

func (s *Service) publishCatalog(ctx context.Context) {
	entries, err := s.store.ListCatalog(ctx)
	if err != nil {
		s.logger.Warn(ctx, "could not read catalog cache", ports.Err(err))
		return
	}
	s.catalogFeed.Publish(entries)
}

func (s *Service) publishUpdates() {
	s.mu.Lock()
	statuses := sortedUpdates(s.updates)
	s.mu.Unlock()
	s.updatesFeed.Publish(statuses)
}

func countUpdates(statuses map[string]catalog.UpdateStatus) int {
	count := 0
	for _, status := range statuses {
		if status.HasUpdate {
			count++
		}
	}
	return count
}

func sortedUpdates(statuses map[string]catalog.UpdateStatus) []catalog.UpdateStatus {
	out := make([]catalog.UpdateStatus, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageID < out[j].PackageID })
	return out
}
