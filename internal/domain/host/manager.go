// Package host maintains the authoritative in-memory set of active extension
// handles and routes composite media identifiers to them. The handle map is
// mutated only through Manager methods.
package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// Loader instantiates an extension from its installed directory.
type Loader interface {
	Load(ctx context.Context, installPath string) (extension.Handle, error)
}

// Store reads and mutates installed extension records.
type Store interface {
	GetInstalled(ctx context.Context, id string) (extension.InstalledPackage, error)
	ListInstalled(ctx context.Context) ([]extension.InstalledPackage, error)
	SetStatus(ctx context.Context, id string, status extension.Status) error
}

// Manager owns the active extension set. Calls into extensions go through
// Search and ResolveStream, which catch a failing extension and report it
// unavailable instead of propagating its fault into the host.
type Manager struct {
	loader Loader
	store  Store
	logger ports.Logger

	mu      sync.RWMutex
	handles map[string]extension.Handle
}

// NewManager creates a manager with an empty active set. Call StartUp to
// activate what the store records as installed.
func NewManager(loader Loader, store Store, logger ports.Logger) *Manager {
	return &Manager{
		loader:  loader,
		store:   store,
		logger:  logger.With(ports.F("component", "manager")),
		handles: make(map[string]extension.Handle),
	}
}

// StartUp activates every installed extension, skipping disabled ones. A
// single extension failing to load is logged and skipped so the rest of the
// set still comes up.
func (m *Manager) StartUp(ctx context.Context) error {
	recs, err := m.store.ListInstalled(ctx)
	if err != nil {
		return err
	}

	loaded := 0
	for _, rec := range recs {
		if rec.Disabled() {
			continue
		}
		if err := m.Activate(ctx, rec); err != nil {
			m.logger.Warn(ctx, "extension failed to load at startup",
				ports.F("id", rec.Metadata.ID),
				ports.Err(err))
			continue
		}
		loaded++
	}

	m.logger.Info(ctx, "extension set activated",
		ports.F("loaded", loaded),
		ports.F("installed", len(recs)))
	return nil
}

// Activate loads the extension recorded in rec and adds it to the active set,
// replacing and closing any handle already active for the id.
func (m *Manager) Activate(ctx context.Context, rec extension.InstalledPackage) error {
	handle, err := m.loader.Load(ctx, rec.InstallPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old, hadOld := m.handles[rec.Metadata.ID]
	m.handles[rec.Metadata.ID] = handle
	m.mu.Unlock()

	if hadOld {
		if err := old.Close(ctx); err != nil {
			m.logger.Warn(ctx, "closing replaced handle failed",
				ports.F("id", rec.Metadata.ID),
				ports.Err(err))
		}
	}
	return nil
}

// Deactivate removes the id from the active set and closes its handle.
// Deactivating an id that is not active is a no-op.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	handle, ok := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return handle.Close(ctx)
}

// IsActive reports whether the id has a loaded handle.
func (m *Manager) IsActive(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handles[id]
	return ok
}

// Enable marks the extension installed and loads it if it is not already
// active. The status is only persisted once the load succeeded.
func (m *Manager) Enable(ctx context.Context, id string) error {
	rec, err := m.store.GetInstalled(ctx, id)
	if err != nil {
		return err
	}
	if m.IsActive(id) {
		if rec.Disabled() {
			return m.store.SetStatus(ctx, id, extension.StatusInstalled)
		}
		return nil
	}

	if err := m.Activate(ctx, rec); err != nil {
		return err
	}
	if err := m.store.SetStatus(ctx, id, extension.StatusInstalled); err != nil {
		_ = m.Deactivate(ctx, id)
		return err
	}

	m.logger.Info(ctx, "extension enabled", ports.F("id", id))
	return nil
}

// Disable unloads the extension but keeps its record and on-disk files. The
// id is skipped at the next startup until enabled again.
func (m *Manager) Disable(ctx context.Context, id string) error {
	if err := m.store.SetStatus(ctx, id, extension.StatusDisabled); err != nil {
		return err
	}
	if err := m.Deactivate(ctx, id); err != nil {
		m.logger.Warn(ctx, "unloading disabled extension failed",
			ports.F("id", id),
			ports.Err(err))
	}

	m.logger.Info(ctx, "extension disabled", ports.F("id", id))
	return nil
}

// ForceReload unloads the id and loads it fresh from its install path,
// recovering an extension stuck in a bad in-process state without a
// reinstall. Disabled extensions stay unloaded.
func (m *Manager) ForceReload(ctx context.Context, id string) error {
	rec, err := m.store.GetInstalled(ctx, id)
	if err != nil {
		return err
	}
	if rec.Disabled() {
		return fmt.Errorf("%w: %s is disabled", extension.ErrNotActive, id)
	}

	if err := m.Deactivate(ctx, id); err != nil {
		m.logger.Warn(ctx, "unloading for reload failed",
			ports.F("id", id),
			ports.Err(err))
	}
	if err := m.Activate(ctx, rec); err != nil {
		return err
	}

	m.logger.Info(ctx, "extension reloaded", ports.F("id", id))
	return nil
}

// ActiveExtensions returns the active handles ordered by package id.
func (m *Manager) ActiveExtensions() []extension.Handle {
	m.mu.RLock()
	out := make([]extension.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ActiveIDs returns the active package ids in order.
func (m *Manager) ActiveIDs() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.handles))
	for id := range m.handles {
		out = append(out, id)
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}

// FindByID returns the active handle for id.
func (m *Manager) FindByID(id string) (extension.Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[id]
	return h, ok
}

// Search queries every active extension in id order and merges the results.
// Result ids come back as composite media identifiers so they route back to
// the owning extension. An extension failing its search is reported
// unavailable and skipped; the merge never fails because one source did.
func (m *Manager) Search(ctx context.Context, query string) ([]extension.SearchResult, error) {
	merged := []extension.SearchResult{}
	for _, h := range m.ActiveExtensions() {
		if err := ctx.Err(); err != nil {
			return merged, err
		}

		results, err := h.Search(ctx, query)
		if err != nil {
			m.logger.Warn(ctx, "extension unavailable during search",
				ports.F("id", h.ID()),
				ports.Err(err))
			continue
		}
		for _, r := range results {
			r.ID = extension.MediaID(h.ID(), r.ID)
			merged = append(merged, r)
		}
	}
	return merged, nil
}

// ResolveStream routes a composite media identifier to its owning extension
// and resolves the playable stream URL. A failing extension is reported
// unavailable; the cause goes to the log, not the caller.
func (m *Manager) ResolveStream(ctx context.Context, mediaID string) (string, error) {
	extID, trackID, ok := extension.SplitMediaID(mediaID)
	if !ok {
		return "", fmt.Errorf("media id %q is not of the form extensionId%strackId", mediaID, extension.MediaIDSeparator)
	}

	handle, found := m.FindByID(extID)
	if !found {
		return "", fmt.Errorf("%w: %s", extension.ErrNotActive, extID)
	}

	url, err := handle.ResolveStream(ctx, trackID)
	if err != nil {
		m.logger.Warn(ctx, "extension unavailable during stream resolution",
			ports.F("id", extID),
			ports.F("track", trackID),
			ports.Err(err))
		return "", fmt.Errorf("%w: %s", extension.ErrUnavailable, extID)
	}
	return url, nil
}

// Shutdown closes every active handle and empties the set. Handle teardown
// is time-bounded, so a hung extension cannot block host shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]extension.Handle)
	m.mu.Unlock()

	ids := make([]string, 0, len(handles))
	for id := range handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := handles[id].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
	}

	m.logger.Info(ctx, "extension set shut down", ports.F("count", len(ids)))
	return errors.Join(errs...)
}
