package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"

	"github.com/felixgeelhaar/cadence/internal/domain/catalog"
	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/events"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// Downloader fetches package bytes from a repository.
type Downloader interface {
	Download(ctx context.Context, info catalog.RemotePackageInfo) ([]byte, error)
}

// PackageValidator renders the verdict on a downloaded artifact. A returned
// error means the artifact must never reach the loader.
type PackageValidator interface {
	ValidateFile(ctx context.Context, path string, expectedID string) (*extension.ValidationResult, error)
}

// Store persists installed package records.
type Store interface {
	UpsertInstalled(ctx context.Context, rec extension.InstalledPackage) error
	GetInstalled(ctx context.Context, id string) (extension.InstalledPackage, error)
	DeleteInstalled(ctx context.Context, id string) error
}

// Activator moves extension instances in and out of the active set.
// Deactivating an id that is not active is a no-op.
type Activator interface {
	Activate(ctx context.Context, rec extension.InstalledPackage) error
	Deactivate(ctx context.Context, id string) error
	IsActive(id string) bool
}

// Deps are the collaborators an Installer drives.
type Deps struct {
	Client     Downloader
	Validator  PackageValidator
	Artifacts  *ArtifactStore
	Store      Store
	Activator  Activator
	InstallDir string
	Logger     ports.Logger
}

// Installer owns the installation pipelines and the install directory.
// Download, install, and update run in the background; progress is published
// as State snapshots.
type Installer struct {
	client     Downloader
	validator  PackageValidator
	artifacts  *ArtifactStore
	store      Store
	activator  Activator
	installDir string
	logger     ports.Logger
	states     *events.Stream[State]

	mu        sync.Mutex
	pipelines map[string]*pipeline
	wg        sync.WaitGroup
	closed    bool
}

// NewInstaller creates an installer. The install directory is created if
// missing.
func NewInstaller(deps Deps) (*Installer, error) {
	if err := os.MkdirAll(deps.InstallDir, 0o755); err != nil {
		return nil, &extension.StorageError{Op: "create install directory", Err: err}
	}
	return &Installer{
		client:     deps.Client,
		validator:  deps.Validator,
		artifacts:  deps.Artifacts,
		store:      deps.Store,
		activator:  deps.Activator,
		installDir: deps.InstallDir,
		logger:     deps.Logger.With(ports.F("component", "installer")),
		states:     events.NewStream[State](),
		pipelines:  make(map[string]*pipeline),
	}, nil
}

// Download fetches a package artifact in the background and parks the
// pipeline at downloaded. Installation is a separate, explicit step. The
// returned operation id correlates the pipeline's state snapshots.
func (in *Installer) Download(ctx context.Context, info catalog.RemotePackageInfo) (string, error) {
	p, err := in.begin(info.ID)
	if err != nil {
		return "", err
	}

	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	in.setCancel(p, cancel)
	in.transition(p, eventDownload, PhaseDownloading, "")

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer cancel()
		if in.download(opCtx, p, info) {
			in.finish(p)
		}
	}()
	return p.opID, nil
}

// InstallDownloaded installs a previously downloaded artifact in the
// background. It fails fast when no artifact is retained for the id.
func (in *Installer) InstallDownloaded(ctx context.Context, id string) (string, error) {
	if !in.artifacts.Has(id) {
		return "", fmt.Errorf("%w: %s", ErrNoArtifact, id)
	}

	p, err := in.begin(id)
	if err != nil {
		return "", err
	}
	in.transition(p, eventInstall, PhaseInstalling, "")

	opCtx := context.WithoutCancel(ctx)
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.install(opCtx, p)
	}()
	return p.opID, nil
}

// Update downloads the advertised version and installs it over the existing
// installation in one pipeline run.
func (in *Installer) Update(ctx context.Context, info catalog.RemotePackageInfo) (string, error) {
	p, err := in.begin(info.ID)
	if err != nil {
		return "", err
	}

	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	in.setCancel(p, cancel)
	in.transition(p, eventDownload, PhaseDownloading, "")

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer cancel()
		if !in.download(opCtx, p, info) {
			return
		}
		in.transition(p, eventInstall, PhaseInstalling, "")
		in.install(opCtx, p)
	}()
	return p.opID, nil
}

// Import stores a sideloaded package artifact and parks its pipeline at
// downloaded, subject to the same explicit install step as a remote
// download.
func (in *Installer) Import(ctx context.Context, id string, data []byte) (string, error) {
	p, err := in.begin(id)
	if err != nil {
		return "", err
	}

	if _, err := in.artifacts.Put(id, data); err != nil {
		in.fail(ctx, p, err)
		return "", err
	}
	in.transition(p, eventImport, PhaseDownloaded, "")
	in.finish(p)

	in.logger.Info(ctx, "package sideloaded",
		ports.F("id", id),
		ports.F("bytes", len(data)))
	return p.opID, nil
}

// Cancel aborts an in-flight download. Partial data is discarded and the
// pipeline entry is removed, returning the id to idle. Returns false when no
// download was in flight for the id.
func (in *Installer) Cancel(id string) bool {
	in.mu.Lock()
	p, ok := in.pipelines[id]
	if !ok || !p.active || p.phase != PhaseDownloading || p.cancel == nil {
		in.mu.Unlock()
		return false
	}
	cancel := p.cancel
	in.mu.Unlock()

	cancel()
	return true
}

// Uninstall unloads the extension and removes its files, its record, its
// retained artifact, and any pipeline entry. Rejected while a pipeline for
// the id is in flight.
func (in *Installer) Uninstall(ctx context.Context, id string) error {
	in.mu.Lock()
	if p, ok := in.pipelines[id]; ok && p.active {
		in.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPipelineActive, id)
	}
	in.mu.Unlock()

	rec, err := in.store.GetInstalled(ctx, id)
	if err != nil {
		return err
	}
	if err := in.activator.Deactivate(ctx, id); err != nil {
		return err
	}
	if err := in.store.DeleteInstalled(ctx, id); err != nil {
		return err
	}
	if rec.InstallPath != "" {
		if err := os.RemoveAll(rec.InstallPath); err != nil {
			return &extension.StorageError{Op: "remove installation", Err: err}
		}
	}
	if err := in.artifacts.Remove(id); err != nil {
		return err
	}
	in.clearPipeline(id)

	in.logger.Info(ctx, "extension uninstalled", ports.F("id", id))
	return nil
}

// State returns the pipeline snapshot for id. ok is false when the id is
// idle with no retained pipeline entry.
func (in *Installer) State(id string) (State, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	p, ok := in.pipelines[id]
	if !ok {
		return State{}, false
	}
	return p.snapshot(), true
}

// States lists every retained pipeline snapshot, ordered by package id.
func (in *Installer) States() []State {
	in.mu.Lock()
	out := make([]State, 0, len(in.pipelines))
	for _, p := range in.pipelines {
		out = append(out, p.snapshot())
	}
	in.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PackageID < out[j].PackageID })
	return out
}

// Subscribe follows pipeline snapshots. The channel always holds the latest
// snapshot; cancel releases the subscription.
func (in *Installer) Subscribe() (<-chan State, func()) {
	return in.states.Subscribe()
}

// WaitFor blocks until the operation reaches target, fails, or returns to
// idle, and returns the settling snapshot. The context bounds the wait.
func (in *Installer) WaitFor(ctx context.Context, operationID string, target Phase) (State, error) {
	ch, cancel := in.states.Subscribe()
	defer cancel()

	if s, ok := in.findOperation(operationID); ok && settled(s, target) {
		return s, nil
	}
	for {
		select {
		case <-ctx.Done():
			return State{}, ctx.Err()
		case s, open := <-ch:
			if !open {
				return State{}, ErrClosed
			}
			if s.OperationID == operationID && settled(s, target) {
				return s, nil
			}
		}
	}
}

// Close cancels in-flight downloads, waits for running pipelines to settle,
// and closes the state stream.
func (in *Installer) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	for _, p := range in.pipelines {
		if p.cancel != nil {
			p.cancel()
		}
	}
	in.mu.Unlock()

	in.wg.Wait()

	in.mu.Lock()
	for _, p := range in.pipelines {
		p.interp.Stop()
	}
	in.mu.Unlock()
	in.states.Close()
}

func settled(s State, target Phase) bool {
	return s.Phase == target || s.Phase == PhaseFailed || s.Phase == PhaseIdle
}

// download runs the fetch leg of a pipeline. Returns true when the pipeline
// reached downloaded and may continue.
func (in *Installer) download(ctx context.Context, p *pipeline, info catalog.RemotePackageInfo) bool {
	data, err := in.client.Download(ctx, info)
	if err != nil {
		if ctx.Err() != nil {
			in.discard(p)
			return false
		}
		in.fail(ctx, p, err)
		return false
	}
	if _, err := in.artifacts.Put(p.id, data); err != nil {
		in.fail(ctx, p, err)
		return false
	}

	in.logger.Info(ctx, "package downloaded",
		ports.F("id", p.id),
		ports.F("bytes", len(data)))
	in.transition(p, eventDownloaded, PhaseDownloaded, "")
	return true
}

// install runs the validate, extract, persist, activate leg. The previous
// version of the id is deactivated before its replacement is validated, so
// the two are never active at once; a validation failure restores it.
func (in *Installer) install(ctx context.Context, p *pipeline) {
	old, hadOld := in.installedRecord(ctx, p.id)
	wasActive := in.activator.IsActive(p.id)

	if wasActive {
		if err := in.activator.Deactivate(ctx, p.id); err != nil {
			in.fail(ctx, p, err)
			return
		}
	}
	restore := func() {
		if !hadOld || !wasActive {
			return
		}
		if err := in.activator.Activate(ctx, old); err != nil {
			in.logger.Error(ctx, "restoring previous version failed",
				ports.F("id", p.id),
				ports.Err(err))
		}
	}

	result, err := in.validator.ValidateFile(ctx, in.artifacts.Path(p.id), p.id)
	if err != nil {
		restore()
		in.fail(ctx, p, err)
		return
	}

	installPath, err := in.extract(p.id)
	if err != nil {
		restore()
		in.fail(ctx, p, err)
		return
	}

	rec := extension.InstalledPackage{
		Metadata:    result.Manifest.Metadata(),
		Status:      extension.StatusInstalled,
		InstallPath: installPath,
		InstalledAt: time.Now(),
	}
	if err := in.store.UpsertInstalled(ctx, rec); err != nil {
		in.fail(ctx, p, err)
		return
	}
	if err := in.activator.Activate(ctx, rec); err != nil {
		in.fail(ctx, p, err)
		return
	}

	in.logger.Info(ctx, "extension installed",
		ports.F("id", p.id),
		ports.F("version", rec.Metadata.Version),
		ports.F("trust", string(result.Trust)))
	in.transition(p, eventInstalled, PhaseCompleted, "")
	in.finish(p)
}

// extract unpacks the retained artifact into the install root, replacing any
// previous installation for the id.
func (in *Installer) extract(id string) (string, error) {
	data, err := in.artifacts.Get(id)
	if err != nil {
		return "", err
	}
	files, err := extension.ReadArchive(data, 0)
	if err != nil {
		return "", &extension.ValidationError{Kind: extension.MalformedPackage, Detail: "unreadable archive", Err: err}
	}

	stage, err := os.MkdirTemp(in.installDir, ".stage-*")
	if err != nil {
		return "", &extension.StorageError{Op: "create staging directory", Err: err}
	}
	defer func() { _ = os.RemoveAll(stage) }()

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(stage, name), content, 0o644); err != nil {
			return "", &extension.StorageError{Op: "stage package file", Err: err}
		}
	}

	target := filepath.Join(in.installDir, filepath.Base(id))
	if err := os.RemoveAll(target); err != nil {
		return "", &extension.StorageError{Op: "replace installation", Err: err}
	}
	if err := os.Rename(stage, target); err != nil {
		return "", &extension.StorageError{Op: "replace installation", Err: err}
	}
	return target, nil
}

// begin admits a new pipeline for id, rejecting ids with one in flight. A
// settled previous pipeline is replaced.
func (in *Installer) begin(id string) (*pipeline, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return nil, ErrClosed
	}
	if prev, ok := in.pipelines[id]; ok {
		if prev.active {
			return nil, fmt.Errorf("%w: %s", ErrPipelineActive, id)
		}
		prev.interp.Stop()
	}

	p, err := newPipeline(id)
	if err != nil {
		return nil, err
	}
	in.pipelines[id] = p
	return p, nil
}

// transition drives the machine and publishes the resulting snapshot.
func (in *Installer) transition(p *pipeline, event string, phase Phase, reason string) {
	in.mu.Lock()
	var payload map[string]interface{}
	if reason != "" {
		payload = map[string]interface{}{"reason": reason}
	}
	p.interp.Send(statekit.Event{Type: statekit.EventType(event), Payload: payload})
	p.phase = phase
	p.reason = reason
	p.updatedAt = time.Now()
	snap := p.snapshot()
	in.mu.Unlock()

	in.states.Publish(snap)
}

func (in *Installer) fail(ctx context.Context, p *pipeline, err error) {
	in.logger.Warn(ctx, "pipeline failed",
		ports.F("id", p.id),
		ports.F("phase", string(p.phase)),
		ports.Err(err))
	in.transition(p, eventFail, PhaseFailed, err.Error())
	in.finish(p)
}

// discard removes a canceled pipeline, returning the id to idle with no
// entry left behind.
func (in *Installer) discard(p *pipeline) {
	in.mu.Lock()
	p.interp.Send(statekit.Event{Type: eventCancel})
	p.phase = PhaseIdle
	p.reason = ""
	p.updatedAt = time.Now()
	p.active = false
	snap := p.snapshot()
	delete(in.pipelines, p.id)
	p.interp.Stop()
	in.mu.Unlock()

	in.states.Publish(snap)
	in.logger.Info(context.Background(), "download canceled", ports.F("id", p.id))
}

func (in *Installer) finish(p *pipeline) {
	in.mu.Lock()
	p.active = false
	in.mu.Unlock()
}

func (in *Installer) setCancel(p *pipeline, cancel func()) {
	in.mu.Lock()
	p.cancel = cancel
	in.mu.Unlock()
}

// clearPipeline drops any settled pipeline entry for id and tells
// subscribers the id is idle again.
func (in *Installer) clearPipeline(id string) {
	in.mu.Lock()
	p, ok := in.pipelines[id]
	if ok {
		delete(in.pipelines, id)
		p.interp.Stop()
	}
	in.mu.Unlock()

	if ok {
		in.states.Publish(State{PackageID: id, Phase: PhaseIdle, UpdatedAt: time.Now()})
	}
}

func (in *Installer) findOperation(operationID string) (State, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, p := range in.pipelines {
		if p.opID == operationID {
			return p.snapshot(), true
		}
	}
	return State{}, false
}

func (in *Installer) installedRecord(ctx context.Context, id string) (extension.InstalledPackage, bool) {
	rec, err := in.store.GetInstalled(ctx, id)
	if err != nil {
		return extension.InstalledPackage{}, false
	}
	return rec, true
}
