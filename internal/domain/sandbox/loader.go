package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// Loader turns an installed extension directory into a live instance. The
// directory layout is what the installer extracts: extension.yaml next to the
// module file named by the manifest.
type Loader struct {
	runtime *Runtime
	logger  ports.Logger
}

// NewLoader creates a loader on top of a sandbox runtime.
func NewLoader(runtime *Runtime, logger ports.Logger) *Loader {
	return &Loader{
		runtime: runtime,
		logger:  logger.With(ports.F("component", "loader")),
	}
}

// Load reads, verifies, and instantiates the extension installed at
// installPath. The module digest is re-checked against the manifest on every
// load, so a module tampered with after install never runs.
func (l *Loader) Load(ctx context.Context, installPath string) (extension.Handle, error) {
	pkgID := filepath.Base(installPath)

	manifestData, err := os.ReadFile(filepath.Join(installPath, extension.ManifestFilename))
	if err != nil {
		return nil, &extension.LoadError{PackageID: pkgID, Op: "read manifest", Err: err}
	}
	manifest, err := extension.ParseManifest(manifestData)
	if err != nil {
		return nil, &extension.LoadError{PackageID: pkgID, Op: "parse manifest", Err: err}
	}

	module, err := os.ReadFile(filepath.Join(installPath, filepath.Base(manifest.Module)))
	if err != nil {
		return nil, &extension.LoadError{PackageID: manifest.ID, Op: "read module", Err: err}
	}
	if err := extension.VerifyChecksum(module, manifest.Checksum); err != nil {
		return nil, &extension.LoadError{PackageID: manifest.ID, Op: "verify module", Err: err}
	}

	allowNetwork := manifest.HasCapability(extension.CapabilityNetwork)
	instance, err := l.runtime.Instantiate(ctx, manifest.Metadata(), module, allowNetwork)
	if err != nil {
		return nil, err
	}

	if err := l.checkIdentity(ctx, instance); err != nil {
		_ = instance.Close(context.Background())
		return nil, err
	}

	l.logger.Info(ctx, "extension loaded",
		ports.F("id", manifest.ID),
		ports.F("version", manifest.Version),
		ports.F("network", allowNetwork))

	return instance, nil
}

// checkIdentity cross-checks the guest's self-reported id against the
// manifest when the module exports ext_metadata.
func (l *Loader) checkIdentity(ctx context.Context, instance *Instance) error {
	id, ok, err := instance.identity(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if id != "" && id != instance.ID() {
		return &extension.LoadError{
			PackageID: instance.ID(),
			Op:        "check identity",
			Err:       fmt.Errorf("module reports id %q, manifest declares %q", id, instance.ID()),
		}
	}
	return nil
}
