package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// Instance is one loaded extension: a live module held for the lifetime of
// the activation. Guest calls are serialized; a module instance is not safe
// for concurrent entry.
type Instance struct {
	meta     extension.PackageMetadata
	runtime  *Runtime
	compiled wazero.CompiledModule
	module   api.Module
	config   Config
	logger   ports.Logger

	mu     sync.Mutex
	closed bool
	dead   bool
}

var _ extension.Handle = (*Instance)(nil)

// ID returns the package id the instance was loaded for.
func (i *Instance) ID() string {
	return i.meta.ID
}

// Metadata returns the identity of the loaded package.
func (i *Instance) Metadata() extension.PackageMetadata {
	return i.meta
}

// Search asks the extension's source for tracks matching the query.
func (i *Instance) Search(ctx context.Context, query string) ([]extension.SearchResult, error) {
	payload, err := i.call(ctx, guestSearch, []byte(query))
	if err != nil {
		return nil, err
	}

	var results []extension.SearchResult
	if err := json.Unmarshal(payload, &results); err != nil {
		return nil, &extension.LoadError{
			PackageID: i.meta.ID,
			Op:        "decode search results",
			Err:       err,
		}
	}
	return results, nil
}

// ResolveStream resolves an extension-local track id to a playable URL.
func (i *Instance) ResolveStream(ctx context.Context, trackID string) (string, error) {
	payload, err := i.call(ctx, guestResolveStream, []byte(trackID))
	if err != nil {
		return "", err
	}

	url := strings.TrimSpace(string(payload))
	if url == "" {
		return "", &extension.LoadError{
			PackageID: i.meta.ID,
			Op:        "resolve stream",
			Err:       errors.New("empty stream URL"),
		}
	}
	return url, nil
}

// identity asks the guest for its self-reported metadata via the optional
// ext_metadata export. ok is false when the export is absent.
func (i *Instance) identity(ctx context.Context) (id string, ok bool, err error) {
	i.mu.Lock()
	fn := i.module.ExportedFunction(guestMetadata)
	i.mu.Unlock()
	if fn == nil {
		return "", false, nil
	}

	payload, err := i.call(ctx, guestMetadata, nil)
	if err != nil {
		return "", true, err
	}

	var meta struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return "", true, &extension.LoadError{
			PackageID: i.meta.ID,
			Op:        "decode metadata",
			Err:       err,
		}
	}
	return meta.ID, true, nil
}

// call writes input into guest memory, invokes an export, and copies the
// packed result back out.
func (i *Instance) call(ctx context.Context, name string, input []byte) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	op := "call " + name
	if i.closed {
		return nil, &extension.LoadError{PackageID: i.meta.ID, Op: op, Err: ErrInstanceClosed}
	}
	if i.dead {
		return nil, &extension.LoadError{PackageID: i.meta.ID, Op: op, Err: ErrInstanceDead}
	}

	if i.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.config.CallTimeout)
		defer cancel()
	}

	var args []uint64
	if len(input) > 0 {
		packed, err := writeGuestBytes(ctx, i.module, input)
		if err != nil {
			return nil, &extension.LoadError{PackageID: i.meta.ID, Op: op, Err: err}
		}
		ptr, length := splitResult(packed)
		args = []uint64{uint64(ptr), uint64(length)}
	} else if name != guestMetadata {
		args = []uint64{0, 0}
	}

	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, &extension.LoadError{
			PackageID: i.meta.ID,
			Op:        op,
			Err:       fmt.Errorf("%w: %s", ErrMissingExport, name),
		}
	}

	res, err := fn.Call(ctx, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The runtime killed the module; it cannot be re-entered.
			i.dead = true
			i.logger.Error(ctx, "guest call hard-killed on deadline", ports.F("op", name))
			return nil, &extension.LoadError{
				PackageID: i.meta.ID,
				Op:        op,
				Err:       fmt.Errorf("%w: %w", ErrCallTimeout, err),
			}
		}
		return nil, &extension.LoadError{PackageID: i.meta.ID, Op: op, Err: err}
	}
	if len(res) == 0 || res[0] == 0 {
		return nil, &extension.LoadError{PackageID: i.meta.ID, Op: op, Err: ErrNoResult}
	}

	ptr, length := splitResult(res[0])
	if i.config.MaxResultBytes > 0 && length > i.config.MaxResultBytes {
		return nil, &extension.LoadError{
			PackageID: i.meta.ID,
			Op:        op,
			Err:       fmt.Errorf("%w: %d bytes", ErrResultTooLarge, length),
		}
	}

	view, ok := i.module.Memory().Read(ptr, length)
	if !ok {
		return nil, &extension.LoadError{
			PackageID: i.meta.ID,
			Op:        op,
			Err:       fmt.Errorf("result region %d+%d is out of bounds", ptr, length),
		}
	}
	out := make([]byte, length)
	copy(out, view)
	return out, nil
}

// Healthy reports whether the instance can still accept calls.
func (i *Instance) Healthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.closed && !i.dead
}

// Close releases the instance within the configured teardown budget. Safe to
// call concurrently with guest calls and more than once.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true

	if i.config.CloseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.config.CloseTimeout)
		defer cancel()
	}

	err := i.module.Close(ctx)
	if cerr := i.compiled.Close(ctx); err == nil {
		err = cerr
	}
	i.runtime.release(i.meta.ID)

	if err != nil {
		return &extension.LoadError{PackageID: i.meta.ID, Op: "close instance", Err: err}
	}
	return nil
}
