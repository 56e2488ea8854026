package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// guestPolicy is the per-extension view the host functions consult when a
// guest calls back in.
type guestPolicy struct {
	id           string
	allowNetwork bool
}

// Runtime owns the shared wazero runtime, the WASI and "cadence" host
// modules, and the registry of loaded guests. One Runtime serves every
// loaded extension.
type Runtime struct {
	wasm     wazero.Runtime
	config   Config
	services *HostServices
	logger   ports.Logger

	mu     sync.Mutex
	guests map[string]guestPolicy
	closed bool
}

// NewRuntime creates the WebAssembly runtime and registers the host modules.
// The context governs runtime setup only.
func NewRuntime(ctx context.Context, config Config, services *HostServices, logger ports.Logger) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	r := &Runtime{
		wasm:     rt,
		config:   config,
		services: services,
		logger:   logger.With(ports.F("component", "sandbox")),
		guests:   make(map[string]guestPolicy),
	}
	if err := r.registerHostModule(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("registering host module: %w", err)
	}
	return r, nil
}

// Config returns the limits the runtime was created with.
func (r *Runtime) Config() Config {
	return r.config
}

// Instantiate compiles and instantiates an extension module as a long-lived
// instance named after its package id. The required ABI exports are checked
// before the instance is handed out.
func (r *Runtime) Instantiate(ctx context.Context, meta extension.PackageMetadata, module []byte, allowNetwork bool) (*Instance, error) {
	if err := r.register(meta.ID, allowNetwork); err != nil {
		return nil, err
	}

	if r.config.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.LoadTimeout)
		defer cancel()
	}

	compiled, err := r.wasm.CompileModule(ctx, module)
	if err != nil {
		r.release(meta.ID)
		return nil, &extension.LoadError{PackageID: meta.ID, Op: "compile module", Err: err}
	}

	modConfig := wazero.NewModuleConfig().
		WithName(meta.ID).
		WithStartFunctions("_start", "_initialize")

	mod, err := r.wasm.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		_ = compiled.Close(context.Background())
		r.release(meta.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrCallTimeout, err)
		}
		return nil, &extension.LoadError{PackageID: meta.ID, Op: "instantiate module", Err: err}
	}

	if err := checkExports(mod); err != nil {
		_ = mod.Close(context.Background())
		_ = compiled.Close(context.Background())
		r.release(meta.ID)
		return nil, &extension.LoadError{PackageID: meta.ID, Op: "check exports", Err: err}
	}

	r.logger.Debug(ctx, "extension instantiated",
		ports.F("id", meta.ID),
		ports.F("network", allowNetwork))

	return &Instance{
		meta:     meta,
		runtime:  r,
		compiled: compiled,
		module:   mod,
		config:   r.config,
		logger:   r.logger.With(ports.F("extension", meta.ID)),
	}, nil
}

// Close tears down the runtime and every instance still loaded.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.guests = make(map[string]guestPolicy)
	r.mu.Unlock()

	return r.wasm.Close(ctx)
}

func (r *Runtime) register(id string, allowNetwork bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRuntimeClosed
	}
	if _, exists := r.guests[id]; exists {
		return &extension.LoadError{
			PackageID: id,
			Op:        "instantiate module",
			Err:       fmt.Errorf("instance %q already loaded", id),
		}
	}
	r.guests[id] = guestPolicy{id: id, allowNetwork: allowNetwork}
	return nil
}

func (r *Runtime) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guests, id)
}

func (r *Runtime) policyFor(name string) (guestPolicy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.guests[name]
	return p, ok
}

// checkExports verifies the capability ABI surface of a freshly instantiated
// module.
func checkExports(mod api.Module) error {
	if mod.Memory() == nil {
		return fmt.Errorf("%w: memory", ErrMissingExport)
	}
	for _, name := range []string{guestAlloc, guestSearch, guestResolveStream} {
		if mod.ExportedFunction(name) == nil {
			return fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
	}
	return nil
}

// registerHostModule builds the "cadence" import namespace: leveled logging
// plus capability-gated outbound HTTP.
func (r *Runtime) registerHostModule(ctx context.Context) error {
	builder := r.wasm.NewHostModuleBuilder(HostModuleName)

	logLevels := []struct {
		export string
		log    func(context.Context, string, ...ports.Field)
	}{
		{"log_debug", r.services.Logger.Debug},
		{"log_info", r.services.Logger.Info},
		{"log_warn", r.services.Logger.Warn},
		{"log_error", r.services.Logger.Error},
	}
	for _, level := range logLevels {
		write := level.log
		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
				msg := readGuestString(m, ptr, length)
				if msg == "" {
					return
				}
				write(ctx, msg, ports.F("extension", m.Name()))
			}).
			Export(level.export)
	}

	builder.NewFunctionBuilder().
		WithFunc(r.hostHTTPGet).
		Export("http_get")

	_, err := builder.Instantiate(ctx)
	return err
}

// hostHTTPGet fetches a URL for the calling guest and writes the body into
// guest memory. Returns 0 when the capability is denied or the fetch fails;
// the guest treats 0 as an error.
func (r *Runtime) hostHTTPGet(ctx context.Context, m api.Module, ptr, length uint32) uint64 {
	policy, ok := r.policyFor(m.Name())
	if !ok || !policy.allowNetwork || !r.config.AllowNetwork {
		r.logger.Warn(ctx, "network access denied", ports.F("extension", m.Name()))
		return 0
	}

	url := readGuestString(m, ptr, length)
	if url == "" {
		return 0
	}

	body, status, err := r.services.HTTP.Get(ctx, url)
	if err != nil {
		r.logger.Warn(ctx, "guest fetch failed",
			ports.F("extension", m.Name()),
			ports.F("url", url),
			ports.Err(err))
		return 0
	}
	if status != http.StatusOK {
		r.logger.Warn(ctx, "guest fetch returned error status",
			ports.F("extension", m.Name()),
			ports.F("url", url),
			ports.F("status", status))
		return 0
	}
	if r.config.MaxFetchBytes > 0 && int64(len(body)) > r.config.MaxFetchBytes {
		return 0
	}

	packed, err := writeGuestBytes(ctx, m, body)
	if err != nil {
		r.logger.Warn(ctx, "writing fetch response into guest failed",
			ports.F("extension", m.Name()),
			ports.Err(err))
		return 0
	}
	return packed
}

// readGuestString copies a string out of guest memory.
func readGuestString(m api.Module, ptr, length uint32) string {
	if m == nil || length == 0 {
		return ""
	}
	mem := m.Memory()
	if mem == nil {
		return ""
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return ""
	}
	return string(data)
}

// writeGuestBytes allocates guest memory via ext_alloc and copies data in,
// returning the packed region.
func writeGuestBytes(ctx context.Context, m api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}

	alloc := m.ExportedFunction(guestAlloc)
	if alloc == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingExport, guestAlloc)
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", guestAlloc, err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("%s returned nothing", guestAlloc)
	}

	ptr := uint32(res[0])
	if !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("writing %d bytes at %d is out of bounds", len(data), ptr)
	}
	return packResult(ptr, uint32(len(data))), nil
}
