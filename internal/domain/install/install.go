// Package install orchestrates the download, validate, load, register
// pipeline for extension packages. Each package id runs at most one pipeline
// at a time; a concurrent request for a busy id is rejected, not queued.
package install

import (
	"errors"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"
)

// Phase is the position of a package's pipeline in its state machine.
type Phase string

const (
	// PhaseIdle means no operation is outstanding.
	PhaseIdle Phase = "idle"
	// PhaseDownloading means the package artifact is being fetched.
	PhaseDownloading Phase = "downloading"
	// PhaseDownloaded means the artifact is on disk awaiting an explicit install.
	PhaseDownloaded Phase = "downloaded"
	// PhaseInstalling means the artifact is being validated, extracted, and activated.
	PhaseInstalling Phase = "installing"
	// PhaseCompleted means the pipeline finished and the extension is installed.
	PhaseCompleted Phase = "completed"
	// PhaseFailed means a step failed; Reason carries the cause.
	PhaseFailed Phase = "failed"
)

// Pipeline state machine events.
const (
	eventDownload   = "DOWNLOAD"
	eventDownloaded = "DOWNLOADED"
	eventImport     = "IMPORT"
	eventInstall    = "INSTALL"
	eventInstalled  = "INSTALLED"
	eventFail       = "FAIL"
	eventCancel     = "CANCEL"
	eventReset      = "RESET"
)

// Installer errors.
var (
	// ErrPipelineActive rejects a second operation for an id with one in flight.
	ErrPipelineActive = errors.New("an operation for this package is already in flight")
	// ErrNoArtifact means no downloaded artifact exists for the id.
	ErrNoArtifact = errors.New("no downloaded artifact")
	// ErrClosed rejects operations after the installer shut down.
	ErrClosed = errors.New("installer is closed")
)

// State is the observable snapshot of one package's pipeline. States are
// session-only; they are never persisted and absence means idle.
type State struct {
	PackageID   string    `json:"package_id"`
	OperationID string    `json:"operation_id"`
	Phase       Phase     `json:"phase"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// pipelineContext is the statekit context for one pipeline run.
type pipelineContext struct {
	PackageID   string
	OperationID string
}

// pipeline is one operation's run through the state machine. Fields below
// the interpreter are guarded by the installer mutex; the mirrored phase
// keeps snapshots deterministic regardless of interpreter dispatch timing.
type pipeline struct {
	id     string
	opID   string
	interp *statekit.Interpreter[pipelineContext]
	cancel func()

	phase     Phase
	reason    string
	updatedAt time.Time
	active    bool
}

// newPipeline builds and starts the state machine for one operation.
func newPipeline(id string) (*pipeline, error) {
	p := &pipeline{
		id:        id,
		opID:      uuid.NewString(),
		phase:     PhaseIdle,
		updatedAt: time.Now(),
		active:    true,
	}

	machine, err := statekit.NewMachine[pipelineContext]("install-" + id).
		WithInitial(statekit.StateID(PhaseIdle)).
		WithContext(pipelineContext{PackageID: id, OperationID: p.opID}).
		State(statekit.StateID(PhaseIdle)).
		On(eventDownload).Target(statekit.StateID(PhaseDownloading)).
		On(eventImport).Target(statekit.StateID(PhaseDownloaded)).
		On(eventInstall).Target(statekit.StateID(PhaseInstalling)).Done().
		State(statekit.StateID(PhaseDownloading)).
		On(eventDownloaded).Target(statekit.StateID(PhaseDownloaded)).
		On(eventCancel).Target(statekit.StateID(PhaseIdle)).
		On(eventFail).Target(statekit.StateID(PhaseFailed)).Done().
		State(statekit.StateID(PhaseDownloaded)).
		On(eventInstall).Target(statekit.StateID(PhaseInstalling)).
		On(eventFail).Target(statekit.StateID(PhaseFailed)).Done().
		State(statekit.StateID(PhaseInstalling)).
		On(eventInstalled).Target(statekit.StateID(PhaseCompleted)).
		On(eventFail).Target(statekit.StateID(PhaseFailed)).Done().
		State(statekit.StateID(PhaseCompleted)).
		On(eventReset).Target(statekit.StateID(PhaseIdle)).Done().
		State(statekit.StateID(PhaseFailed)).
		On(eventReset).Target(statekit.StateID(PhaseIdle)).Done().
		Build()
	if err != nil {
		return nil, err
	}

	p.interp = statekit.NewInterpreter(machine)
	p.interp.Start()
	return p, nil
}

func (p *pipeline) snapshot() State {
	return State{
		PackageID:   p.id,
		OperationID: p.opID,
		Phase:       p.phase,
		Reason:      p.reason,
		UpdatedAt:   p.updatedAt,
	}
}
