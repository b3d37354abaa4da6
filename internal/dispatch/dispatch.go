// Package dispatch invokes the correct backend for a capability and
// normalizes every result. The four backend kinds are a closed union
// dispatched exhaustively; no failure propagates unhandled past this
// boundary; everything is caught and classified.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/ppiankov/capgate/internal/catalog"
	"github.com/ppiankov/capgate/internal/model"
	"github.com/ppiankov/capgate/internal/sandbox"
)

// BackendError reports a classified backend failure: non-zero exit,
// non-2xx status, or a plugin exception.
type BackendError struct {
	Kind    model.BackendKind
	Message string
	Detail  string
}

func (e *BackendError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s backend: %s: %s", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s backend: %s", e.Kind, e.Message)
}

// InprocessFunc is the contract an inprocess plugin implements:
// execute(capability, params) -> data | error. Panics are caught and
// classified as backend errors.
type InprocessFunc func(ctx context.Context, capability string, params map[string]any) (map[string]any, error)

// Dispatcher routes capability calls to their backend adapters.
type Dispatcher struct {
	enforcer *sandbox.Enforcer
	client   *http.Client
	log      *zap.Logger

	mu        sync.RWMutex
	inprocess map[string]InprocessFunc // keyed by plugin name
}

// New creates a dispatcher. The enforcer supplies the subprocess semaphore
// and output ceilings shared by cli and container backends.
func New(enforcer *sandbox.Enforcer, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		enforcer:  enforcer,
		client:    &http.Client{},
		log:       log,
		inprocess: make(map[string]InprocessFunc),
	}
}

// RegisterInprocess binds a plugin name to its in-process implementation.
func (d *Dispatcher) RegisterInprocess(plugin string, fn InprocessFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inprocess[plugin] = fn
}

// Dispatch executes one capability call and returns its data. The caller
// has already applied the wall-clock deadline to ctx; Dispatch honors
// cancellation on every path. Errors are always one of *BackendError,
// *sandbox.ViolationError, or a context error.
func (d *Dispatcher) Dispatch(ctx context.Context, desc catalog.Descriptor, params map[string]any) (map[string]any, error) {
	switch desc.Backend.Kind {
	case model.BackendInprocess:
		return d.runInprocess(ctx, desc, params)
	case model.BackendCLI:
		return d.runCLI(ctx, desc, params)
	case model.BackendHTTP:
		return d.runHTTP(ctx, desc, params)
	case model.BackendContainer:
		return d.runContainer(ctx, desc, params)
	default:
		// Unreachable for catalog-built descriptors; kept so the switch
		// stays exhaustive over the closed union.
		return nil, &BackendError{Kind: desc.Backend.Kind, Message: "unknown backend kind"}
	}
}
