package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/capgate/internal/catalog"
	"github.com/ppiankov/capgate/internal/model"
	"github.com/ppiankov/capgate/internal/sandbox"
)

// runInprocess calls a registered plugin function directly. A panic in
// plugin code is a plugin exception: caught here and classified, never
// allowed to take down the gateway.
func (d *Dispatcher) runInprocess(ctx context.Context, desc catalog.Descriptor, params map[string]any) (data map[string]any, err error) {
	d.mu.RLock()
	fn, ok := d.inprocess[desc.Plugin]
	d.mu.RUnlock()
	if !ok {
		return nil, &BackendError{
			Kind:    model.BackendInprocess,
			Message: fmt.Sprintf("plugin %q has no registered implementation", desc.Plugin),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &BackendError{
				Kind:    model.BackendInprocess,
				Message: "plugin panicked",
				Detail:  fmt.Sprint(r),
			}
		}
	}()

	data, err = fn(ctx, desc.Capability, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Boundary breaches inside plugin code stay sandbox violations,
		// never backend errors.
		var viol *sandbox.ViolationError
		if errors.As(err, &viol) {
			return nil, viol
		}
		return nil, &BackendError{
			Kind:    model.BackendInprocess,
			Message: "plugin returned error",
			Detail:  err.Error(),
		}
	}
	return data, nil
}
