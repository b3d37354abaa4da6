package gateway

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloader watches the policy file and hot-reloads the gateway's rule set
// on change. Editors often replace files instead of writing in place, so
// both Write and Create events count.
type Reloader struct {
	watcher *fsnotify.Watcher
	gateway *Gateway
	log     *zap.Logger
}

// NewReloader creates a watcher on the gateway's policy file. A missing or
// empty path returns a nil reloader: nothing to watch.
func NewReloader(g *Gateway, log *zap.Logger) (*Reloader, error) {
	if g.policyPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(g.policyPath); err != nil {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	if err := watcher.Add(g.policyPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %q: %w", g.policyPath, err)
	}

	return &Reloader{watcher: watcher, gateway: g, log: log}, nil
}

// Run blocks until ctx is cancelled, reloading policy after changes.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Debounce: wait 500ms after the last write before reloading.
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := r.gateway.ReloadPolicy(); err != nil {
						r.log.Error("policy hot-reload failed, keeping previous rules", zap.Error(err))
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("policy watcher error", zap.Error(err))
		}
	}
}
