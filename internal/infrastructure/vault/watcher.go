package vault

import (
	"context"
	"path/filepath"
	"time"

	"github.com/aibridge/aibridge/pkg/safego"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounce window: atomic rename produces several events in quick succession.
const watchDebounce = 250 * time.Millisecond

// KeyChangeHandler receives the provider id and new plaintext whenever a
// provider-bound credential changes on disk.
type KeyChangeHandler func(provider, value string)

// Watch follows store.json and invokes onChange for every provider whose
// credential differs after an external edit. Runs until ctx is cancelled.
func (v *Vault) Watch(ctx context.Context, onChange KeyChangeHandler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: the atomic rename on persist would
	// otherwise drop the watch.
	if err := watcher.Add(v.dir); err != nil {
		watcher.Close()
		return err
	}

	before := v.providerKeys()

	safego.Go(v.logger, "vault-watcher", func() {
		defer watcher.Close()
		var pending *time.Timer
		fire := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != storeFile {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})

			case <-fire:
				if err := v.Reload(); err != nil {
					v.logger.Error("Vault reload failed", zap.Error(err))
					continue
				}
				after := v.providerKeys()
				for provider, value := range after {
					if before[provider] != value {
						v.logger.Info("Provider credential changed on disk",
							zap.String("provider", provider))
						onChange(provider, value)
					}
				}
				before = after

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				v.logger.Error("Vault watcher error", zap.Error(err))
			}
		}
	})

	v.logger.Info("Vault watching started", zap.String("dir", v.dir))
	return nil
}

// providerKeys returns provider → plaintext for all provider-bound secrets.
func (v *Vault) providerKeys() map[string]string {
	v.mu.RLock()
	names := make(map[string]string) // provider → secret name
	for name, s := range v.secrets {
		if s.Provider != "" {
			names[s.Provider] = name
		}
	}
	v.mu.RUnlock()

	out := make(map[string]string, len(names))
	for provider, name := range names {
		if value, ok := v.Get(name); ok {
			out[provider] = value
		}
	}
	return out
}
