// SPDX-License-Identifier: MIT

package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/signagekit/signaged/internal/log"
)

// Reloader serves the current certificate pair and swaps it in place when the
// files change on disk. Plug GetCertificate into tls.Config.
type Reloader struct {
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewReloader loads the initial pair.
func NewReloader(certPath, keyPath string) (*Reloader, error) {
	r := &Reloader{certPath: certPath, keyPath: keyPath}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cert == nil {
		return nil, fmt.Errorf("tls: no certificate loaded")
	}
	return r.cert, nil
}

// Leaf returns the parsed leaf certificate, for health reporting.
func (r *Reloader) Leaf() *tls.Certificate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert
}

func (r *Reloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return fmt.Errorf("tls: load pair: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

// Watch reloads the pair on filesystem changes until ctx is cancelled. The
// parent directory is watched because renames replace the inode, as both
// certbot and kubernetes secret mounts do.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tls: create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := map[string]bool{
		filepath.Dir(r.certPath): true,
		filepath.Dir(r.keyPath):  true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("tls: watch %s: %w", dir, err)
		}
	}

	logger := log.WithComponent("tls")
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !r.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Cert and key are usually replaced back to back; wait for the
			// pair to settle before reloading.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				if err := r.reload(); err != nil {
					logger.Error().
						Err(err).
						Str(log.FieldEvent, "tls.reload_failed").
						Msg("certificate reload failed, keeping previous pair")
					return
				}
				logger.Info().
					Str("cert", r.certPath).
					Str(log.FieldEvent, "tls.reloaded").
					Msg("certificate pair reloaded")
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().
				Err(err).
				Str(log.FieldEvent, "tls.watch_error").
				Msg("certificate watcher error")
		}
	}
}

func (r *Reloader) relevant(name string) bool {
	return name == r.certPath || name == r.keyPath ||
		filepath.Base(name) == filepath.Base(r.certPath) ||
		filepath.Base(name) == filepath.Base(r.keyPath)
}
