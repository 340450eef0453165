package codefamily

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const ruleFileExt = ".yaml"

// Registry holds one RuleSet per tenant. Tenants without their own table use
// the fallback. Tables are replaced wholesale, never mutated, so a classifier
// obtained before a reload keeps evaluating against the table it was built on.
type Registry struct {
	mu       sync.RWMutex
	fallback *RuleSet
	tenants  map[string]*RuleSet
	dir      string
	logger   zerolog.Logger
}

// NewRegistry creates a registry whose fallback table is fallback.
func NewRegistry(fallback *RuleSet, logger zerolog.Logger) *Registry {
	if fallback == nil {
		fallback = Default()
	}
	return &Registry{
		fallback: fallback,
		tenants:  make(map[string]*RuleSet),
		logger:   logger,
	}
}

// RuleSet returns the table for tenant.
func (r *Registry) RuleSet(tenant string) *RuleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rs, ok := r.tenants[tenant]; ok {
		return rs
	}
	return r.fallback
}

// Classifier returns a classifier over the tenant's current table.
func (r *Registry) Classifier(tenant string) *Classifier {
	return NewClassifier(r.RuleSet(tenant))
}

// Set installs rs as the table for tenant.
func (r *Registry) Set(tenant string, rs *RuleSet) {
	r.mu.Lock()
	r.tenants[tenant] = rs
	r.mu.Unlock()
}

// Remove drops the tenant's table so it falls back to the default.
func (r *Registry) Remove(tenant string) {
	r.mu.Lock()
	delete(r.tenants, tenant)
	r.mu.Unlock()
}

// Tenants lists tenants with their own table, sorted.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tenants))
	for t := range r.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// LoadDir loads every <tenant>.yaml in dir. A file named default.yaml
// replaces the fallback table. The first invalid file aborts the load.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read rules dir: %w", err)
	}
	r.dir = dir
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ruleFileExt {
			continue
		}
		if err := r.loadFile(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadFile(path string) error {
	rs, err := Load(path)
	if err != nil {
		return err
	}
	tenant := tenantFromPath(path)
	if tenant == "default" {
		r.mu.Lock()
		r.fallback = rs
		r.mu.Unlock()
	} else {
		r.Set(tenant, rs)
	}
	r.logger.Info().Str("tenant", tenant).Str("version", rs.Version).Int("families", len(rs.Families)).Msg("rule table loaded")
	return nil
}

// Watch reloads tables from the directory given to LoadDir whenever a file
// changes, until ctx is cancelled. A file that fails to parse is logged and
// the previously loaded table stays in effect.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return fmt.Errorf("no rules directory loaded")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				r.handleEvent(event)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn().Err(err).Msg("rules watcher error")
			}
		}
	}()
	return nil
}

func (r *Registry) handleEvent(event fsnotify.Event) {
	if filepath.Ext(event.Name) != ruleFileExt {
		return
	}
	tenant := tenantFromPath(event.Name)
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if err := r.loadFile(event.Name); err != nil {
			r.logger.Error().Err(err).Str("tenant", tenant).Msg("rule table reload failed, keeping previous table")
		}
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if tenant == "default" {
			return
		}
		r.Remove(tenant)
		r.logger.Info().Str("tenant", tenant).Msg("rule table removed")
	}
}

func tenantFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ruleFileExt)
}
