package pricing

import (
	"fmt"
	"sync/atomic"

	"llm_wallet/internal/utils"
)

// Registry holds the live pricing table and swaps it atomically on reload.
// Readers call Current once per request and keep the returned snapshot.
type Registry struct {
	path    string
	current atomic.Pointer[Table]
	logger  *utils.Logger
}

// NewRegistry creates a registry serving table. path is the file Reload
// reads; it may be empty for a fixed table.
func NewRegistry(table *Table, path string) *Registry {
	r := &Registry{
		path:   path,
		logger: utils.NewLogger("pricing"),
	}
	r.current.Store(table)
	return r
}

// LoadRegistry reads path and returns a registry serving it.
func LoadRegistry(path string) (*Registry, error) {
	t, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(t, path), nil
}

// Current returns the active table snapshot.
func (r *Registry) Current() *Table {
	return r.current.Load()
}

// Swap replaces the active table.
func (r *Registry) Swap(t *Table) {
	if t == nil {
		return
	}
	r.current.Store(t)
}

// Path returns the file backing the registry.
func (r *Registry) Path() string {
	return r.path
}

// Reload re-reads the pricing file. On any error the active table stays.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("pricing registry has no backing file")
	}
	t, err := LoadFile(r.path)
	if err != nil {
		r.logger.Error("Pricing reload rejected, keeping current table", "path", r.path, "error", err)
		return err
	}
	r.Swap(t)
	r.logger.Info("Pricing reloaded", "path", r.path, "models", len(t.Models()))
	return nil
}
