package catalog

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"usage_ledger/internal/utils"
)

// FileSource is a hot-reloadable Catalog backed by a YAML/JSON/TOML file.
//
// File layout:
//
//	capabilities:
//	  - id: image_upscale
//	    pricing: {kind: fixed, amount: 66}
//	    free_allowance: 1
//	    quota_rule: count_completed_only
type FileSource struct {
	v       *viper.Viper
	path    string
	current atomic.Pointer[StaticCatalog]
	mu      sync.Mutex // serializes reloads
	logger  *utils.Logger
}

// NewFileSource loads the catalog file. The file must be valid at startup.
func NewFileSource(path string) (*FileSource, error) {
	v := viper.New()
	v.SetConfigFile(path)

	s := &FileSource{
		v:      v,
		path:   path,
		logger: utils.NewLogger("catalog"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup resolves a capability against the most recently loaded catalog
func (s *FileSource) Lookup(id string) (*Capability, error) {
	return s.current.Load().Lookup(id)
}

// Snapshot returns the active catalog
func (s *FileSource) Snapshot() *StaticCatalog {
	return s.current.Load()
}

// Reload re-reads the file and swaps the catalog. On error the previously
// loaded catalog stays active.
func (s *FileSource) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", s.path, err)
	}

	var defs []Definition
	if err := s.v.UnmarshalKey("capabilities", &defs); err != nil {
		return fmt.Errorf("failed to decode catalog %s: %w", s.path, err)
	}

	caps := make([]Capability, 0, len(defs))
	for _, d := range defs {
		c, err := d.Capability()
		if err != nil {
			return err
		}
		caps = append(caps, c)
	}

	cat, err := NewStaticCatalog(caps...)
	if err != nil {
		return err
	}

	s.current.Store(cat)
	s.logger.Info("Catalog loaded", "path", s.path, "capabilities", cat.Len())
	return nil
}

// Watch reloads the catalog whenever the file changes
func (s *FileSource) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.Reload(); err != nil {
			s.logger.Error("Catalog reload rejected, keeping previous version", "path", s.path, "error", err)
		}
	})
	s.v.WatchConfig()
}
