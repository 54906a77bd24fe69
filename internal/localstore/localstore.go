// Package localstore abstracts the native content-addressed store library
// the queue runner depends on to parse derivations, enumerate closures, and
// manage store paths. Per the design note on native library coupling, the
// core is written only against this capability interface; a real
// implementation would bind a C/C++ store library, which this module does
// not attempt to vendor or call via cgo.
package localstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/buildbeaver/queue-runner/internal/models"
)

// Store is the capability contract the core depends on.
type Store interface {
	// QueryRequisites returns the transitive closure of paths required to
	// realize drv, optionally including its outputs.
	QueryRequisites(ctx context.Context, drv models.StorePath, includeOutputs bool) ([]models.StorePath, error)
	// QueryDrv parses drv and returns its derivation, or nil if it does not exist.
	QueryDrv(ctx context.Context, drv models.StorePath) (*models.Derivation, error)
	// IsValidPath reports whether path currently exists (and is valid) in the store.
	IsValidPath(ctx context.Context, path models.StorePath) (bool, error)
	// PrintStorePath renders path in canonical on-disk form.
	PrintStorePath(path models.StorePath) string
	// EnsurePath makes sure path exists locally, fetching or building it if necessary.
	EnsurePath(ctx context.Context, path models.StorePath) error
	// StaticOutputHashes returns the known output-path hashes for a content-addressed derivation.
	StaticOutputHashes(ctx context.Context, drv models.StorePath) (map[string]string, error)
	// ExportPaths serializes paths into a transportable archive (a NAR stream, conceptually).
	ExportPaths(ctx context.Context, paths []models.StorePath) ([]byte, error)
	// ImportPaths deserializes an archive produced by ExportPaths back into the store.
	ImportPaths(ctx context.Context, archive []byte) error
}

// InMemory is a test/dev-only implementation of Store backed by an
// in-process map of path -> parsed Derivation, with no native library
// binding. It lets the rest of the module be exercised without Nix
// installed.
type InMemory struct {
	mu   sync.RWMutex
	drvs map[models.StorePath]*models.Derivation
	have map[models.StorePath]struct{}
}

func NewInMemory() *InMemory {
	return &InMemory{
		drvs: make(map[models.StorePath]*models.Derivation),
		have: make(map[models.StorePath]struct{}),
	}
}

// Put registers a derivation as known, for tests to set up a closure.
func (s *InMemory) Put(drv *models.Derivation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drvs[drv.Path] = drv
}

// MarkPresent records that path already exists in the store (e.g. as a
// cache hit), so EnsurePath/IsValidPath treat it as available without a build.
func (s *InMemory) MarkPresent(path models.StorePath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.have[path] = struct{}{}
}

func (s *InMemory) QueryDrv(_ context.Context, drv models.StorePath) (*models.Derivation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.drvs[drv], nil
}

func (s *InMemory) QueryRequisites(ctx context.Context, drv models.StorePath, includeOutputs bool) ([]models.StorePath, error) {
	seen := map[models.StorePath]struct{}{}
	var out []models.StorePath
	var walk func(models.StorePath) error
	walk = func(p models.StorePath) error {
		if _, ok := seen[p]; ok {
			return nil
		}
		seen[p] = struct{}{}
		d, err := s.QueryDrv(ctx, p)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("unknown derivation %q", p)
		}
		out = append(out, p)
		for _, input := range d.InputDrvs {
			if err := walk(input); err != nil {
				return err
			}
		}
		if includeOutputs {
			for _, o := range d.Outputs {
				out = append(out, o)
			}
		}
		return nil
	}
	if err := walk(drv); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *InMemory) IsValidPath(_ context.Context, path models.StorePath) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.have[path]
	return ok, nil
}

func (s *InMemory) PrintStorePath(path models.StorePath) string {
	return "/nix/store/" + string(path)
}

func (s *InMemory) EnsurePath(_ context.Context, path models.StorePath) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.have[path] = struct{}{}
	return nil
}

func (s *InMemory) StaticOutputHashes(_ context.Context, drv models.StorePath) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drvs[drv]
	if !ok {
		return nil, fmt.Errorf("unknown derivation %q", drv)
	}
	hashes := make(map[string]string, len(d.Outputs))
	for name, p := range d.Outputs {
		hashes[name] = p.Hash()
	}
	return hashes, nil
}

func (s *InMemory) ExportPaths(_ context.Context, paths []models.StorePath) ([]byte, error) {
	return nil, fmt.Errorf("ExportPaths is not supported by the in-memory store")
}

func (s *InMemory) ImportPaths(_ context.Context, archive []byte) error {
	return fmt.Errorf("ImportPaths is not supported by the in-memory store")
}
