package localstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
)

// GCRoots manages the symlinks the core creates under the Nix state
// directory for every in-flight step, so local-store garbage collection
// never reclaims a path a step still needs while it's being built. Plain
// filesystem bookkeeping: it never calls into the native store library, so
// it lives alongside the Store capability rather than behind it.
type GCRoots struct {
	dir string
	log logger.Log

	mu    sync.Mutex
	links map[models.StorePath]string
}

// NewGCRoots prepares a GCRoots manager rooted at dir (created if absent).
func NewGCRoots(dir string, log logger.Log) (*GCRoots, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating gc-roots directory %q: %w", dir, err)
	}
	return &GCRoots{dir: dir, log: log, links: make(map[models.StorePath]string)}, nil
}

// Add creates a symlink named after drv's hash pointing at target (the
// step's canonical on-disk store path), so GC treats target as reachable
// for as long as the step is tracked. Idempotent.
func (g *GCRoots) Add(drv models.StorePath, target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.links[drv]; ok {
		return
	}
	link := filepath.Join(g.dir, drv.Hash()+"-"+drv.Name())
	if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
		g.log.Errorf("creating gc root for %s: %v", drv, err)
		return
	}
	g.links[drv] = link
}

// Remove deletes drv's gc-root symlink, if one was created, once the step
// is no longer tracked (finished and evicted, or dropped by a cancellation).
func (g *GCRoots) Remove(drv models.StorePath) {
	g.mu.Lock()
	link, ok := g.links[drv]
	if ok {
		delete(g.links, drv)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		g.log.Errorf("removing gc root for %s: %v", drv, err)
	}
}
