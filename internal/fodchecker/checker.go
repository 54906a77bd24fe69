// Package fodchecker recursively collects fixed-output (content-addressed)
// derivations reachable from a set of requested roots, without blocking the
// rest of the queue runner: traversal runs as its own background loop with
// bounded fan-out.
package fodchecker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/util"
)

// traverseFanOut bounds the concurrency of the recursive closure walk.
const traverseFanOut = 10

// traverseInterval is the fallback period the traverse loop wakes up on even
// without an explicit trigger.
const traverseInterval = 60 * time.Second

// DerivationQuerier parses a derivation from the local store's capability
// contract; the only piece of the local-store abstraction this package needs.
type DerivationQuerier interface {
	QueryDrv(ctx context.Context, path models.StorePath) (*models.Derivation, error)
}

// Checker recursively collects content-addressed derivations.
type Checker struct {
	store DerivationQuerier
	log   logger.Log

	mu            sync.RWMutex
	caDerivations map[models.StorePath]*models.Derivation
	toTraverse    map[models.StorePath]struct{}

	notify chan struct{}
	done   chan struct{} // signalled (non-blocking send) after each traverse pass, for tests
}

// New constructs a Checker that parses derivations through store.
func New(store DerivationQuerier, log logger.Log) *Checker {
	return &Checker{
		store:         store,
		log:           log,
		caDerivations: make(map[models.StorePath]*models.Derivation, 1000),
		toTraverse:    make(map[models.StorePath]struct{}),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}, 1),
	}
}

// AddCADrvParsed short-circuits the traversal for a derivation the queue
// monitor already parsed itself while walking a build's closure: if it's
// content-addressed, it is recorded directly without waiting for a traverse
// pass to rediscover it.
func (c *Checker) AddCADrvParsed(path models.StorePath, parsed *models.Derivation) {
	if !parsed.IsCA() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caDerivations[path] = parsed
}

// ToTraverse queues path as a root to traverse on the next pass.
func (c *Checker) ToTraverse(path models.StorePath) {
	c.mu.Lock()
	c.toTraverse[path] = struct{}{}
	c.mu.Unlock()
}

// TriggerTraverse wakes the traverse loop immediately instead of waiting for
// the 60-second fallback timer.
func (c *Checker) TriggerTraverse() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Start runs the traverse loop as a StatefulService until ctx is cancelled.
func (c *Checker) Start(ctx context.Context) *util.StatefulService {
	svc := util.NewStatefulService(ctx, c.log, func(ctx context.Context) {
		timer := time.NewTimer(traverseInterval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.notify:
			case <-timer.C:
			}
			c.traverse(ctx)
			select {
			case c.done <- struct{}{}:
			default:
			}
			timer.Reset(traverseInterval)
		}
	})
	svc.Start()
	return svc
}

func (c *Checker) traverse(ctx context.Context) {
	c.mu.Lock()
	roots := make([]models.StorePath, 0, len(c.toTraverse))
	for p := range c.toTraverse {
		roots = append(roots, p)
	}
	c.toTraverse = make(map[models.StorePath]struct{})
	c.mu.Unlock()

	if len(roots) == 0 {
		return
	}

	processed := &sync.Map{}
	sem := semaphore.NewWeighted(traverseFanOut)
	var wg sync.WaitGroup
	results := make(chan struct {
		path models.StorePath
		drv  *models.Derivation
	}, 256)

	var walk func(path models.StorePath)
	walk = func(path models.StorePath) {
		defer wg.Done()
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer sem.Release(1)

		if _, loaded := processed.LoadOrStore(path, struct{}{}); loaded {
			return
		}

		drv, err := c.store.QueryDrv(ctx, path)
		if err != nil || drv == nil {
			return
		}
		if drv.IsCA() {
			results <- struct {
				path models.StorePath
				drv  *models.Derivation
			}{path, drv}
		}
		for _, input := range drv.InputDrvs {
			wg.Add(1)
			go walk(input)
		}
	}

	for _, root := range roots {
		wg.Add(1)
		go walk(root)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	c.mu.Lock()
	for r := range results {
		c.caDerivations[r.path] = r.drv
	}
	c.mu.Unlock()

	c.log.Debugf("ca derivation count: %d", c.count())
}

func (c *Checker) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.caDerivations)
}

// Process atomically swaps out the accumulated content-addressed map and
// invokes fn for each (path, derivation) pair, returning the count processed.
func (c *Checker) Process(fn func(path models.StorePath, drv *models.Derivation)) int {
	c.mu.Lock()
	drvs := c.caDerivations
	c.caDerivations = make(map[models.StorePath]*models.Derivation, len(drvs))
	c.mu.Unlock()

	for path, drv := range drvs {
		fn(path, drv)
	}
	return len(drvs)
}
