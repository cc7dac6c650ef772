package smartcrop

import (
	"sync"

	"github.com/menta2k/preview-kit/pkg/types"
)

// call is a pending crop computation shared by every caller of one key
type call struct {
	done   chan struct{}
	result types.SmartCropResult
}

// Cache owns the result and in-flight maps of an Engine. Both are keyed by
// image identity and then orientation.
type Cache struct {
	mu       sync.Mutex
	results  map[string]map[types.Orientation]types.SmartCropResult
	inflight map[string]map[types.Orientation]*call
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{
		results:  make(map[string]map[types.Orientation]types.SmartCropResult),
		inflight: make(map[string]map[types.Orientation]*call),
	}
}

// Get returns a cached result
func (c *Cache) Get(imageID string, o types.Orientation) (types.SmartCropResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[imageID][o]
	return res, ok
}

// Put stores a result, replacing any previous one
func (c *Cache) Put(imageID string, o types.Orientation, res types.SmartCropResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(imageID, o, res)
}

func (c *Cache) putLocked(imageID string, o types.Orientation, res types.SmartCropResult) {
	m, ok := c.results[imageID]
	if !ok {
		m = make(map[types.Orientation]types.SmartCropResult)
		c.results[imageID] = m
	}
	m[o] = res
}

// acquire checks the result cache, then the in-flight cache, and otherwise
// registers a new call. The caller that gets leader == true must call finish.
func (c *Cache) acquire(imageID string, o types.Orientation) (cached *types.SmartCropResult, pending *call, leader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res, ok := c.results[imageID][o]; ok {
		return &res, nil, false
	}
	if p, ok := c.inflight[imageID][o]; ok {
		return nil, p, false
	}

	p := &call{done: make(chan struct{})}
	m, ok := c.inflight[imageID]
	if !ok {
		m = make(map[types.Orientation]*call)
		c.inflight[imageID] = m
	}
	m[o] = p
	return nil, p, true
}

// finish publishes the result to waiters and drops the in-flight entry.
// The result is cached only when store is set and the entry was not
// cleared while the computation ran.
func (c *Cache) finish(imageID string, o types.Orientation, p *call, res types.SmartCropResult, store bool) {
	c.mu.Lock()
	p.result = res
	if m, ok := c.inflight[imageID]; ok && m[o] == p {
		delete(m, o)
		if len(m) == 0 {
			delete(c.inflight, imageID)
		}
		if store {
			c.putLocked(imageID, o, res)
		}
	}
	c.mu.Unlock()
	close(p.done)
}

// Clear removes every result and in-flight entry of an image
func (c *Cache) Clear(imageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.results, imageID)
	delete(c.inflight, imageID)
}

// InFlight returns the number of computations currently registered
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.inflight {
		n += len(m)
	}
	return n
}

// Len returns the number of cached results
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.results {
		n += len(m)
	}
	return n
}
