package engine

import (
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/fieldline/swathguide/ubx"
)

// FixCache keeps the latest fix of every kind. A new fix replaces the
// previous one of the same kind; nothing older is kept.
type FixCache struct {
	m cmap.ConcurrentMap[string, ubx.Fix]
}

func NewFixCache() *FixCache {
	return &FixCache{m: cmap.New[ubx.Fix]()}
}

func (c *FixCache) Set(f ubx.Fix) {
	c.m.Set(string(f.Kind()), f)
}

func (c *FixCache) Get(k ubx.Kind) (ubx.Fix, bool) {
	return c.m.Get(string(k))
}

func (c *FixCache) PVT() (*ubx.NavPVT, bool) {
	f, ok := c.Get(ubx.KindPVT)
	if !ok {
		return nil, false
	}
	p, ok := f.(*ubx.NavPVT)
	return p, ok
}

func (c *FixCache) Status() (*ubx.NavStatus, bool) {
	f, ok := c.Get(ubx.KindStatus)
	if !ok {
		return nil, false
	}
	p, ok := f.(*ubx.NavStatus)
	return p, ok
}

func (c *FixCache) VelNED() (*ubx.NavVelNED, bool) {
	f, ok := c.Get(ubx.KindVelNED)
	if !ok {
		return nil, false
	}
	p, ok := f.(*ubx.NavVelNED)
	return p, ok
}

func (c *FixCache) Sat() (*ubx.NavSat, bool) {
	f, ok := c.Get(ubx.KindSatellite)
	if !ok {
		return nil, false
	}
	p, ok := f.(*ubx.NavSat)
	return p, ok
}

// All returns a copy of the cache keyed by kind.
func (c *FixCache) All() map[ubx.Kind]ubx.Fix {
	all := make(map[ubx.Kind]ubx.Fix, c.m.Count())
	for entry := range c.m.IterBuffered() {
		all[ubx.Kind(entry.Key)] = entry.Val
	}
	return all
}

func (c *FixCache) Clear() {
	c.m.Clear()
}
