// Package router computes, for each audio source, the set of players
// in hearing range together with per-recipient volume.
package router

import (
	"math"
	"sync"
)

const (
	// MaxDistance is the hearing range in tiles.
	MaxDistance = 10

	// FullVolumeDistance is the distance up to which volume stays 1.0.
	FullVolumeDistance = 2

	// volumeEpsilon is the volume delta beyond which a cached entry
	// is considered stale.
	volumeEpsilon = 0.01
)

// volumeTable maps squared distance to volume, so the hot path needs
// no square root. Coordinates are integers, so d2 covers [0, 100].
var volumeTable = func() [MaxDistance*MaxDistance + 1]float32 {
	var table [MaxDistance*MaxDistance + 1]float32
	for d2 := range table {
		d := math.Sqrt(float64(d2))
		switch {
		case d <= FullVolumeDistance:
			table[d2] = 1
		default:
			table[d2] = float32(1 - (d-FullVolumeDistance)/(MaxDistance-FullVolumeDistance))
		}
	}
	return table
}()

// Volume returns the attenuation for a relative position.
func Volume(dx int, dy int) float32 {
	d2 := dx*dx + dy*dy
	if d2 >= len(volumeTable) {
		return 0
	}
	return volumeTable[d2]
}

// Position is a player position within a level.
type Position struct {
	Level string
	X     int
	Y     int
}

// Recipient is one player in hearing range of a source.
type Recipient struct {
	ID     uint32
	Volume float32
}

type cacheEntry struct {
	pos        Position
	recipients []Recipient
	inSet      map[uint32]struct{}
}

// Router computes recipient sets with a per-source cache.
// A cached set stays valid while the source has not moved, every
// cached recipient's volume is within 0.01 of the cached value, and
// no player outside the set has entered the hearing disc.
type Router struct {
	mutex sync.Mutex
	cache map[uint32]*cacheEntry
}

// New allocates a Router.
func New() *Router {
	return &Router{
		cache: make(map[uint32]*cacheEntry),
	}
}

// Recipients returns the players that hear the source, with volume.
// positions holds every connected player including the source; muted
// sources get no recipients.
func (r *Router) Recipients(sourceID uint32, sourceMuted bool, positions map[uint32]Position) []Recipient {
	if sourceMuted {
		return nil
	}

	source, ok := positions[sourceID]
	if !ok {
		return nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if entry, ok := r.cache[sourceID]; ok && r.cacheValid(entry, sourceID, source, positions) {
		return entry.recipients
	}

	entry := &cacheEntry{
		pos:   source,
		inSet: make(map[uint32]struct{}),
	}
	for id, pos := range positions {
		if id == sourceID || pos.Level != source.Level {
			continue
		}
		vol := Volume(pos.X-source.X, pos.Y-source.Y)
		if vol > 0 {
			entry.recipients = append(entry.recipients, Recipient{ID: id, Volume: vol})
			entry.inSet[id] = struct{}{}
		}
	}

	r.cache[sourceID] = entry
	return entry.recipients
}

func (r *Router) cacheValid(entry *cacheEntry, sourceID uint32, source Position, positions map[uint32]Position) bool {
	if entry.pos != source {
		return false
	}

	for _, rec := range entry.recipients {
		pos, ok := positions[rec.ID]
		if !ok || pos.Level != source.Level {
			return false
		}
		vol := Volume(pos.X-source.X, pos.Y-source.Y)
		if vol > rec.Volume+volumeEpsilon || vol < rec.Volume-volumeEpsilon {
			return false
		}
	}

	for id, pos := range positions {
		if id == sourceID || pos.Level != source.Level {
			continue
		}
		if _, ok := entry.inSet[id]; ok {
			continue
		}
		if Volume(pos.X-source.X, pos.Y-source.Y) > 0 {
			return false
		}
	}

	return true
}

// Invalidate drops the cached recipient set of a source.
func (r *Router) Invalidate(sourceID uint32) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.cache, sourceID)
}

// InvalidateAll drops every cached recipient set. Called when a
// player joins, leaves or moves, since any of those can change the
// sets of other sources.
func (r *Router) InvalidateAll() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.cache = make(map[uint32]*cacheEntry)
}
