// Package geoindex maintains the in-memory spatial index of available
// drivers. It is the authoritative candidate source for dispatch; the
// optional Redis mirror only serves cross-node readers.
package geoindex

import (
	"math"
	"sort"
	"sync"
	"time"

	h3 "github.com/uber/h3-go/v4"

	"github.com/openride/dispatch/internal/models"
	"github.com/openride/dispatch/pkg/geo"
)

// entry is the indexed tuple for one available driver.
type entry struct {
	driverID string
	lat      float64
	lon      float64
	vehicles []models.Vehicle
	rating   float64
	updated  time.Time
}

// Candidate is a driver matched for a request, ranked by score.
type Candidate struct {
	DriverID   string
	DistanceKm float64
	Score      float64
}

// Index files available drivers under H3 cells. A radius query visits the
// covering k-ring and post-filters by haversine distance, so lookups touch
// O(cells in radius) instead of every driver.
type Index struct {
	mu      sync.RWMutex
	cells   map[h3.Cell]map[string]*entry
	drivers map[string]h3.Cell // driverID -> current cell
}

// New creates an empty index.
func New() *Index {
	return &Index{
		cells:   make(map[h3.Cell]map[string]*entry),
		drivers: make(map[string]h3.Cell),
	}
}

// Upsert inserts or moves a driver. Only active vehicles are retained;
// callers must Remove drivers that stop being AVAILABLE.
func (idx *Index) Upsert(driverID string, lat, lon float64, vehicles []models.Vehicle, rating float64) {
	active := make([]models.Vehicle, 0, len(vehicles))
	for _, v := range vehicles {
		if v.Active {
			active = append(active, v)
		}
	}

	cell := geo.IndexCell(lat, lon)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if prev, ok := idx.drivers[driverID]; ok && prev != cell {
		idx.removeFromCell(prev, driverID)
	}

	bucket, ok := idx.cells[cell]
	if !ok {
		bucket = make(map[string]*entry)
		idx.cells[cell] = bucket
	}
	bucket[driverID] = &entry{
		driverID: driverID,
		lat:      lat,
		lon:      lon,
		vehicles: active,
		rating:   rating,
		updated:  time.Now(),
	}
	idx.drivers[driverID] = cell
}

// Remove drops a driver from the index entirely.
func (idx *Index) Remove(driverID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cell, ok := idx.drivers[driverID]
	if !ok {
		return
	}
	idx.removeFromCell(cell, driverID)
	delete(idx.drivers, driverID)
}

func (idx *Index) removeFromCell(cell h3.Cell, driverID string) {
	if bucket, ok := idx.cells[cell]; ok {
		delete(bucket, driverID)
		if len(bucket) == 0 {
			delete(idx.cells, cell)
		}
	}
}

// Contains reports whether the driver is currently indexed.
func (idx *Index) Contains(driverID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.drivers[driverID]
	return ok
}

// Size returns the number of indexed drivers.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.drivers)
}

// FindCandidates returns up to limit drivers within radiusKm of the pickup
// that have at least one active vehicle of the requested class with
// comfortLevel >= comfortMin and priceValue <= priceMax. Results are sorted
// by match score descending, ties broken by ascending distance.
func (idx *Index) FindCandidates(pickup models.Location, class models.VehicleClass, comfortMin, priceMax int, radiusKm float64, limit int) []Candidate {
	cover := geo.CoverCells(pickup.Latitude, pickup.Longitude, radiusKm)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var matches []Candidate
	for _, cell := range cover {
		bucket, ok := idx.cells[cell]
		if !ok {
			continue
		}
		for _, e := range bucket {
			dist := geo.HaversineKm(pickup.Latitude, pickup.Longitude, e.lat, e.lon)
			if dist > radiusKm {
				continue
			}
			score, eligible := bestScore(e, class, comfortMin, priceMax, dist)
			if !eligible {
				continue
			}
			matches = append(matches, Candidate{
				DriverID:   e.driverID,
				DistanceKm: dist,
				Score:      score,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].DistanceKm < matches[j].DistanceKm
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// bestScore evaluates every eligible vehicle and keeps the best match.
func bestScore(e *entry, class models.VehicleClass, comfortMin, priceMax int, distanceKm float64) (float64, bool) {
	best := math.Inf(-1)
	eligible := false

	for _, v := range e.vehicles {
		if v.Class != class {
			continue
		}
		if v.ComfortLevel < comfortMin || v.PriceValue > priceMax {
			continue
		}
		eligible = true

		score := 50.0
		score += math.Max(0, float64(v.ComfortLevel-comfortMin)) * 10
		score += math.Max(0, float64(priceMax-v.PriceValue)) * 5
		score += math.Max(0, e.rating-4) * 20
		score -= distanceKm * 2
		if score > best {
			best = score
		}
	}

	if !eligible {
		return 0, false
	}
	return math.Min(100, math.Max(0, best)), true
}

// StaleDrivers returns drivers whose last index update is older than the
// cutoff. The reaper forces these OFFLINE.
func (idx *Index) StaleDrivers(cutoff time.Time) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var stale []string
	for driverID, cell := range idx.drivers {
		if e, ok := idx.cells[cell][driverID]; ok && e.updated.Before(cutoff) {
			stale = append(stale, driverID)
		}
	}
	return stale
}
