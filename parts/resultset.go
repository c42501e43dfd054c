package parts

import (
	"image"
	"maps"
	"sync"
)

// MergeStats counts what one or more merges did to a result set.
type MergeStats struct {
	Inserted int `json:"inserted"`
	Replaced int `json:"replaced"`
	Kept     int `json:"kept"`
}

// Add accumulates o into s.
func (s *MergeStats) Add(o MergeStats) {
	s.Inserted += o.Inserted
	s.Replaced += o.Replaced
	s.Kept += o.Kept
}

// ResultSet is the deduplicated collection of items for one run, keyed by
// detection key. It is safe for concurrent use; each Merge call is applied
// atomically.
type ResultSet struct {
	mu    sync.Mutex
	items map[string]Item
}

// NewResultSet returns an empty result set.
func NewResultSet() *ResultSet {
	return &ResultSet{items: make(map[string]Item)}
}

// Merge adds the detections of one tile whose top-left corner sits at
// offset on the full image.
//
// Boxes are translated to full-image coordinates. A key seen for the first
// time is inserted. A known key is replaced only when the new confidence is
// strictly higher; on a tie the earlier item stays.
func (rs *ResultSet) Merge(offset image.Point, dets []Detection) MergeStats {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.items == nil {
		rs.items = make(map[string]Item)
	}

	var stats MergeStats
	for _, d := range dets {
		item := d.Item(offset)
		existing, ok := rs.items[d.Key]
		switch {
		case !ok:
			rs.items[d.Key] = item
			stats.Inserted++
		case item.Conf > existing.Conf:
			rs.items[d.Key] = item
			stats.Replaced++
		default:
			stats.Kept++
		}
	}
	return stats
}

// Get returns the item stored under key.
func (rs *ResultSet) Get(key string) (Item, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	it, ok := rs.items[key]
	return it, ok
}

// Len returns the number of items.
func (rs *ResultSet) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.items)
}

// Items returns a copy of the items keyed by detection key.
func (rs *ResultSet) Items() map[string]Item {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.items == nil {
		return map[string]Item{}
	}
	return maps.Clone(rs.items)
}

// Sorted returns the items ordered by tag.
func (rs *ResultSet) Sorted() []Item {
	return SortItems(rs.Items())
}
