package parts

import (
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"testing"
)

func det(key string, conf float64, box BBox) Detection {
	return Detection{Key: key, Tag: key, Type: "PT", BBox: box, Conf: conf}
}

func TestMergeTranslatesBoxes(t *testing.T) {
	rs := NewResultSet()
	rs.Merge(image.Pt(100, 50), []Detection{det("A", 0.9, BBox{10, 20, 30, 40})})

	it, ok := rs.Get("A")
	if !ok {
		t.Fatal("item A not stored")
	}
	if want := (BBox{110, 70, 130, 90}); it.BBox != want {
		t.Errorf("bbox = %v, want %v", it.BBox, want)
	}
	if it.Status != StatusIngested {
		t.Errorf("status = %q, want %q", it.Status, StatusIngested)
	}
}

func TestMergeConfidenceTieBreak(t *testing.T) {
	tests := []struct {
		name      string
		first     float64
		second    float64
		wantConf  float64
		wantBox   BBox
		wantStats MergeStats
	}{
		{
			name:      "lower confidence is dropped",
			first:     0.8,
			second:    0.7,
			wantConf:  0.8,
			wantBox:   BBox{0, 0, 10, 10},
			wantStats: MergeStats{Inserted: 1, Kept: 1},
		},
		{
			name:      "higher confidence replaces",
			first:     0.6,
			second:    0.95,
			wantConf:  0.95,
			wantBox:   BBox{500, 0, 510, 10},
			wantStats: MergeStats{Inserted: 1, Replaced: 1},
		},
		{
			name:      "equal confidence keeps first",
			first:     0.7,
			second:    0.7,
			wantConf:  0.7,
			wantBox:   BBox{0, 0, 10, 10},
			wantStats: MergeStats{Inserted: 1, Kept: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := NewResultSet()
			var stats MergeStats
			stats.Add(rs.Merge(image.Pt(0, 0), []Detection{det("A", tt.first, BBox{0, 0, 10, 10})}))
			stats.Add(rs.Merge(image.Pt(500, 0), []Detection{det("A", tt.second, BBox{0, 0, 10, 10})}))

			if rs.Len() != 1 {
				t.Fatalf("Len = %d, want 1", rs.Len())
			}
			it, _ := rs.Get("A")
			if it.Conf != tt.wantConf {
				t.Errorf("conf = %v, want %v", it.Conf, tt.wantConf)
			}
			if it.BBox != tt.wantBox {
				t.Errorf("bbox = %v, want %v", it.BBox, tt.wantBox)
			}
			if stats != tt.wantStats {
				t.Errorf("stats = %+v, want %+v", stats, tt.wantStats)
			}
		})
	}
}

func TestMergeConfidenceNeverDecreases(t *testing.T) {
	rs := NewResultSet()
	confs := []float64{0.3, 0.9, 0.1, 0.5, 0.9, 0.2, 0.95, 0.4}
	best := 0.0
	for i, c := range confs {
		rs.Merge(image.Pt(i*10, 0), []Detection{det("K", c, BBox{0, 0, 1, 1})})
		best = max(best, c)
		it, _ := rs.Get("K")
		if it.Conf != best {
			t.Fatalf("after merge %d: conf = %v, want %v", i, it.Conf, best)
		}
	}
}

func TestMergeDistinctKeysSameTag(t *testing.T) {
	rs := NewResultSet()
	a := det("PT-101", 0.9, BBox{0, 0, 1, 1})
	b := det("PT-101_2", 0.8, BBox{5, 5, 6, 6})
	b.Tag = "PT-101"
	rs.Merge(image.Point{}, []Detection{a, b})

	if rs.Len() != 2 {
		t.Fatalf("Len = %d, want 2: entries are keyed by detection key, not tag", rs.Len())
	}
	sorted := rs.Sorted()
	if sorted[0].Conf != 0.9 || sorted[1].Conf != 0.8 {
		t.Errorf("same-tag items not ordered by key: %+v", sorted)
	}
}

func TestMergeConcurrent(t *testing.T) {
	rs := NewResultSet()
	const workers = 16

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			dets := make([]Detection, 0, 50)
			for k := 0; k < 50; k++ {
				dets = append(dets, det(fmt.Sprintf("K%02d", k), float64(w+1)/float64(workers), BBox{0, 0, 1, 1}))
			}
			rs.Merge(image.Pt(w, w), dets)
		}(w)
	}
	wg.Wait()

	if rs.Len() != 50 {
		t.Fatalf("Len = %d, want 50", rs.Len())
	}
	for key, it := range rs.Items() {
		if it.Conf != 1 {
			t.Errorf("%s: conf = %v, want the highest (1)", key, it.Conf)
		}
		if it.BBox != (BBox{workers - 1, workers - 1, workers, workers}) {
			t.Errorf("%s: bbox = %v, want the box from the winning worker", key, it.BBox)
		}
	}
}

func TestZeroValueResultSet(t *testing.T) {
	var rs ResultSet
	if got := rs.Items(); got == nil || len(got) != 0 {
		t.Errorf("Items() on zero value = %v, want empty map", got)
	}
	rs.Merge(image.Point{}, []Detection{det("A", 0.5, BBox{})})
	if rs.Len() != 1 {
		t.Errorf("Len = %d after merge into zero value", rs.Len())
	}
}

func TestItemsReturnsCopy(t *testing.T) {
	rs := NewResultSet()
	rs.Merge(image.Point{}, []Detection{det("A", 0.5, BBox{})})

	items := rs.Items()
	delete(items, "A")
	if rs.Len() != 1 {
		t.Error("mutating Items() result changed the result set")
	}
}

func TestSortItems(t *testing.T) {
	items := map[string]Item{
		"x": {Tag: "PT-200"},
		"y": {Tag: "FV-001"},
		"z": {Tag: "LT-050"},
	}
	got := SortItems(items)
	want := []string{"FV-001", "LT-050", "PT-200"}
	for i, it := range got {
		if it.Tag != want[i] {
			t.Errorf("position %d = %s, want %s", i, it.Tag, want[i])
		}
	}
	if len(SortItems(nil)) != 0 {
		t.Error("SortItems(nil) not empty")
	}
}

func TestItemJSONShape(t *testing.T) {
	size := `2"`
	items := []Item{
		{Tag: "A", Type: "PT", Size: &size, BBox: BBox{1, 2, 3, 4}, Conf: 0.9, Status: StatusIngested},
		{Tag: "B", Type: "FV", BBox: BBox{1, 2, 3, 4}, Conf: 0.5, Status: StatusIngested},
	}
	wants := []string{
		`{"tag":"A","type":"PT","size":"2\"","bbox":[1,2,3,4],"conf":0.9,"status":"INGESTED"}`,
		`{"tag":"B","type":"FV","size":null,"bbox":[1,2,3,4],"conf":0.5,"status":"INGESTED"}`,
	}
	for i, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(b) != wants[i] {
			t.Errorf("json = %s, want %s", b, wants[i])
		}
	}
}
