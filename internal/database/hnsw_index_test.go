package database

import (
	"math"
	"path/filepath"
	"testing"
)

func unitVector(axis int, tilt float32) []float32 {
	v := make([]float32, 16)
	v[axis%16] = 1
	v[(axis+1)%16] = tilt
	return v
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"length mismatch", []float32{1}, []float32{1, 0}, 2},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineDistance(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineDistance = %f, want %f", got, tt.want)
			}
		})
	}
}

func testFaces() []Face {
	return []Face{
		{ID: 1, Embedding: unitVector(0, 0), PersonID: 7},
		{ID: 2, Embedding: unitVector(0, 0.05)},
		{ID: 3, Embedding: unitVector(0, 0.3)},
		{ID: 4, Embedding: unitVector(8, 0)},
	}
}

func TestHNSWIndex_QueryUnassigned(t *testing.T) {
	idx := NewHNSWIndex()
	idx.BuildFromFaces(testFaces())

	matches, err := idx.QueryUnassigned(unitVector(0, 0), 0.9, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(matches), matches)
	}
	if matches[0].FaceID != 2 || matches[1].FaceID != 3 {
		t.Errorf("expected faces [2 3] best first, got %+v", matches)
	}

	// Assigning a face hides it from unassigned search.
	if !idx.UpdateFacePerson(2, 7) {
		t.Fatal("expected face 2 to be indexed")
	}
	matches, err = idx.QueryUnassigned(unitVector(0, 0), 0.9, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 || matches[0].FaceID != 3 {
		t.Errorf("expected only face 3, got %+v", matches)
	}

	idx.Delete(3)
	matches, _ = idx.QueryUnassigned(unitVector(0, 0), 0.9, 10)
	if len(matches) != 0 {
		t.Errorf("expected no matches after delete, got %+v", matches)
	}
}

func TestHNSWIndex_Uninitialized(t *testing.T) {
	idx := NewHNSWIndex()
	if !idx.IsEmpty() {
		t.Error("expected new index to be empty")
	}
	if _, err := idx.QueryUnassigned(unitVector(0, 0), 0.5, 10); err == nil {
		t.Error("expected error searching an uninitialized index")
	}
}

func TestHNSWIndex_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faces.hnsw")

	idx := NewHNSWIndex()
	idx.BuildFromFaces(testFaces())
	meta := HNSWIndexMetadata{FaceCount: 4, MaxFaceID: idx.MaxFaceID()}
	if err := idx.SaveWithFaceMetadata(path, meta); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loadedMeta, err := LoadHNSWMetadata(path)
	if err != nil {
		t.Fatalf("load metadata failed: %v", err)
	}
	if loadedMeta.IsStale(4, 4) {
		t.Errorf("expected fresh metadata, got %+v", loadedMeta)
	}
	if !loadedMeta.IsStale(5, 5) {
		t.Error("expected metadata to be stale for a grown table")
	}

	loaded := NewHNSWIndex()
	if err := loaded.LoadWithFaceMetadata(path); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Count() != 4 {
		t.Errorf("expected 4 faces, got %d", loaded.Count())
	}
	if face := loaded.GetFace(1); face == nil || face.PersonID != 7 {
		t.Errorf("expected face 1 assigned to person 7, got %+v", face)
	}

	matches, err := loaded.QueryUnassigned(unitVector(0, 0), 0.9, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("expected 2 matches from loaded index, got %+v", matches)
	}

	// Adding to a loaded index keeps working.
	loaded.Add(&Face{ID: 5, Embedding: unitVector(0, 0.01)})
	matches, _ = loaded.QueryUnassigned(unitVector(0, 0), 0.9, 10)
	if len(matches) != 3 || matches[0].FaceID != 5 {
		t.Errorf("expected new face first, got %+v", matches)
	}
}
