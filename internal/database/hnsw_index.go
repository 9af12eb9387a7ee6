package database

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	FaceCount int64     `json:"face_count"`
	MaxFaceID int64     `json:"max_face_id"`
	BuildTime time.Time `json:"build_time"`
	Version   int       `json:"version"` // For future compatibility
}

const hnswMetadataVersion = 2

var errIndexNotInitialized = errors.New("index not initialized")

// HNSWIndex wraps the HNSW graph for face embedding search.
type HNSWIndex struct {
	graph      *hnsw.Graph[int64]
	savedGraph *hnsw.SavedGraph[int64] // Set when the graph was loaded from disk
	idToFace   map[int64]*Face         // Maps HNSW node ID to face
	mu         sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		idToFace: make(map[int64]*Face),
	}
}

func newFaceGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFromFaces builds the index from a slice of faces.
func (h *HNSWIndex) BuildFromFaces(faces []Face) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.savedGraph = nil
	h.idToFace = make(map[int64]*Face, len(faces))

	if len(faces) == 0 {
		h.graph = nil
		return
	}

	g := newFaceGraph()
	for i := range faces {
		face := &faces[i]
		if len(face.Embedding) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(face.ID, face.Embedding))
		h.idToFace[face.ID] = face
	}
	h.graph = g
}

// Search finds the k nearest neighbors to the query embedding.
// Returns face IDs and their distances.
func (h *HNSWIndex) Search(query []float32, k int) ([]int64, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.searchLocked(query, k)
}

func (h *HNSWIndex) searchLocked(query []float32, k int) ([]int64, []float64, error) {
	if h.graph == nil && h.savedGraph == nil {
		return nil, nil, errIndexNotInitialized
	}

	var neighbors []hnsw.Node[int64]
	if h.savedGraph != nil {
		neighbors = h.savedGraph.Search(query, k)
	} else {
		neighbors = h.graph.Search(query, k)
	}

	ids := make([]int64, len(neighbors))
	distances := make([]float64, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.Key
		// Recompute from the node vector, the graph does not return distances.
		distances[i] = CosineDistance(query, n.Value)
	}
	return ids, distances, nil
}

// QueryUnassigned returns unassigned faces scoring at least minScore, best first.
// Nodes whose face was deleted or assigned since indexing are skipped.
func (h *HNSWIndex) QueryUnassigned(query []float32, minScore float64, limit int) ([]Match, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	searchK := max(limit*HNSWSearchMultiplier, HNSWMinSearchK)
	ids, distances, err := h.searchLocked(query, searchK)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, min(limit, len(ids)))
	for i, id := range ids {
		face, ok := h.idToFace[id]
		if !ok || face.Assigned() {
			continue
		}
		score := SimilarityFromDistance(distances[i])
		if score < minScore {
			continue
		}
		matches = append(matches, Match{FaceID: id, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// GetFace returns the face for a given ID.
func (h *HNSWIndex) GetFace(id int64) *Face {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idToFace[id]
}

// Add adds a single face to the index.
func (h *HNSWIndex) Add(face *Face) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(face.Embedding) == 0 {
		return
	}
	if h.graph == nil {
		if h.savedGraph != nil {
			h.graph = h.savedGraph.Graph
			h.savedGraph = nil
		} else {
			h.graph = newFaceGraph()
		}
	}

	h.graph.Add(hnsw.MakeNode(face.ID, face.Embedding))
	h.idToFace[face.ID] = face
}

// UpdateFacePerson records a new assignment for an indexed face.
// Returns true if the face was found and updated, false if not found.
func (h *HNSWIndex) UpdateFacePerson(id, personID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	face, ok := h.idToFace[id]
	if !ok {
		return false
	}
	face.PersonID = personID
	return true
}

// Delete removes a face from the index.
func (h *HNSWIndex) Delete(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// The graph keeps the node; lookups through idToFace hide it from results.
	delete(h.idToFace, id)
}

// Count returns the number of indexed faces.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToFace)
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *HNSWIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil && h.savedGraph == nil
}

// MaxFaceID returns the largest indexed face id, used for staleness checks.
func (h *HNSWIndex) MaxFaceID() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var maxID int64
	for id := range h.idToFace {
		maxID = max(maxID, id)
	}
	return maxID
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

func saveFaceMetadata(path string, faces []Face) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(faces); err != nil {
		return fmt.Errorf("failed to encode faces: %w", err)
	}
	if err := os.WriteFile(path+".faces", buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write faces file: %w", err)
	}
	return nil
}

func loadFaceMetadata(path string) ([]Face, error) {
	data, err := os.ReadFile(path + ".faces") //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to read faces file: %w", err)
	}

	var faces []Face
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&faces); err != nil {
		return nil, fmt.Errorf("failed to decode faces: %w", err)
	}
	return faces, nil
}

// LoadWithFaceMetadata loads both the HNSW graph and face metadata from disk.
func (h *HNSWIndex) LoadWithFaceMetadata(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("HNSW index file not found: %s", path)
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}

	faces, err := loadFaceMetadata(path)
	if err != nil {
		return fmt.Errorf("failed to load face metadata: %w", err)
	}

	h.graph = nil
	h.savedGraph = saved
	h.idToFace = make(map[int64]*Face, len(faces))
	for i := range faces {
		h.idToFace[faces[i].ID] = &faces[i]
	}
	return nil
}

func (h *HNSWIndex) exportGraph(path string) error {
	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if h.savedGraph != nil {
		err = h.savedGraph.Export(f)
	} else {
		err = h.graph.Export(f)
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	return f.Close()
}

// SaveWithFaceMetadata persists the index, its metadata and the face table to disk.
func (h *HNSWIndex) SaveWithFaceMetadata(path string, metadata HNSWIndexMetadata) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil && h.savedGraph == nil {
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".faces")
		return nil
	}

	if err := h.exportGraph(path); err != nil {
		return err
	}

	metadata.Version = hnswMetadataVersion
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0o600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	faces := make([]Face, 0, len(h.idToFace))
	for _, face := range h.idToFace {
		faces = append(faces, *face)
	}
	if err := saveFaceMetadata(path, faces); err != nil {
		return fmt.Errorf("failed to save face metadata: %w", err)
	}
	return nil
}

// IsStale reports whether saved metadata no longer matches the database.
func (m HNSWIndexMetadata) IsStale(faceCount, maxFaceID int64) bool {
	return m.Version != hnswMetadataVersion || m.FaceCount != faceCount || m.MaxFaceID != maxFaceID
}
