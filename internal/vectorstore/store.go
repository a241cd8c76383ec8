// Package vectorstore is an embedding-backed nearest-neighbour index
// with a parallel metadata store, persisted atomically to two files.
//
// Two independent instances exist in the system: "narrative" (memories)
// and "legislative" (rules); they are never the same *Store and a caller
// can never mix their files.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cognitron/internal/embedding"
	"cognitron/internal/logging"
)

// Metric is the distance/similarity convention. L2 is fixed
// as the single convention across every store in this module.
type Metric string

const MetricL2 Metric = "l2"

// Meta is one metadata record, parallel to its embedding vector at the
// same index position. Content/Len/Timestamp are filled in by AddFragment
// when absent.
type Meta map[string]any

// Hit is one search result: a bounded score plus its metadata.
type Hit struct {
	Score float64
	Meta  Meta
}

// ErrCorrupt is returned by New when the persisted index and metadata
// files have diverged in length.
var ErrCorrupt = fmt.Errorf("vectorstore: index/metadata length mismatch")

// Store is one dense ANN index (brute-force L2 over float32 vectors, the
// natural shape for the small in-process corpora this runtime holds) with
// its parallel metadata list.
type Store struct {
	mu        sync.RWMutex
	dim       int
	metric    Metric
	engine    embedding.EmbeddingEngine
	indexPath string
	metaPath  string

	vectors [][]float32
	metas   []Meta
}

type onDiskIndex struct {
	Dim     int
	Vectors [][]float32
}

// Open loads (or creates) a store rooted at indexPath/metaPath. If both
// files are absent, an empty store is returned. If they exist but their
// lengths diverge, ErrCorrupt is returned and the store refuses further
// operations until repaired out of band.
func Open(indexPath, metaPath string, engine embedding.EmbeddingEngine) (*Store, error) {
	s := &Store{
		dim:       engine.Dimensions(),
		metric:    MetricL2,
		engine:    engine,
		indexPath: indexPath,
		metaPath:  metaPath,
	}

	vecData, vecErr := os.ReadFile(indexPath)
	metaData, metaErr := os.ReadFile(metaPath)
	if os.IsNotExist(vecErr) && os.IsNotExist(metaErr) {
		logging.VectorStoreDebug("no existing index at %s, starting empty", indexPath)
		return s, nil
	}
	if vecErr == nil {
		var onDisk onDiskIndex
		dec := gob.NewDecoder(bytes.NewReader(vecData))
		if err := dec.Decode(&onDisk); err != nil {
			return nil, fmt.Errorf("vectorstore: decode index: %w", err)
		}
		s.vectors = onDisk.Vectors
		if onDisk.Dim > 0 {
			s.dim = onDisk.Dim
		}
	}
	if metaErr == nil {
		if err := json.Unmarshal(metaData, &s.metas); err != nil {
			return nil, fmt.Errorf("vectorstore: decode metadata: %w", err)
		}
	}
	if len(s.vectors) != len(s.metas) {
		logging.Get(logging.CategoryVectorStore).Error(
			"corruption: %d vectors vs %d metadata records in %s", len(s.vectors), len(s.metas), indexPath)
		return nil, ErrCorrupt
	}
	logging.VectorStore("loaded %d vectors from %s", len(s.vectors), indexPath)
	return s, nil
}

// Len returns the number of entries (vectors == metadata, always equal).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

// AddFragment embeds text and appends it with its metadata. It is a no-op
// on empty text. meta.content is set to text if absent; len and timestamp
// are filled in if absent. Triggers a best-effort persist.
func (s *Store) AddFragment(ctx context.Context, text string, meta Meta) error {
	if text == "" {
		return nil
	}
	vec, err := s.engine.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("vectorstore: embed: %w", err)
	}

	if meta == nil {
		meta = Meta{}
	}
	if _, ok := meta["content"]; !ok {
		meta["content"] = text
	}
	if _, ok := meta["len"]; !ok {
		meta["len"] = len(text)
	}
	if _, ok := meta["timestamp"]; !ok {
		meta["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	s.vectors = append(s.vectors, vec)
	s.metas = append(s.metas, meta)
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		// Best-effort: log, do not fail the add.
		logging.Get(logging.CategoryVectorStore).Error("persist failed after AddFragment: %v", err)
	}
	return nil
}

// Search embeds query and returns the k nearest entries by score
// descending, ties broken by insertion order. Returns empty on an empty
// index.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	s.mu.RLock()
	n := len(s.vectors)
	if n == 0 {
		s.mu.RUnlock()
		return nil, nil
	}
	vectors := make([][]float32, n)
	metas := make([]Meta, n)
	copy(vectors, s.vectors)
	copy(metas, s.metas)
	s.mu.RUnlock()

	qvec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: embed query: %w", err)
	}

	type scored struct {
		idx   int
		score float64
	}
	candidates := make([]scored, n)
	for i, v := range vectors {
		d := l2Distance(qvec, v)
		candidates[i] = scored{idx: i, score: scoreFromL2(d)}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if k > 0 && k < len(candidates) {
		candidates = candidates[:k]
	}

	hits := make([]Hit, len(candidates))
	for i, c := range candidates {
		hits[i] = Hit{Score: c.score, Meta: metas[c.idx]}
	}
	return hits, nil
}

// scoreFromL2 converts an L2 distance to a monotonically-bounded score in
// (0,1] via 1/(1+d).
func scoreFromL2(d float64) float64 {
	return 1.0 / (1.0 + d)
}

func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// persist atomically re-writes both the index and metadata files: each is
// written to a temp file in the same directory and renamed into place, so
// a crash mid-write never leaves a torn file in either slot. Persistence
// errors are logged, not raised.
func (s *Store) persist() error {
	s.mu.RLock()
	onDisk := onDiskIndex{Dim: s.dim, Vectors: s.vectors}
	metas := s.metas
	s.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(onDisk); err != nil {
		return fmt.Errorf("vectorstore: encode index: %w", err)
	}
	if err := atomicWrite(s.indexPath, buf.Bytes()); err != nil {
		return err
	}

	metaJSON, err := json.Marshal(metas)
	if err != nil {
		return fmt.Errorf("vectorstore: encode metadata: %w", err)
	}
	return atomicWrite(s.metaPath, metaJSON)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vectorstore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("vectorstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("vectorstore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vectorstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vectorstore: rename: %w", err)
	}
	return nil
}

// Pair bundles the narrative (memories) and legislative (rules) stores;
// they are structurally separate so a rule can never leak into memory
// retrieval.
type Pair struct {
	Narrative   *Store
	Legislative *Store
}

// OpenPair opens both stores under root, using narrativeDir/legislativeDir
// as relative subdirectories for their index/metadata files.
func OpenPair(root, narrativeDir, legislativeDir string, engine embedding.EmbeddingEngine) (*Pair, error) {
	narr, err := Open(filepath.Join(root, narrativeDir, "index.ann"), filepath.Join(root, narrativeDir, "metadata.json"), engine)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: narrative: %w", err)
	}
	leg, err := Open(filepath.Join(root, legislativeDir, "index.ann"), filepath.Join(root, legislativeDir, "metadata.json"), engine)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: legislative: %w", err)
	}
	return &Pair{Narrative: narr, Legislative: leg}, nil
}
