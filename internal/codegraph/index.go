package codegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cognitron/internal/logging"
	"cognitron/internal/vectorstore"
)

// chunkMetadata mirrors the full chunk record into the vector store's
// parallel metadata file.
func chunkMetadata(c Chunk) vectorstore.Meta {
	return vectorstore.Meta{
		"id": c.ID, "module": c.Module, "kind": c.Kind, "name": c.Name,
		"signature": c.Signature, "docstring": c.Docstring, "content": c.EmbedText,
	}
}

// IndexChunks embeds every chunk one call at a time via AddFragment
// (vectorstore.Store has no dedicated batch path) and persists them into
// the code vector store.
func IndexChunks(ctx context.Context, store *vectorstore.Store, chunks []Chunk) error {
	for _, c := range chunks {
		if err := store.AddFragment(ctx, c.EmbedText, chunkMetadata(c)); err != nil {
			logging.CodeGraphWarn("failed to embed chunk %s: %v", c.ID, err)
			continue
		}
	}
	return nil
}

// offsetEntry locates one chunk's byte range inside the chunks journal
// file, for byte-offset hydration.
type offsetEntry struct {
	Offset int64
	Length int64
}

// ChunkJournal persists the full chunk records to one append-friendly
// JSON-lines file and builds an in-memory chunk_id -> file_offset map on
// load, exactly once.
type ChunkJournal struct {
	path    string
	offsets map[string]offsetEntry
}

// WriteChunkJournal overwrites the journal with the given chunk set, one
// JSON object per line, and returns a journal ready for offset-based
// reads.
func WriteChunkJournal(path string, chunks []Chunk) (*ChunkJournal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("codegraph: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("codegraph: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	offsets := make(map[string]offsetEntry, len(chunks))
	var cursor int64
	for _, c := range chunks {
		line, err := json.Marshal(c)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("codegraph: encode chunk: %w", err)
		}
		line = append(line, '\n')
		n, err := tmp.Write(line)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("codegraph: write chunk: %w", err)
		}
		offsets[c.ID] = offsetEntry{Offset: cursor, Length: int64(n)}
		cursor += int64(n)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("codegraph: rename: %w", err)
	}

	return &ChunkJournal{path: path, offsets: offsets}, nil
}

// LoadChunkJournal opens an existing journal and rebuilds its offset map
// by a single sequential scan.
func LoadChunkJournal(path string) (*ChunkJournal, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ChunkJournal{path: path, offsets: map[string]offsetEntry{}}, nil
		}
		return nil, err
	}
	defer f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	offsets := make(map[string]offsetEntry)
	var cursor int64
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		line := data[start : i+1]
		var c Chunk
		if json.Unmarshal(data[start:i], &c) == nil {
			offsets[c.ID] = offsetEntry{Offset: cursor, Length: int64(len(line))}
		}
		cursor += int64(len(line))
		start = i + 1
	}
	return &ChunkJournal{path: path, offsets: offsets}, nil
}

// Get hydrates a full Chunk by ID via a direct byte-offset read.
func (j *ChunkJournal) Get(id string) (Chunk, bool) {
	entry, ok := j.offsets[id]
	if !ok {
		return Chunk{}, false
	}
	f, err := os.Open(j.path)
	if err != nil {
		return Chunk{}, false
	}
	defer f.Close()

	buf := make([]byte, entry.Length)
	if _, err := f.ReadAt(buf, entry.Offset); err != nil {
		return Chunk{}, false
	}
	var c Chunk
	if err := json.Unmarshal(buf, &c); err != nil {
		return Chunk{}, false
	}
	return c, true
}

// Len returns the number of chunks indexed in the offset map.
func (j *ChunkJournal) Len() int { return len(j.offsets) }
