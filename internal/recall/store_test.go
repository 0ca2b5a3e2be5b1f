package recall

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "recall_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := NewStoreWithDB(db, 3, slog.Default())
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedChunks(t *testing.T, s *Store, source string, chunks ...Chunk) []Chunk {
	t.Helper()
	if err := s.ReplaceSource(source, "fp-"+source, chunks); err != nil {
		t.Fatalf("ReplaceSource: %v", err)
	}
	stored, err := s.ChunksForSource(source)
	if err != nil {
		t.Fatalf("ChunksForSource: %v", err)
	}
	return stored
}

func TestReplaceSource_Swap(t *testing.T) {
	s := newTestStore(t)

	first := seedChunks(t, s, "memory:user", Chunk{Title: "v1", Content: "first version"})
	if len(first) != 1 {
		t.Fatalf("%d chunks", len(first))
	}
	if err := s.SetEmbedding(first[0].ID, []float32{1, 0, 0}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	second := seedChunks(t, s, "memory:user", Chunk{Title: "v2", Content: "second version"})
	if len(second) != 1 || second[0].Content != "second version" {
		t.Fatalf("swap failed: %+v", second)
	}

	// The old chunk and its sidecar rows are gone.
	if _, err := s.chunkByID(first[0].ID); err == nil {
		t.Error("old chunk survived the swap")
	}
	missing, err := s.ChunksMissingEmbeddings(10)
	if err != nil {
		t.Fatalf("ChunksMissingEmbeddings: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != second[0].ID {
		t.Errorf("missing = %+v", missing)
	}

	fp, err := s.Fingerprint("memory:user")
	if err != nil || fp != "fp-memory:user" {
		t.Errorf("fingerprint = (%q, %v)", fp, err)
	}
}

func TestSearchFTS(t *testing.T) {
	s := newTestStore(t)
	if !s.FTSEnabled() {
		t.Skip("FTS5 unavailable in this driver build")
	}

	seedChunks(t, s, "memory:animals",
		Chunk{Title: "Koalas", Content: "the koala is an australian marsupial"},
		Chunk{Title: "Rocks", Content: "igneous rocks form from lava"},
	)

	results, err := s.SearchFTS("koala", 5)
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("%d results", len(results))
	}
	if results[0].Title != "Koalas" || results[0].MatchType != MatchFTS {
		t.Errorf("result = %+v", results[0])
	}
}

func TestSearchFTS_QuerySanitized(t *testing.T) {
	s := newTestStore(t)
	if !s.FTSEnabled() {
		t.Skip("FTS5 unavailable in this driver build")
	}
	seedChunks(t, s, "memory:x", Chunk{Title: "T", Content: "hello world"})

	// Operators and punctuation must not reach the FTS parser.
	for _, q := range []string{`hello AND) (world`, `"hello`, `he*llo -world`} {
		if _, err := s.SearchFTS(q, 5); err != nil {
			t.Errorf("SearchFTS(%q): %v", q, err)
		}
	}
}

func TestSearchVector_BruteForce(t *testing.T) {
	s := newTestStore(t)

	chunks := seedChunks(t, s, "memory:vec",
		Chunk{Title: "A", Content: "alpha"},
		Chunk{Title: "B", Content: "beta"},
		Chunk{Title: "C", Content: "gamma"},
	)
	// Orthogonal-ish embeddings: A matches the query best.
	_ = s.SetEmbedding(chunks[0].ID, []float32{1, 0, 0})
	_ = s.SetEmbedding(chunks[1].ID, []float32{0, 1, 0})
	_ = s.SetEmbedding(chunks[2].ID, []float32{0.7, 0.7, 0})

	results, err := s.SearchVector([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("%d results", len(results))
	}
	if results[0].Title != "A" {
		t.Errorf("top result = %+v", results[0])
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v then %v", results[0].Score, results[1].Score)
	}
	if results[0].MatchType != MatchVector {
		t.Errorf("match type = %s", results[0].MatchType)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75}
	out := decodeEmbedding(encodeEmbedding(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d", len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if decodeEmbedding([]byte{1, 2, 3}) != nil {
		t.Error("ragged blob decoded")
	}
}

// fakeEmbedder returns one fixed vector for every input.
type fakeEmbedder struct {
	vector []float32
}

func (f *fakeEmbedder) Generate(context.Context, string) ([]float32, error) {
	return f.vector, nil
}

// Hybrid fusion: a chunk ranked by both paths outranks a chunk ranked
// by one, and match types reflect the contributing sources.
func TestSearch_HybridRRF(t *testing.T) {
	s := newTestStore(t)
	if !s.FTSEnabled() {
		t.Skip("FTS5 unavailable in this driver build")
	}

	chunks := seedChunks(t, s, "memory:zoo",
		Chunk{Title: "A", Content: "the marsupial koala lives in eucalyptus trees"},
		Chunk{Title: "B", Content: "a sleepy tree-dwelling animal from australia"},
	)

	// Vector space: B is closest to the query, A second.
	_ = s.SetEmbedding(chunks[0].ID, []float32{0.6, 0.8, 0})
	_ = s.SetEmbedding(chunks[1].ID, []float32{0.9, 0.43, 0})

	embedder := &fakeEmbedder{vector: []float32{1, 0, 0}}
	index := NewIndex(s, embedder, t.TempDir(), slog.Default())

	results, err := index.Search(context.Background(), "marsupial", 5, ModeHybrid)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("%d results: %+v", len(results), results)
	}
	if results[0].Title != "A" {
		t.Errorf("RRF winner = %s, want A (in both lists)", results[0].Title)
	}
	if results[0].MatchType != MatchHybrid {
		t.Errorf("A match type = %s, want hybrid", results[0].MatchType)
	}
	if results[1].MatchType != MatchVector {
		t.Errorf("B match type = %s, want vector", results[1].MatchType)
	}
}

// A failing path is swallowed: the other path's results return alone.
func TestSearch_VectorFailureFallsBackToFTS(t *testing.T) {
	s := newTestStore(t)
	if !s.FTSEnabled() {
		t.Skip("FTS5 unavailable in this driver build")
	}
	seedChunks(t, s, "memory:solo", Chunk{Title: "Only", Content: "findable text"})

	index := NewIndex(s, &errorEmbedder{}, t.TempDir(), slog.Default())
	results, err := index.Search(context.Background(), "findable", 5, ModeHybrid)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Only" {
		t.Errorf("results = %+v", results)
	}
}

type errorEmbedder struct{}

func (e *errorEmbedder) Generate(context.Context, string) ([]float32, error) {
	return nil, os.ErrDeadlineExceeded
}
