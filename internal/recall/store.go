// Package recall implements the hybrid search index over the local
// markdown corpus: content-addressed incremental chunk indexing,
// full-text search, approximate cosine search over locally computed
// embeddings, and reciprocal-rank fusion of the two.
package recall

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"
)

// BobID is the process-wide identity discriminator.
const BobID = "bob"

// Chunk is one heading-bounded slice of a source document.
type Chunk struct {
	ID          int64    `json:"id"`
	Source      string   `json:"source"`
	Title       string   `json:"title"`
	Breadcrumbs []string `json:"breadcrumbs,omitempty"`
	Content     string   `json:"content"`
	Preview     string   `json:"preview"`
	LineStart   int      `json:"line_start"`
	LineEnd     int      `json:"line_end"`
	TokenCount  int      `json:"token_count"`
}

// MatchType tags which search path produced a result.
const (
	MatchFTS    = "fts"
	MatchVector = "vector"
	MatchHybrid = "hybrid"
)

// Result is one search hit.
type Result struct {
	Chunk
	Score     float64 `json:"score"`
	MatchType string  `json:"match_type"`
}

// Store owns bob.db: chunks, the FTS sidecar, the embeddings BLOB
// table (authoritative), the per-source fingerprints, and — when the
// vector extension is present — the vec sidecar cache.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	ftsEnabled bool
	vecEnabled bool
	vecDim     int
}

// NewStore opens (or creates) the recall database. dim is the
// embedding dimensionality used for the optional vec table.
func NewStore(dbPath string, dim int, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStoreWithDB(db, dim, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB wraps an existing handle. Used by tests.
func NewStoreWithDB(db *sql.DB, dim int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dim <= 0 {
		dim = 768
	}
	s := &Store{db: db, logger: logger, vecDim: dim}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.ftsEnabled = s.tryEnableFTS()
	if !s.ftsEnabled {
		logger.Warn("recall: FTS5 not available — lexical search will use slower LIKE fallback",
			"fts5", false)
	}
	s.vecEnabled = s.tryEnableVec()
	if !s.vecEnabled {
		logger.Debug("recall: vec extension not available — vector search will brute-force",
			"vec", false)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bob_id TEXT NOT NULL DEFAULT 'bob',
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		breadcrumbs TEXT NOT NULL DEFAULT '[]',
		content TEXT NOT NULL,
		preview TEXT NOT NULL,
		line_start INTEGER NOT NULL DEFAULT 0,
		line_end INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);

	CREATE TABLE IF NOT EXISTS embeddings (
		chunk_id INTEGER PRIMARY KEY,
		embedding BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sources (
		source TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// tryEnableFTS attempts to create the FTS5 virtual table. Returns true
// if FTS5 is available. The table is standalone (not external-content)
// with rowids pinned to chunk ids, so sync is plain insert/delete.
func (s *Store) tryEnableFTS() bool {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			source, title, content
		)
	`)
	return err == nil
}

// tryEnableVec attempts to create the vec0 virtual table. Availability
// depends on the sqlite-vec extension being compiled in; the
// embeddings BLOB table stays authoritative either way and the vec
// table is only a cache.
func (s *Store) tryEnableVec() bool {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vectors_vec USING vec0(
			chunk_id INTEGER PRIMARY KEY,
			embedding FLOAT[%d]
		)
	`, s.vecDim))
	return err == nil
}

// FTSEnabled reports whether FTS5 full-text search is available.
func (s *Store) FTSEnabled() bool { return s.ftsEnabled }

// VecEnabled reports whether the vec sidecar is available.
func (s *Store) VecEnabled() bool { return s.vecEnabled }

// Fingerprint returns the stored content fingerprint for a source, or
// "" when the source has never been indexed.
func (s *Store) Fingerprint(source string) (string, error) {
	var fp string
	err := s.db.QueryRow(`SELECT fingerprint FROM sources WHERE source = ?`, source).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return fp, err
}

// ReplaceSource atomically swaps a source's chunks: old chunks, their
// embeddings, their vec rows, and the FTS rows all go in the same
// transaction that inserts the fresh set and updates the fingerprint.
func (s *Store) ReplaceSource(source, fingerprint string, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	oldIDs, err := chunkIDsTx(tx, source)
	if err != nil {
		return err
	}
	for _, id := range oldIDs {
		if _, err := tx.Exec(`DELETE FROM embeddings WHERE chunk_id = ?`, id); err != nil {
			return err
		}
		if s.vecEnabled {
			if _, err := tx.Exec(`DELETE FROM vectors_vec WHERE chunk_id = ?`, id); err != nil {
				return err
			}
		}
		if s.ftsEnabled {
			if _, err := tx.Exec(`DELETE FROM chunks_fts WHERE rowid = ?`, id); err != nil {
				return err
			}
		}
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, c := range chunks {
		crumbs, err := json.Marshal(c.Breadcrumbs)
		if err != nil {
			crumbs = []byte("[]")
		}
		res, err := tx.Exec(`
			INSERT INTO chunks (bob_id, source, title, breadcrumbs, content, preview,
				line_start, line_end, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, BobID, source, c.Title, string(crumbs), c.Content, c.Preview,
			c.LineStart, c.LineEnd, c.TokenCount, now)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if s.ftsEnabled {
			if _, err := tx.Exec(`
				INSERT INTO chunks_fts (rowid, source, title, content)
				VALUES (?, ?, ?, ?)
			`, id, source, c.Title, c.Content); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO sources (source, fingerprint, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`, source, fingerprint, now); err != nil {
		return err
	}

	return tx.Commit()
}

func chunkIDsTx(tx *sql.Tx, source string) ([]int64, error) {
	rows, err := tx.Query(`SELECT id FROM chunks WHERE source = ?`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChunksMissingEmbeddings returns chunks that have no embedding yet.
func (s *Store) ChunksMissingEmbeddings(limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(chunkCols+`
		FROM chunks c
		LEFT JOIN embeddings e ON e.chunk_id = c.id
		WHERE e.chunk_id IS NULL
		ORDER BY c.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}

// SetEmbedding stores a chunk's embedding BLOB and mirrors it into the
// vec sidecar when available.
func (s *Store) SetEmbedding(chunkID int64, embedding []float32) error {
	blob := encodeEmbedding(embedding)
	if _, err := s.db.Exec(`
		INSERT INTO embeddings (chunk_id, embedding) VALUES (?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET embedding = excluded.embedding
	`, chunkID, blob); err != nil {
		return err
	}
	if s.vecEnabled && len(embedding) == s.vecDim {
		if _, err := s.db.Exec(`DELETE FROM vectors_vec WHERE chunk_id = ?`, chunkID); err != nil {
			return err
		}
		if _, err := s.db.Exec(`
			INSERT INTO vectors_vec (chunk_id, embedding) VALUES (?, ?)
		`, chunkID, blob); err != nil {
			return err
		}
	}
	return nil
}

// Sources lists indexed sources with fingerprints.
func (s *Store) Sources() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT source, fingerprint FROM sources`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var src, fp string
		if err := rows.Scan(&src, &fp); err != nil {
			return nil, err
		}
		out[src] = fp
	}
	return out, rows.Err()
}

// RemoveSource drops a vanished source and all its rows.
func (s *Store) RemoveSource(source string) error {
	return s.ReplaceSource(source, "", nil)
}

// ChunksForSource returns a source's chunks in id order.
func (s *Store) ChunksForSource(source string) ([]Chunk, error) {
	rows, err := s.db.Query(chunkCols+` FROM chunks c WHERE c.source = ? ORDER BY c.id`, source)
	if err != nil {
		return nil, err
	}
	return collectChunks(rows)
}

// SearchFTS runs full-text search, returning top-k by BM25. BM25 ranks
// lower-is-better; the exposed score is negated so that higher is
// better across all search paths.
func (s *Store) SearchFTS(query string, k int) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	if s.ftsEnabled {
		sanitized := sanitizeFTSQuery(query)
		if sanitized == "" {
			return nil, nil
		}
		rows, err := s.db.Query(chunkCols+`, bm25(chunks_fts) AS rank
			FROM chunks_fts
			JOIN chunks c ON c.id = chunks_fts.rowid
			WHERE chunks_fts MATCH ?
			ORDER BY rank
			LIMIT ?
		`, sanitized, k)
		if err != nil {
			return nil, fmt.Errorf("fts search: %w", err)
		}
		defer rows.Close()

		var out []Result
		for rows.Next() {
			var c Chunk
			var rank float64
			if err := scanChunk(rows.Scan, &c, &rank); err != nil {
				return nil, err
			}
			out = append(out, Result{Chunk: c, Score: -rank, MatchType: MatchFTS})
		}
		return out, rows.Err()
	}

	// LIKE fallback — less precise but functional.
	rows, err := s.db.Query(chunkCols+`
		FROM chunks c
		WHERE c.content LIKE ? OR c.title LIKE ?
		ORDER BY c.id DESC
		LIMIT ?
	`, "%"+query+"%", "%"+query+"%", k)
	if err != nil {
		return nil, err
	}
	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, Result{Chunk: c, Score: 0, MatchType: MatchFTS})
	}
	return out, nil
}

// SearchVector returns top-k chunks by cosine similarity. When the vec
// sidecar is usable it serves an approximate lookup for 3k candidates
// (backfilled lazily when its row count diverges from the BLOB table);
// otherwise every stored embedding is scored brute-force. The vec
// table is never JOINed with chunks — metadata is resolved in a second
// statement.
func (s *Store) SearchVector(query []float32, k int) ([]Result, error) {
	if k <= 0 {
		k = 10
	}
	if len(query) == 0 {
		return nil, nil
	}

	if s.vecEnabled && len(query) == s.vecDim {
		if err := s.backfillVec(); err == nil {
			if out, err := s.searchVec(query, k); err == nil {
				return out, nil
			} else {
				s.logger.Debug("recall: vec lookup failed, falling back to brute force", "error", err)
			}
		}
	}
	return s.bruteForceVector(query, k)
}

// backfillVec rebuilds the vec cache from the authoritative BLOB table
// when the two row counts diverge.
func (s *Store) backfillVec() error {
	var nEmb, nVec int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&nEmb); err != nil {
		return err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM vectors_vec`).Scan(&nVec); err != nil {
		return err
	}
	if nEmb == nVec {
		return nil
	}

	if _, err := s.db.Exec(`DELETE FROM vectors_vec`); err != nil {
		return err
	}
	rows, err := s.db.Query(`SELECT chunk_id, embedding FROM embeddings`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		if len(blob) != s.vecDim*4 {
			continue
		}
		if _, err := s.db.Exec(`INSERT INTO vectors_vec (chunk_id, embedding) VALUES (?, ?)`, id, blob); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) searchVec(query []float32, k int) ([]Result, error) {
	rows, err := s.db.Query(`
		SELECT chunk_id, distance FROM vectors_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, encodeEmbedding(query), 3*k)
	if err != nil {
		return nil, err
	}
	type hit struct {
		id   int64
		dist float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.dist); err != nil {
			rows.Close()
			return nil, err
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Second step: resolve chunk metadata by id.
	var out []Result
	for _, h := range hits {
		if len(out) >= k {
			break
		}
		c, err := s.chunkByID(h.id)
		if err != nil {
			continue
		}
		out = append(out, Result{Chunk: *c, Score: 1 - h.dist, MatchType: MatchVector})
	}
	return out, nil
}

// bruteForceVector scores every stored embedding. Partial selection
// sort keeps the top k.
func (s *Store) bruteForceVector(query []float32, k int) ([]Result, error) {
	rows, err := s.db.Query(`SELECT chunk_id, embedding FROM embeddings`)
	if err != nil {
		return nil, err
	}
	type scored struct {
		id    int64
		score float64
	}
	var scores []scored
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return nil, err
		}
		emb := decodeEmbedding(blob)
		if len(emb) == 0 {
			continue
		}
		scores = append(scores, scored{id: id, score: float64(cosineSimilarity(query, emb))})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 0; i < k && i < len(scores); i++ {
		maxIdx := i
		for j := i + 1; j < len(scores); j++ {
			if scores[j].score > scores[maxIdx].score {
				maxIdx = j
			}
		}
		scores[i], scores[maxIdx] = scores[maxIdx], scores[i]
	}

	var out []Result
	for i := 0; i < k && i < len(scores); i++ {
		c, err := s.chunkByID(scores[i].id)
		if err != nil {
			continue
		}
		out = append(out, Result{Chunk: *c, Score: scores[i].score, MatchType: MatchVector})
	}
	return out, nil
}

func (s *Store) chunkByID(id int64) (*Chunk, error) {
	row := s.db.QueryRow(chunkCols+` FROM chunks c WHERE c.id = ?`, id)
	var c Chunk
	if err := scanChunk(row.Scan, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

const chunkCols = `SELECT c.id, c.source, c.title, c.breadcrumbs, c.content, c.preview,
	c.line_start, c.line_end, c.token_count`

func collectChunks(rows *sql.Rows) ([]Chunk, error) {
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := scanChunk(rows.Scan, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// scanChunk scans the chunkCols columns plus any extras into c.
func scanChunk(scan func(...any) error, c *Chunk, extras ...any) error {
	var crumbs string
	dest := []any{&c.ID, &c.Source, &c.Title, &crumbs, &c.Content, &c.Preview,
		&c.LineStart, &c.LineEnd, &c.TokenCount}
	dest = append(dest, extras...)
	if err := scan(dest...); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(crumbs), &c.Breadcrumbs); err != nil {
		c.Breadcrumbs = nil
	}
	return nil
}

var nonWord = regexp.MustCompile(`\W+`)

// sanitizeFTSQuery replaces non-word characters with spaces and wraps
// each term in double quotes so FTS5 never sees its operator syntax.
func sanitizeFTSQuery(query string) string {
	cleaned := nonWord.ReplaceAllString(query, " ")
	terms := strings.Fields(cleaned)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " ")
}

// encodeEmbedding packs a float32 slice into a little-endian BLOB.
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding unpacks a little-endian BLOB into float32s.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
