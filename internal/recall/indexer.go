package recall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// EmbeddingClient generates embedding vectors for text. Implemented by
// the Ollama client; tests plug in fakes.
type EmbeddingClient interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Index ties the store, the chunker, and the embedder to a markdown
// corpus root.
type Index struct {
	store    *Store
	embedder EmbeddingClient
	root     string
	logger   *slog.Logger
}

// NewIndex creates an index over the markdown tree at root. embedder
// may be nil, in which case vector search stays empty and only FTS
// serves queries.
func NewIndex(store *Store, embedder EmbeddingClient, root string, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{store: store, embedder: embedder, root: root, logger: logger}
}

// Store exposes the underlying store (CLI stats, tests).
func (ix *Index) Store() *Store { return ix.store }

// Stats summarizes an IndexAll pass.
type Stats struct {
	Scanned  int
	Indexed  int
	Skipped  int
	Removed  int
	Embedded int
}

// IndexAll walks the corpus, reindexing changed sources, removing
// vanished ones, then backfilling missing embeddings. Unchanged
// sources (matching fingerprint) are skipped, which makes the whole
// pass idempotent.
func (ix *Index) IndexAll(ctx context.Context) (Stats, error) {
	var stats Stats

	seen := map[string]bool{}
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		stats.Scanned++
		source := SourceTag(ix.root, path)
		seen[source] = true

		changed, err := ix.indexFile(source, path)
		if err != nil {
			// One bad file must not abort the corpus pass.
			ix.logger.Warn("recall: index file failed", "path", path, "error", err)
			return nil
		}
		if changed {
			stats.Indexed++
		} else {
			stats.Skipped++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	known, err := ix.store.Sources()
	if err != nil {
		return stats, err
	}
	for source := range known {
		if !seen[source] {
			if err := ix.store.RemoveSource(source); err != nil {
				ix.logger.Warn("recall: remove vanished source failed", "source", source, "error", err)
				continue
			}
			stats.Removed++
		}
	}

	embedded, err := ix.EmbedMissing(ctx, 100)
	stats.Embedded = embedded
	return stats, err
}

// IndexFile reindexes a single file under the corpus root.
func (ix *Index) IndexFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	_, err = ix.indexFile(SourceTag(ix.root, abs), abs)
	return err
}

// indexFile fingerprints one file and swaps its chunks when changed.
// Returns whether a reindex happened.
func (ix *Index) indexFile(source, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	sum := sha256.Sum256(data)
	fingerprint := hex.EncodeToString(sum[:])

	stored, err := ix.store.Fingerprint(source)
	if err != nil {
		return false, err
	}
	if stored == fingerprint {
		return false, nil
	}

	chunks := ChunkMarkdown(source, string(data))
	if err := ix.store.ReplaceSource(source, fingerprint, chunks); err != nil {
		return false, err
	}
	ix.logger.Debug("recall: reindexed source", "source", source, "chunks", len(chunks))
	return true, nil
}

// EmbedMissing generates embeddings for chunks that lack one, in
// batches. A failure on one chunk is logged and skipped; the batch
// continues.
func (ix *Index) EmbedMissing(ctx context.Context, batchSize int) (int, error) {
	if ix.embedder == nil {
		return 0, nil
	}
	total := 0
	for {
		chunks, err := ix.store.ChunksMissingEmbeddings(batchSize)
		if err != nil {
			return total, err
		}
		if len(chunks) == 0 {
			return total, nil
		}
		progressed := false
		for _, c := range chunks {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			text := c.Title + "\n" + c.Content
			emb, err := ix.embedder.Generate(ctx, text)
			if err != nil {
				ix.logger.Warn("recall: embedding failed", "chunk", c.ID, "source", c.Source, "error", err)
				continue
			}
			if err := ix.store.SetEmbedding(c.ID, emb); err != nil {
				ix.logger.Warn("recall: store embedding failed", "chunk", c.ID, "error", err)
				continue
			}
			total++
			progressed = true
		}
		if !progressed {
			// Every chunk in the batch failed; trying again would loop forever.
			return total, nil
		}
	}
}

// SourceTag derives the stable source tag for a file under root:
// "journal:2026/02-03" for journal/2026/02-03.md, "memory:user" for a
// root-level USER.md.
func SourceTag(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))

	dir, rest, found := strings.Cut(rel, "/")
	if !found {
		return "memory:" + strings.ToLower(dir)
	}
	return dir + ":" + rest
}

// FullContent returns the raw file body for a source tag. The resolved
// path must stay under the corpus root; anything escaping it is
// rejected before any read happens.
func (ix *Index) FullContent(source string) (string, error) {
	prefix, rest, found := strings.Cut(source, ":")
	if !found {
		return "", fmt.Errorf("invalid source %q", source)
	}

	var rel string
	if prefix == "memory" {
		rel = strings.ToUpper(rest) + ".md"
	} else {
		rel = filepath.Join(prefix, filepath.FromSlash(rest)+".md")
	}

	rootAbs, err := filepath.Abs(ix.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(filepath.Join(rootAbs, rel))
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("source %q escapes corpus root", source)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
