package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/embeddings"
)

const collectionName = "sessions"

// Config locates the history index.
type Config struct {
	// Path is the chromem-go persistence directory.
	Path string `koanf:"path"`
	// Compress enables gzip for persisted documents.
	Compress bool `koanf:"compress"`
	// ChunkChars is the target snippet size when indexing.
	ChunkChars int `koanf:"chunk_chars"`
	// Limit is the default number of hits.
	Limit int `koanf:"limit"`
	// Timeout is the default per-search deadline.
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultConfig returns the default history settings for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, ChunkChars: 800, Limit: 10, Timeout: 5 * time.Second}
}

// Session is one transcript to index.
type Session struct {
	Path      string
	Timestamp time.Time
	Text      string
}

// Index is a chromem-go backed Searcher.
type Index struct {
	cfg      Config
	provider embeddings.Provider
	logger   *zap.Logger

	mu sync.Mutex
	db *chromem.DB
}

// Open returns an index at cfg.Path. The directory is only created by
// IndexSessions, so a missing index reports ReasonNotFound on search.
func Open(cfg Config, provider embeddings.Provider, logger *zap.Logger) (*Index, error) {
	if cfg.Path == "" {
		return nil, errors.New("history index path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkChars <= 0 {
		cfg.ChunkChars = 800
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	ix := &Index{cfg: cfg, provider: provider, logger: logger}

	if _, err := os.Stat(cfg.Path); err == nil {
		db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening history index: %w", err)
		}
		ix.db = db
	}
	return ix, nil
}

func (ix *Index) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return ix.provider.Embed(ctx, text)
	}
}

// IndexSessions chunks and embeds transcripts. Re-indexing a session
// replaces chunks with the same ids.
func (ix *Index) IndexSessions(ctx context.Context, sessions []Session) (int, error) {
	if embeddings.IsDisabled(ix.provider) {
		return 0, fmt.Errorf("indexing history: %w", embeddings.ErrDisabled)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.db == nil {
		db, err := chromem.NewPersistentDB(ix.cfg.Path, ix.cfg.Compress)
		if err != nil {
			return 0, fmt.Errorf("creating history index: %w", err)
		}
		ix.db = db
	}
	col, err := ix.db.GetOrCreateCollection(collectionName, nil, ix.embeddingFunc())
	if err != nil {
		return 0, fmt.Errorf("getting collection: %w", err)
	}

	var (
		docs  []chromem.Document
		texts []string
	)
	for _, s := range sessions {
		for i, chunk := range Chunk(s.Text, ix.cfg.ChunkChars) {
			docs = append(docs, chromem.Document{
				ID:      chunkID(s.Path, i),
				Content: chunk,
				Metadata: map[string]string{
					"session":   s.Path,
					"timestamp": s.Timestamp.UTC().Format(time.RFC3339),
				},
			})
			texts = append(texts, chunk)
		}
	}
	if len(docs) == 0 {
		return 0, nil
	}

	vectors, err := ix.provider.BatchEmbed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding session chunks: %w", err)
	}
	for i := range docs {
		docs[i].Embedding = vectors[i]
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return 0, fmt.Errorf("adding session chunks: %w", err)
	}

	ix.logger.Info("indexed sessions",
		zap.Int("sessions", len(sessions)),
		zap.Int("chunks", len(docs)))
	return len(docs), nil
}

// SearchHistory returns the snippets most similar to query.
func (ix *Index) SearchHistory(ctx context.Context, query string, opts Options) Result {
	if embeddings.IsDisabled(ix.provider) {
		return unavailable(ReasonDisabled, "embeddings are disabled")
	}
	ix.mu.Lock()
	db := ix.db
	ix.mu.Unlock()
	if db == nil {
		return unavailable(ReasonNotFound, ix.cfg.Path)
	}
	col := db.GetCollection(collectionName, ix.embeddingFunc())
	if col == nil || col.Count() == 0 {
		return unavailable(ReasonIndexMissing, "no sessions indexed")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = ix.cfg.Limit
	}
	limit = min(limit, col.Count())
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = ix.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := col.Query(ctx, query, limit, nil, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return unavailable(ReasonTimeout, err.Error())
		}
		ix.logger.Warn("history search failed", zap.Error(err))
		return unavailable(ReasonError, err.Error())
	}

	hits := make([]Hit, 0, len(res))
	for _, r := range res {
		ts, _ := time.Parse(time.RFC3339, r.Metadata["timestamp"])
		hits = append(hits, Hit{
			SessionPath: r.Metadata["session"],
			Snippet:     r.Content,
			Score:       float64(r.Similarity),
			Timestamp:   ts,
		})
	}
	return Result{Hits: hits}
}

// Chunk splits text on blank lines into snippets of at most maxChars,
// splitting oversized paragraphs on whitespace.
func Chunk(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 800
	}
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > maxChars {
			flush()
		}
		for len(para) > maxChars {
			cut := strings.LastIndexAny(para[:maxChars], " \n\t")
			if cut <= 0 {
				cut = maxChars
				for cut > 0 && !utf8.RuneStart(para[cut]) {
					cut--
				}
				if cut == 0 {
					_, cut = utf8.DecodeRuneInString(para)
				}
			}
			flush()
			out = append(out, strings.TrimSpace(para[:cut]))
			para = strings.TrimSpace(para[cut:])
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}

func chunkID(path string, i int) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8]) + "-" + strconv.Itoa(i)
}
