// Package registry implements the capability registry: it loads
// agent descriptors from disk, computes and caches their embeddings, and
// answers nearest-neighbor "find the agent for this task" queries plus
// direct descriptor lookups by resource URI.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lyzr/agentfleet/common/cache"
	"github.com/lyzr/agentfleet/common/logger"
	"github.com/lyzr/agentfleet/internal/llmclient"
	"github.com/lyzr/agentfleet/internal/model"
	"github.com/lyzr/agentfleet/internal/schema"
)

// ResourceURIPrefix is the fixed scheme+host every descriptor's URI is
// rendered under.
const ResourceURIPrefix = "resource://agent_cards/"

// row is one loaded descriptor plus its embedding.
type row struct {
	uri        string
	descriptor model.AgentDescriptor
	embedding  []float32
}

// Registry is the capability registry: an immutable, append-only index
// built once at Load and safe for concurrent readers thereafter.
type Registry struct {
	rows     []row
	byURI    map[string]int
	embedder llmclient.Embedder
	validate *schema.DescriptorValidator
	cache    cache.Cache
	cacheTTL time.Duration
	dim      int
	log      *logger.Logger
}

// New creates an empty registry. Call Load to populate it from disk.
// dim is the embedding vector width every row must carry; 0 disables
// the width check.
func New(embedder llmclient.Embedder, validator *schema.DescriptorValidator, c cache.Cache, cacheTTL time.Duration, dim int, log *logger.Logger) *Registry {
	return &Registry{
		byURI:    make(map[string]int),
		embedder: embedder,
		validate: validator,
		cache:    c,
		cacheTTL: cacheTTL,
		dim:      dim,
		log:      log,
	}
}

// Load scans dir non-recursively for descriptor files. Malformed or
// schema-invalid files are skipped with a warning, never fatal. An empty
// or missing directory yields an empty index.
func (r *Registry) Load(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Warn("descriptor directory does not exist, registry will be empty", "dir", dir)
			return nil
		}
		return fmt.Errorf("read descriptor directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			r.log.Warn("skipping unreadable descriptor file", "path", path, "error", err)
			continue
		}

		if err := r.validate.Validate(raw); err != nil {
			r.log.Warn("skipping malformed descriptor file", "path", path, "error", err)
			continue
		}

		var desc model.AgentDescriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			r.log.Warn("skipping unparseable descriptor file", "path", path, "error", err)
			continue
		}

		slug := slugify(entry.Name())
		uri := ResourceURIPrefix + slug

		embedding, err := r.embed(ctx, llmclient.TaskTypeDocument, desc.Canonical())
		if err != nil {
			r.log.Warn("skipping descriptor: embedding failed", "path", path, "error", err)
			continue
		}
		if r.dim > 0 && len(embedding) != r.dim {
			r.log.Warn("skipping descriptor: embedding width mismatch", "path", path, "got", len(embedding), "want", r.dim)
			continue
		}

		r.byURI[uri] = len(r.rows)
		r.rows = append(r.rows, row{uri: uri, descriptor: desc, embedding: embedding})

		r.log.Info("loaded agent descriptor", "uri", uri, "name", desc.Name)
	}

	return nil
}

// embed computes (or fetches from cache) an embedding for text under the
// given task type. Caching is keyed by a hash of the canonical string form
// so reloading unchanged descriptors does not re-embed them while their
// entries are still cached (entries expire after cacheTTL).
func (r *Registry) embed(ctx context.Context, taskType llmclient.TaskType, text string) ([]float32, error) {
	key := cacheKey(taskType, text)

	if r.cache != nil {
		if cached, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			vec, derr := decodeVector(cached)
			if derr == nil {
				return vec, nil
			}
		}
	}

	vec, err := r.embedder.Embed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if encoded, err := encodeVector(vec); err == nil {
			_ = r.cache.Set(ctx, key, encoded, r.cacheTTL)
		}
	}

	return vec, nil
}

func cacheKey(taskType llmclient.TaskType, text string) string {
	sum := sha256.Sum256([]byte(string(taskType) + "|" + text))
	return "embedding:" + hex.EncodeToString(sum[:])
}

func encodeVector(vec []float32) ([]byte, error) {
	return json.Marshal(vec)
}

func decodeVector(data []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// Find computes an embedding for query (as a query-type embedding) and
// returns the descriptor row maximizing dot product similarity against the
// stored embeddings. Ties are broken by ascending row index. An empty
// index reports "not found" via ok=false.
func (r *Registry) Find(ctx context.Context, query string) (model.AgentDescriptor, string, bool, error) {
	if len(r.rows) == 0 {
		return model.AgentDescriptor{}, "", false, nil
	}

	qvec, err := r.embed(ctx, llmclient.TaskTypeQuery, query)
	if err != nil {
		return model.AgentDescriptor{}, "", false, fmt.Errorf("embed query: %w", err)
	}
	if r.dim > 0 && len(qvec) != r.dim {
		return model.AgentDescriptor{}, "", false, fmt.Errorf("query embedding has width %d, want %d", len(qvec), r.dim)
	}

	bestIdx := -1
	bestScore := math.Inf(-1)

	for i, row := range r.rows {
		score := dot(qvec, row.embedding)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return model.AgentDescriptor{}, "", false, nil
	}

	best := r.rows[bestIdx]
	return best.descriptor, best.uri, true, nil
}

// Resource returns the descriptor stored at the given resource URI.
func (r *Registry) Resource(uri string) (model.AgentDescriptor, bool) {
	idx, ok := r.byURI[uri]
	if !ok {
		return model.AgentDescriptor{}, false
	}
	return r.rows[idx].descriptor, true
}

// List returns every resource URI in the index, sorted ascending.
func (r *Registry) List() []string {
	uris := make([]string, 0, len(r.rows))
	for _, row := range r.rows {
		uris = append(uris, row.uri)
	}
	sort.Strings(uris)
	return uris
}

// Len reports how many descriptors are indexed.
func (r *Registry) Len() int {
	return len(r.rows)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// slugify derives a URI slug from a descriptor filename: strip the
// extension and lowercase the remainder.
func slugify(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	return strings.ToLower(base)
}
