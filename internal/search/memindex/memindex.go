// Package memindex is an in-process search.Searcher that ranks documents
// by word overlap with the query. Suitable for dev/testing.
package memindex

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/linnemanlabs/sift/internal/search"
)

type document struct {
	terms    map[string]struct{}
	metadata map[string]string
	seq      int
}

// Index holds tokenized documents in memory.
type Index struct {
	mu   sync.RWMutex
	docs map[string]*document
	seq  int
}

var _ search.Searcher = (*Index)(nil)

// New creates an empty Index.
func New() *Index {
	return &Index{docs: make(map[string]*document)}
}

// Index adds or replaces the document for id.
func (x *Index) Index(_ context.Context, id, text string, metadata map[string]string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seq++
	x.docs[id] = &document{terms: terms(text), metadata: maps.Clone(metadata), seq: x.seq}
	return nil
}

// Query returns up to topK documents sharing at least one word with text,
// ranked by Jaccard similarity. Ties go to the earlier-indexed document.
func (x *Index) Query(_ context.Context, text string, topK int) ([]search.Match, error) {
	q := terms(text)
	if len(q) == 0 || topK <= 0 {
		return []search.Match{}, nil
	}

	x.mu.RLock()
	type scored struct {
		id    string
		score float64
		seq   int
		meta  map[string]string
	}
	var hits []scored
	for id, d := range x.docs {
		shared := 0
		for t := range q {
			if _, ok := d.terms[t]; ok {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		union := len(q) + len(d.terms) - shared
		hits = append(hits, scored{id: id, score: float64(shared) / float64(union), seq: d.seq, meta: maps.Clone(d.metadata)})
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].seq < hits[j].seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]search.Match, len(hits))
	for i, h := range hits {
		out[i] = search.Match{ID: h.id, Score: h.score, Metadata: h.meta}
	}
	return out, nil
}

// stopwords carry no topical signal for feedback text.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {},
	"for": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {}, "me": {}, "my": {},
	"of": {}, "on": {}, "or": {}, "so": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"was": {}, "we": {}, "with": {}, "you": {},
}

func terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
