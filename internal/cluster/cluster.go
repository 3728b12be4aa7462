// Package cluster groups related feedback into cases using similarity
// search. An item joins the first case held by one of its nearest
// neighbors, or starts a new case with them.
//
// Concurrent instances may each miss the other's case and create two cases
// for one topic. That outcome is accepted; there is no cross-instance lock.
package cluster

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/search"
)

const (
	// DefaultNeighbors is how many similar items a lookup asks for.
	DefaultNeighbors = 10

	// TitleMaxRunes caps a derived case title, marker included.
	TitleMaxRunes = 50

	titleMarker = "…"
)

// Attachment reports where a feedback item ended up.
type Attachment struct {
	CaseID  int64 `json:"caseId"`
	Created bool  `json:"created"`
	Linked  int   `json:"linked"`
}

// Clusterer attaches feedback to cases.
type Clusterer struct {
	store    feedback.Store
	searcher search.Searcher
	logger   log.Logger
}

// New creates a Clusterer.
func New(store feedback.Store, searcher search.Searcher, logger log.Logger) *Clusterer {
	if store == nil {
		panic(xerrors.New("feedback store is required"))
	}
	if searcher == nil {
		panic(xerrors.New("searcher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Clusterer{store: store, searcher: searcher, logger: logger}
}

// ExpandFromSeed creates a case holding the seed and its nearest neighbors.
// An empty title is derived from the seed's content. It returns
// feedback.ErrNotFound if the seed does not exist.
func (c *Clusterer) ExpandFromSeed(ctx context.Context, seedID int64, title string, limit int) (*Attachment, error) {
	seed, ok, err := c.store.GetFeedback(ctx, seedID)
	if err != nil {
		return nil, fmt.Errorf("get seed %d: %w", seedID, err)
	}
	if !ok {
		return nil, fmt.Errorf("seed %d: %w", seedID, feedback.ErrNotFound)
	}
	if limit <= 0 {
		limit = DefaultNeighbors
	}

	matches, err := c.searcher.Query(ctx, seed.Content, limit)
	if err != nil {
		return nil, fmt.Errorf("query neighbors of %d: %w", seedID, err)
	}
	if title == "" {
		title = Title(seed.Content)
	}

	ids := append([]int64{seedID}, NeighborIDs(matches, seedID)...)
	return c.createWith(ctx, title, ids)
}

// AttachToCase looks up the neighbors of a new item and attaches it.
func (c *Clusterer) AttachToCase(ctx context.Context, feedbackID int64, content string) (*Attachment, error) {
	matches, err := c.searcher.Query(ctx, content, DefaultNeighbors)
	if err != nil {
		return nil, fmt.Errorf("query neighbors of %d: %w", feedbackID, err)
	}
	return c.Attach(ctx, feedbackID, content, matches)
}

// Attach places feedbackID using neighbors that were already fetched.
// Neighbors are walked in rank order and the first one that belongs to a
// case decides: the item joins that neighbor's lowest-numbered case. If no
// neighbor has a case, a new case is created from the item and all of its
// valid neighbors.
func (c *Clusterer) Attach(ctx context.Context, feedbackID int64, content string, neighbors []search.Match) (*Attachment, error) {
	ids := NeighborIDs(neighbors, feedbackID)

	for _, nid := range ids {
		caseIDs, err := c.store.CaseIDsForFeedback(ctx, nid)
		if err != nil {
			return nil, fmt.Errorf("cases for feedback %d: %w", nid, err)
		}
		if len(caseIDs) == 0 {
			continue
		}
		if err := c.store.LinkFeedback(ctx, caseIDs[0], feedbackID); err != nil {
			return nil, fmt.Errorf("link %d to case %d: %w", feedbackID, caseIDs[0], err)
		}
		c.logger.Info(ctx, "feedback attached to case",
			"feedback_id", feedbackID,
			"case_id", caseIDs[0],
			"via", nid,
		)
		return &Attachment{CaseID: caseIDs[0], Linked: 1}, nil
	}

	return c.createWith(ctx, Title(content), append([]int64{feedbackID}, ids...))
}

func (c *Clusterer) createWith(ctx context.Context, title string, ids []int64) (*Attachment, error) {
	cs, err := c.store.CreateCase(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	for _, id := range ids {
		if err := c.store.LinkFeedback(ctx, cs.ID, id); err != nil {
			return nil, fmt.Errorf("link %d to case %d: %w", id, cs.ID, err)
		}
	}
	c.logger.Info(ctx, "case created", "case_id", cs.ID, "linked", len(ids))
	return &Attachment{CaseID: cs.ID, Created: true, Linked: len(ids)}, nil
}

// NeighborIDs keeps the match ids that parse as positive integers, drops
// self and duplicates, and preserves rank order.
func NeighborIDs(matches []search.Match, self int64) []int64 {
	seen := map[int64]bool{self: true}
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.ParseInt(strings.TrimSpace(m.ID), 10, 64)
		if err != nil || id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Title derives a case title from content: at most TitleMaxRunes runes,
// ending in "…" only when content was cut.
func Title(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) <= TitleMaxRunes {
		return string(r)
	}
	return string(r[:TitleMaxRunes-1]) + titleMarker
}
