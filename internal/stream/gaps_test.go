package stream

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
)

func TestClosestPostNumberForClipsToLoadedRange(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())
	s.StorePost(makePost(10, 4))
	s.StorePost(makePost(11, 7))
	s.StorePost(makePost(12, 12))

	closest, ok := s.ClosestPostNumberFor(8)
	if !ok || closest != 7 {
		t.Fatalf("expected closest 7, got %d (ok=%v)", closest, ok)
	}
	closest, ok = s.ClosestPostNumberFor(100)
	if !ok || closest != 12 {
		t.Fatalf("out-of-range lookup should clip to 12, got %d", closest)
	}
	closest, ok = s.ClosestPostNumberFor(1)
	if !ok || closest != 4 {
		t.Fatalf("out-of-range lookup should clip to 4, got %d", closest)
	}
}

func TestClosestPostNumberForEmptyStream(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())
	if _, ok := s.ClosestPostNumberFor(3); ok {
		t.Fatalf("expected no result with nothing loaded")
	}
}

func TestClosestDaysAgoForUsesClosestLoadedPost(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())
	post := makePost(10, 4)
	s.StorePost(post)

	daysAgo, ok := s.ClosestDaysAgoFor(400)
	if !ok {
		t.Fatalf("expected a result")
	}
	expected := int(s.clock().UTC().Sub(post.CreatedAt).Hours() / 24)
	if daysAgo != expected {
		t.Fatalf("expected %d days ago, got %d", expected, daysAgo)
	}
}

func TestFindPostIDForPostNumberWithoutGaps(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())
	s.SetStream([]topic.PostID{10, 11, 12})

	id, ok := s.FindPostIDForPostNumber(2)
	if !ok || id != 11 {
		t.Fatalf("expected id 11 at position 2, got %d (ok=%v)", id, ok)
	}
	if _, ok := s.FindPostIDForPostNumber(9); ok {
		t.Fatalf("expected no id past the stream end")
	}
}

func TestFindPostIDForPostNumberAccountsForBeforeGaps(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())
	s.SetStream([]topic.PostID{10, 14, 15})
	s.SetGaps(Gaps{Before: map[topic.PostID][]topic.PostID{
		14: {11, 12, 13},
	}})

	// Positions: 10 -> 1, gap members occupy 2..4, so 14 -> 5 and 15 -> 6.
	id, ok := s.FindPostIDForPostNumber(5)
	if !ok || id != 14 {
		t.Fatalf("expected gap-shifted id 14 at position 5, got %d (ok=%v)", id, ok)
	}
	id, ok = s.FindPostIDForPostNumber(6)
	if !ok || id != 15 {
		t.Fatalf("expected id 15 at position 6, got %d (ok=%v)", id, ok)
	}
	if _, ok := s.FindPostIDForPostNumber(3); ok {
		t.Fatalf("positions inside an unexpanded gap resolve to no stream id")
	}
}

func TestFillGapBeforeSplicesPartialResult(t *testing.T) {
	fetcher := newFakeFetcher()
	// Nine identifiers announced in the gap, only five still visible.
	fetcher.serve(makePost(101, 2), makePost(103, 4), makePost(105, 6), makePost(106, 7), makePost(108, 9))
	s, _ := newTestStream(t, fetcher)
	s.SetStream([]topic.PostID{100, 110, 111})
	anchor := s.StorePost(makePost(110, 11))
	gapIDs := []topic.PostID{101, 102, 103, 104, 105, 106, 107, 108, 109}
	s.SetGaps(Gaps{Before: map[topic.PostID][]topic.PostID{110: gapIDs}})

	if err := s.FillGapBefore(context.Background(), anchor, gapIDs); err != nil {
		t.Fatalf("unexpected gap fill error: %v", err)
	}

	ids := s.StreamIDs()
	expected := []topic.PostID{100, 101, 103, 105, 106, 108, 110, 111}
	if len(ids) != len(expected) {
		t.Fatalf("expected stream %v, got %v", expected, ids)
	}
	for index, id := range expected {
		if ids[index] != id {
			t.Fatalf("expected stream %v, got %v", expected, ids)
		}
	}
	if ids[6] != 110 {
		t.Fatalf("anchor must sit directly after the last spliced id, got %v", ids)
	}
	if _, ok := s.GapTable().Before[110]; ok {
		t.Fatalf("filled gap should be cleared from the gap table")
	}
}

func TestFillGapBeforeRejectsUnknownAnchor(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())
	s.SetStream([]topic.PostID{1, 2})
	orphan := makePost(99, 50)

	if err := s.FillGapBefore(context.Background(), orphan, nil); err == nil {
		t.Fatalf("expected error for anchor missing from stream")
	}
}

func TestFillGapAfterSplicesBehindAnchor(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.serve(makePost(21, 3), makePost(22, 4))
	s, _ := newTestStream(t, fetcher)
	s.SetStream([]topic.PostID{10, 20, 30})
	anchor := s.StorePost(makePost(20, 2))
	s.SetGaps(Gaps{After: map[topic.PostID][]topic.PostID{20: {21, 22}}})

	if err := s.FillGapAfter(context.Background(), anchor, []topic.PostID{21, 22}); err != nil {
		t.Fatalf("unexpected gap fill error: %v", err)
	}
	ids := s.StreamIDs()
	expected := []topic.PostID{10, 20, 21, 22, 30}
	for index, id := range expected {
		if ids[index] != id {
			t.Fatalf("expected stream %v, got %v", expected, ids)
		}
	}
}
