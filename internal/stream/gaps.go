package stream

import (
	"context"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"go.uber.org/zap"
)

// GapTable returns the current gap table.
func (s *Stream) GapTable() Gaps {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gaps
}

// ClosestPostNumberFor returns the loaded post number nearest to the
// requested one, clipping to the loaded range. The second return value is
// false when nothing is loaded.
func (s *Stream) ClosestPostNumberFor(postNumber int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closest := 0
	found := false
	for _, post := range s.identity {
		if !found || distance(post.PostNumber, postNumber) < distance(closest, postNumber) {
			closest = post.PostNumber
			found = true
		}
	}
	return closest, found
}

// ClosestDaysAgoFor returns how many days ago the post closest to the
// requested post number was created, clipping to the loaded range.
func (s *Stream) ClosestDaysAgoFor(postNumber int) (int, bool) {
	closest, ok := s.ClosestPostNumberFor(postNumber)
	if !ok {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, post := range s.identity {
		if post.PostNumber == closest {
			days := int(s.clock().UTC().Sub(post.CreatedAt.UTC()).Hours() / 24)
			if days < 0 {
				days = 0
			}
			return days, true
		}
	}
	return 0, false
}

// FindPostIDForPostNumber maps a post number to the stream identifier at
// that logical position, counting members of "before" gaps so a gap ahead of
// an anchor shifts the positions that follow it.
func (s *Stream) FindPostIDForPostNumber(postNumber int) (topic.PostID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := 1
	for _, id := range s.ids {
		if before, ok := s.gaps.Before[id]; ok {
			sum += len(before)
		}
		if sum == postNumber {
			return id, true
		}
		sum++
	}
	return 0, false
}

// FillGapBefore fetches the gap members ahead of the anchor post and splices
// however many the server returned into the stream immediately before the
// anchor, preserving their order. A partial result still leaves the anchor
// directly after the last spliced identifier.
func (s *Stream) FillGapBefore(ctx context.Context, anchor *topic.Post, gapIDs []topic.PostID) error {
	if anchor == nil {
		return newStreamError(opFillGapBefore, reasonMissingPost, errMissingPost)
	}

	posts, err := s.FindPostsByIDs(ctx, gapIDs)
	if err != nil {
		return newStreamError(opFillGapBefore, reasonFetchFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	anchorIndex := s.indexOfLocked(anchor.ID)
	if anchorIndex < 0 {
		return newStreamError(opFillGapBefore, reasonAnchorNotInStream, nil)
	}

	spliced := make([]topic.PostID, 0, len(posts))
	for _, post := range posts {
		if s.indexOfLocked(post.ID) < 0 {
			spliced = append(spliced, post.ID)
		}
	}

	ids := make([]topic.PostID, 0, len(s.ids)+len(spliced))
	ids = append(ids, s.ids[:anchorIndex]...)
	ids = append(ids, spliced...)
	ids = append(ids, s.ids[anchorIndex:]...)
	s.ids = ids

	delete(s.gaps.Before, anchor.ID)
	s.logger.Debug("filled gap before anchor",
		zap.Int64("topic_id", s.topic.ID),
		zap.Int64("anchor_post_id", int64(anchor.ID)),
		zap.Int("requested", len(gapIDs)),
		zap.Int("spliced", len(spliced)))
	s.recomputeLocked()
	return nil
}

// FillGapAfter fetches the gap members behind the anchor post and splices
// the returned identifiers into the stream immediately after it.
func (s *Stream) FillGapAfter(ctx context.Context, anchor *topic.Post, gapIDs []topic.PostID) error {
	if anchor == nil {
		return newStreamError(opFillGapAfter, reasonMissingPost, errMissingPost)
	}

	posts, err := s.FindPostsByIDs(ctx, gapIDs)
	if err != nil {
		return newStreamError(opFillGapAfter, reasonFetchFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	anchorIndex := s.indexOfLocked(anchor.ID)
	if anchorIndex < 0 {
		return newStreamError(opFillGapAfter, reasonAnchorNotInStream, nil)
	}

	spliced := make([]topic.PostID, 0, len(posts))
	for _, post := range posts {
		if s.indexOfLocked(post.ID) < 0 {
			spliced = append(spliced, post.ID)
		}
	}

	ids := make([]topic.PostID, 0, len(s.ids)+len(spliced))
	ids = append(ids, s.ids[:anchorIndex+1]...)
	ids = append(ids, spliced...)
	ids = append(ids, s.ids[anchorIndex+1:]...)
	s.ids = ids

	delete(s.gaps.After, anchor.ID)
	s.recomputeLocked()
	return nil
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
