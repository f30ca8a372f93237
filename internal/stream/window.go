package stream

import (
	"context"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"go.uber.org/zap"
)

// NextWindow returns up to windowSize unloaded identifiers immediately after
// the loaded region, clipped at the end of the stream. It is empty when
// nothing is loaded yet or the boundary has been reached.
func (s *Stream) NextWindow() []topic.PostID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextWindowLocked()
}

// PreviousWindow returns up to windowSize unloaded identifiers immediately
// before the loaded region, clipped at the start of the stream.
func (s *Stream) PreviousWindow() []topic.PostID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previousWindowLocked()
}

func (s *Stream) nextWindowLocked() []topic.PostID {
	lastIndex := -1
	for index, id := range s.ids {
		if _, ok := s.identity[id]; ok {
			lastIndex = index
		}
	}
	if lastIndex < 0 || lastIndex >= len(s.ids)-1 {
		return nil
	}
	end := lastIndex + 1 + s.windowSize
	if end > len(s.ids) {
		end = len(s.ids)
	}
	return s.unloadedLocked(s.ids[lastIndex+1 : end])
}

func (s *Stream) previousWindowLocked() []topic.PostID {
	firstIndex := -1
	for index, id := range s.ids {
		if _, ok := s.identity[id]; ok {
			firstIndex = index
			break
		}
	}
	if firstIndex <= 0 {
		return nil
	}
	start := firstIndex - s.windowSize
	if start < 0 {
		start = 0
	}
	return s.unloadedLocked(s.ids[start:firstIndex])
}

// LoadIntoIdentityMap materializes the requested identifiers. Already-loaded
// identifiers are not refetched; the remainder is fetched in one batched
// request. The returned posts preserve the requested order, silently
// dropping identifiers the server no longer serves. An empty request
// resolves immediately without touching the network.
func (s *Stream) LoadIntoIdentityMap(ctx context.Context, requested []topic.PostID) ([]*topic.Post, error) {
	if len(requested) == 0 {
		return []*topic.Post{}, nil
	}

	s.mu.Lock()
	missing := s.unloadedLocked(requested)
	topicID := s.topic.ID
	s.mu.Unlock()

	if len(missing) > 0 {
		fetched, err := s.fetcher.FetchByIDs(ctx, topicID, missing)
		if err != nil {
			return nil, newStreamError(opLoadIntoIdentityMap, reasonFetchFailed, err)
		}
		s.mu.Lock()
		for _, post := range fetched {
			s.storePostLocked(post)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*topic.Post, 0, len(requested))
	for _, id := range requested {
		if post, ok := s.identity[id]; ok {
			result = append(result, post)
		}
	}
	return result, nil
}

// FindPostsByIDs returns materialized posts for the given identifier list,
// including identifiers that belong to a gap, with the same dedupe-and-merge
// contract as LoadIntoIdentityMap.
func (s *Stream) FindPostsByIDs(ctx context.Context, ids []topic.PostID) ([]*topic.Post, error) {
	return s.LoadIntoIdentityMap(ctx, ids)
}

// AppendMore loads the next window below the loaded region. It is a no-op
// when a load below is already in flight or the stream boundary has been
// reached.
func (s *Stream) AppendMore(ctx context.Context) error {
	s.mu.Lock()
	if s.loadingBelow || s.loadedAll {
		s.mu.Unlock()
		return nil
	}
	window := s.nextWindowLocked()
	if len(window) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.loadingBelow = true
	s.mu.Unlock()

	posts, err := s.LoadIntoIdentityMap(ctx, window)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingBelow = false
	if err != nil {
		return newStreamError(opAppendMore, reasonFetchFailed, err)
	}
	if len(posts) > 0 {
		s.lastAppended = posts[len(posts)-1]
	}
	s.logger.Debug("appended stream window",
		zap.Int64("topic_id", s.topic.ID),
		zap.Int("requested", len(window)),
		zap.Int("loaded", len(posts)))
	s.recomputeLocked()
	return nil
}

// PrependMore loads the previous window above the loaded region.
func (s *Stream) PrependMore(ctx context.Context) error {
	s.mu.Lock()
	if s.loadingAbove {
		s.mu.Unlock()
		return nil
	}
	window := s.previousWindowLocked()
	if len(window) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.loadingAbove = true
	s.mu.Unlock()

	_, err := s.LoadIntoIdentityMap(ctx, window)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingAbove = false
	if err != nil {
		return newStreamError(opPrependMore, reasonFetchFailed, err)
	}
	s.logger.Debug("prepended stream window",
		zap.Int64("topic_id", s.topic.ID),
		zap.Int("requested", len(window)))
	s.recomputeLocked()
	return nil
}
