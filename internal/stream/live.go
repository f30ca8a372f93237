package stream

import (
	"context"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"go.uber.org/zap"
)

// ViewerContext carries the viewing user's identity and ignore set into a
// live merge. It is passed explicitly; the engine holds no ambient
// current-user state.
type ViewerContext struct {
	Username         string
	IgnoredUsernames map[string]struct{}
}

// NewViewerContext builds a ViewerContext from a user profile.
func NewViewerContext(user topic.User) ViewerContext {
	ignored := make(map[string]struct{}, len(user.IgnoredUsernames))
	for _, username := range user.IgnoredUsernames {
		ignored[username] = struct{}{}
	}
	return ViewerContext{Username: user.Username, IgnoredUsernames: ignored}
}

// Ignores reports whether the viewer has muted the given author.
func (v ViewerContext) Ignores(username string) bool {
	_, ok := v.IgnoredUsernames[username]
	return ok
}

// TriggerNewPostsInStream merges externally announced post identifiers into
// the stream. The merge is idempotent: an identifier already present, for
// example because it was just committed from local staging, is not counted
// again. Posts by authors on the viewer's ignore list are fetched once so
// their identifiers stop being re-announced, but stay out of the stream
// index.
func (s *Stream) TriggerNewPostsInStream(ctx context.Context, ids []topic.PostID, viewer ViewerContext) error {
	s.mu.Lock()
	incoming := make([]topic.PostID, 0, len(ids))
	for _, id := range ids {
		if s.indexOfLocked(id) >= 0 {
			continue
		}
		if _, seen := s.excluded[id]; seen {
			continue
		}
		incoming = append(incoming, id)
	}
	s.mu.Unlock()

	if len(incoming) == 0 {
		return nil
	}

	posts, err := s.FindPostsByIDs(ctx, incoming)
	if err != nil {
		return newStreamError(opTriggerNewPosts, reasonFetchFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	returned := make(map[topic.PostID]struct{}, len(posts))
	for _, post := range posts {
		returned[post.ID] = struct{}{}
		if s.staged != nil && post.StageKey != "" && post.StageKey == s.staged.StageKey {
			// Our own staged post echoed back before the local commit ran;
			// the commit owns inserting it.
			delete(s.identity, post.ID)
			continue
		}
		if viewer.Ignores(post.Username) {
			// Learned the identifier; the post itself stays invisible.
			s.excluded[post.ID] = struct{}{}
			delete(s.identity, post.ID)
			continue
		}
		if s.indexOfLocked(post.ID) < 0 {
			s.ids = append(s.ids, post.ID)
		}
		if s.topic.MegaTopic {
			if post.PostNumber > s.topic.HighestPostNumber {
				s.topic.HighestPostNumber = post.PostNumber
			}
			if post.ID > s.lastID {
				s.lastID = post.ID
			}
		}
	}

	// Identifiers the server no longer serves are remembered so a repeat
	// announcement is a no-op.
	for _, id := range incoming {
		if _, ok := returned[id]; !ok {
			s.excluded[id] = struct{}{}
		}
	}

	s.recomputeLocked()
	s.logger.Debug("merged live-announced posts",
		zap.Int64("topic_id", s.topic.ID),
		zap.Int("announced", len(ids)),
		zap.Int("merged", len(posts)))
	return nil
}

// TriggerRecoveredPost fetches a previously removed post and splices it back
// into the stream at its ordered position, growing the placeholder view by
// one.
func (s *Stream) TriggerRecoveredPost(ctx context.Context, id topic.PostID) error {
	s.mu.Lock()
	if s.indexOfLocked(id) >= 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	post, err := s.fetcher.FetchPost(ctx, id)
	if err != nil {
		return newStreamError(opTriggerRecovered, reasonFetchFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.excluded, id)
	stored := s.storePostLocked(post)

	insertAt := len(s.ids)
	for index, existing := range s.ids {
		if existing > stored.ID {
			insertAt = index
			break
		}
	}
	s.ids = append(s.ids, 0)
	copy(s.ids[insertAt+1:], s.ids[insertAt:])
	s.ids[insertAt] = stored.ID

	s.recomputeLocked()
	s.logger.Debug("recovered post spliced into stream",
		zap.Int64("topic_id", s.topic.ID),
		zap.Int64("post_id", int64(stored.ID)))
	return nil
}
