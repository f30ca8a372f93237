package stream

import (
	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StageResult tags the outcome of a stage attempt.
type StageResult string

const (
	// StageResultStaged indicates the post was inserted provisionally.
	StageResultStaged StageResult = "staged"
	// StageResultAlreadyStaging indicates a stage is already pending; the
	// attempt is rejected, not queued, and the caller retries after the
	// pending stage commits or unwinds.
	StageResultAlreadyStaging StageResult = "alreadyStaging"
)

// StageKeyProvider issues the key a staged post carries so its committed
// form is recognized when it comes back over the live channel.
type StageKeyProvider interface {
	NewStageKey() (string, error)
}

type uuidStageKeyProvider struct{}

// NewUUIDStageKeyProvider constructs a StageKeyProvider issuing UUIDv7 keys.
func NewUUIDStageKeyProvider() StageKeyProvider {
	return &uuidStageKeyProvider{}
}

func (p *uuidStageKeyProvider) NewStageKey() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// StagePost inserts a locally-authored post ahead of server confirmation.
// The post receives the sentinel identifier, the next post number and the
// current time; topic counters move as if the post were confirmed. At most
// one staged post exists per stream.
func (s *Stream) StagePost(post *topic.Post, user topic.User) (StageResult, error) {
	if post == nil {
		return "", newStreamError(opStagePost, reasonMissingPost, errMissingPost)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stagingPost {
		return StageResultAlreadyStaging, nil
	}

	stageKey, err := s.stageKeys.NewStageKey()
	if err != nil {
		return "", newStreamError(opStagePost, reasonStageKeyFailed, err)
	}

	now := s.clock().UTC()
	post.ID = topic.UnsavedPostID
	post.StageKey = stageKey
	post.TopicID = s.topic.ID
	post.PostNumber = s.topic.HighestPostNumber + 1
	post.CreatedAt = now
	if post.Username == "" {
		post.Username = user.Username
	}

	s.topic.PostsCount++
	s.topic.HighestPostNumber++
	s.topic.LastPostedAt = now
	s.topic.LastPosterUsername = user.Username

	s.identity[topic.UnsavedPostID] = post
	s.ids = append(s.ids, topic.UnsavedPostID)
	s.staged = post
	s.stagingPost = true
	s.recomputeLocked()

	s.logger.Debug("staged post",
		zap.Int64("topic_id", s.topic.ID),
		zap.Int("post_number", post.PostNumber),
		zap.String("stage_key", stageKey))
	return StageResultStaged, nil
}

// CommitPost confirms the staged post. The caller has already copied the
// server-assigned identifier onto the post; the stream re-indexes it under
// that identifier, replaces the sentinel in the stream index and records the
// post as last appended.
func (s *Stream) CommitPost(post *topic.Post) error {
	if post == nil {
		return newStreamError(opCommitPost, reasonMissingPost, errMissingPost)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stagingPost {
		return newStreamError(opCommitPost, reasonNotStaging, nil)
	}
	if s.staged != post {
		return newStreamError(opCommitPost, reasonNotStagedPost, nil)
	}
	if !post.Saved() {
		return newStreamError(opCommitPost, reasonUnsavedPost, nil)
	}

	delete(s.identity, topic.UnsavedPostID)
	s.identity[post.ID] = post
	if s.indexOfLocked(post.ID) >= 0 {
		// The live channel announced the confirmed identifier first; drop
		// the sentinel instead of inserting a duplicate.
		s.removeFromStreamLocked(topic.UnsavedPostID)
	} else {
		for index, id := range s.ids {
			if id == topic.UnsavedPostID {
				s.ids[index] = post.ID
				break
			}
		}
	}

	if s.topic.MegaTopic {
		s.lastID = post.ID
	}

	s.staged = nil
	s.stagingPost = false
	s.lastAppended = post
	s.recomputeLocked()

	s.logger.Debug("committed staged post",
		zap.Int64("topic_id", s.topic.ID),
		zap.Int64("post_id", int64(post.ID)),
		zap.Int("post_number", post.PostNumber))
	return nil
}

// UndoPost rolls the staged post back out of the stream, restoring the topic
// counters to their pre-stage values. Last-appended tracking is unaffected:
// it never referenced the staged post.
func (s *Stream) UndoPost(post *topic.Post) error {
	if post == nil {
		return newStreamError(opUndoPost, reasonMissingPost, errMissingPost)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stagingPost {
		return newStreamError(opUndoPost, reasonNotStaging, nil)
	}
	if s.staged != post {
		return newStreamError(opUndoPost, reasonNotStagedPost, nil)
	}

	delete(s.identity, topic.UnsavedPostID)
	for index, id := range s.ids {
		if id == topic.UnsavedPostID {
			s.ids = append(s.ids[:index], s.ids[index+1:]...)
			break
		}
	}

	s.topic.PostsCount--
	s.topic.HighestPostNumber--
	s.staged = nil
	s.stagingPost = false
	s.recomputeLocked()

	s.logger.Debug("unwound staged post",
		zap.Int64("topic_id", s.topic.ID),
		zap.String("stage_key", post.StageKey))
	return nil
}

// StagedPost returns the pending staged post, or nil outside staging.
func (s *Stream) StagedPost() *topic.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged
}
