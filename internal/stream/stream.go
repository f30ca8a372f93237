// Package stream implements the windowed post-stream engine behind the
// topic viewer: an identity-mapped cache of posts, an ordered index of post
// identifiers, batched window loading, gap filling, optimistic staging and
// live-update merging.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"go.uber.org/zap"
)

// DefaultWindowSize is the number of unloaded identifiers fetched per window.
const DefaultWindowSize = 5

var (
	errMissingTopic   = errors.New("topic is required")
	errMissingFetcher = errors.New("fetcher is required")
	errMissingPost    = errors.New("post is required")
	noOpLogger        = zap.NewNop()
)

// Config describes the dependencies for a Stream.
type Config struct {
	Topic      *topic.Topic
	Fetcher    Fetcher
	WindowSize int
	Clock      func() time.Time
	Logger     *zap.Logger
	StageKeys  StageKeyProvider
}

// Stream maintains the post order and the identity map for one open topic
// view. A mutex serializes mutations; fetches run outside the lock and a
// stream epoch invalidates results that resolve after a filter change.
type Stream struct {
	mu         sync.Mutex
	topic      *topic.Topic
	fetcher    Fetcher
	logger     *zap.Logger
	clock      func() time.Time
	stageKeys  StageKeyProvider
	windowSize int

	ids      []topic.PostID
	identity map[topic.PostID]*topic.Post
	gaps     Gaps
	excluded map[topic.PostID]struct{}

	filter FilterState
	lastID topic.PostID

	staged       *topic.Post
	stagingPost  bool
	lastAppended *topic.Post

	loadingAbove  bool
	loadingBelow  bool
	loadingFilter bool
	loadedAll     bool

	epoch uint64
}

// New constructs a Stream for the provided topic.
func New(cfg Config) (*Stream, error) {
	if cfg.Topic == nil {
		return nil, newStreamError(opStreamNew, reasonMissingTopic, errMissingTopic)
	}
	if cfg.Fetcher == nil {
		return nil, newStreamError(opStreamNew, reasonMissingFetcher, errMissingFetcher)
	}

	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	stageKeys := cfg.StageKeys
	if stageKeys == nil {
		stageKeys = NewUUIDStageKeyProvider()
	}

	return &Stream{
		topic:      cfg.Topic,
		fetcher:    cfg.Fetcher,
		logger:     logger,
		clock:      clock,
		stageKeys:  stageKeys,
		windowSize: windowSize,
		identity:   make(map[topic.PostID]*topic.Post),
		excluded:   make(map[topic.PostID]struct{}),
		gaps:       Gaps{},
	}, nil
}

// Topic returns the topic whose aggregates the stream keeps consistent.
func (s *Stream) Topic() *topic.Topic {
	return s.topic
}

// SetStream replaces the stream index wholesale and recomputes derived state.
func (s *Stream) SetStream(ids []topic.PostID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStreamLocked(ids)
}

// AppendToStream adds one identifier at the end of the stream index.
func (s *Stream) AppendToStream(id topic.PostID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendToStreamLocked(id)
}

// SetGaps replaces the gap table.
func (s *Stream) SetGaps(gaps Gaps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = gaps
}

// StreamIDs returns a copy of the current stream index.
func (s *Stream) StreamIDs() []topic.PostID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]topic.PostID, len(s.ids))
	copy(ids, s.ids)
	return ids
}

// Posts returns the loaded posts in stream order.
func (s *Stream) Posts() []*topic.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postsLocked()
}

// Loading reports whether any asynchronous stream operation is in flight.
func (s *Stream) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingLocked()
}

// LoadedAllPosts reports whether the final stream identifier is loaded.
func (s *Stream) LoadedAllPosts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedAll
}

// FirstPostPresent reports whether the topic's first post is loaded.
func (s *Stream) FirstPostPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, post := range s.identity {
		if post.PostNumber == 1 {
			return true
		}
	}
	return false
}

// LastAppended returns the most recently appended confirmed post, used for
// scroll and focus tracking. It never references a staged post.
func (s *Stream) LastAppended() *topic.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAppended
}

// Refresh re-derives the stream index from the server under the current
// filter, discarding the result if the filter changes while the fetch is in
// flight.
func (s *Stream) Refresh(ctx context.Context, nearPost topic.PostID) error {
	s.mu.Lock()
	s.epoch++
	requestEpoch := s.epoch
	s.loadingFilter = true
	params := s.filter.QueryParams()
	topicID := s.topic.ID
	s.mu.Unlock()

	result, err := s.fetcher.FetchWindow(ctx, topicID, params, nearPost, DirectionAfter)

	s.mu.Lock()
	defer s.mu.Unlock()
	if requestEpoch != s.epoch {
		// A newer refresh superseded this one; its result owns the stream.
		s.logger.Debug("discarding stale stream refresh",
			zap.Int64("topic_id", topicID),
			zap.Uint64("request_epoch", requestEpoch))
		return nil
	}
	s.loadingFilter = false
	if err != nil {
		return newStreamError(opRefresh, reasonFetchFailed, err)
	}

	s.applyWindowLocked(result)
	return nil
}

func (s *Stream) applyWindowLocked(result WindowResult) {
	s.setStreamLocked(result.StreamIDs)
	s.gaps = result.Gaps
	if result.Topic != nil {
		s.topic.PostsCount = result.Topic.PostsCount
		s.topic.HighestPostNumber = result.Topic.HighestPostNumber
		s.topic.LastPostedAt = result.Topic.LastPostedAt
		s.topic.LastPosterUsername = result.Topic.LastPosterUsername
		s.topic.MegaTopic = result.Topic.MegaTopic
	}
	for _, post := range result.Posts {
		s.storePostLocked(post)
	}
	if s.topic.MegaTopic && len(result.StreamIDs) > 0 {
		s.lastID = result.StreamIDs[len(result.StreamIDs)-1]
	}
	s.recomputeLocked()
}

func (s *Stream) setStreamLocked(ids []topic.PostID) {
	s.ids = make([]topic.PostID, len(ids))
	copy(s.ids, ids)
	// Posts already in the identity map stay valid across a re-derivation;
	// staged and placeholder state does not.
	delete(s.identity, topic.UnsavedPostID)
	s.excluded = make(map[topic.PostID]struct{})
	s.staged = nil
	s.stagingPost = false
	s.lastAppended = nil
	s.recomputeLocked()
}

func (s *Stream) appendToStreamLocked(id topic.PostID) {
	for _, existing := range s.ids {
		if existing == id {
			return
		}
	}
	s.ids = append(s.ids, id)
	s.recomputeLocked()
}

func (s *Stream) removeFromStreamLocked(id topic.PostID) {
	for index, existing := range s.ids {
		if existing == id {
			s.ids = append(s.ids[:index], s.ids[index+1:]...)
			break
		}
	}
	s.recomputeLocked()
}

// recomputeLocked refreshes derived state after any mutation to the stream
// index or the identity map. Derivation is explicit: there is no reactive
// recomputation anywhere in the engine.
func (s *Stream) recomputeLocked() {
	if len(s.ids) == 0 {
		s.loadedAll = false
		return
	}
	lastID := s.ids[len(s.ids)-1]
	_, loaded := s.identity[lastID]
	s.loadedAll = loaded
}

func (s *Stream) postsLocked() []*topic.Post {
	posts := make([]*topic.Post, 0, len(s.identity))
	for _, id := range s.ids {
		if post, ok := s.identity[id]; ok {
			posts = append(posts, post)
		}
	}
	return posts
}

func (s *Stream) loadingLocked() bool {
	return s.loadingAbove || s.loadingBelow || s.loadingFilter || s.stagingPost
}

func (s *Stream) indexOfLocked(id topic.PostID) int {
	for index, existing := range s.ids {
		if existing == id {
			return index
		}
	}
	return -1
}
