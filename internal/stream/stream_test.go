package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
)

type fakeFetcher struct {
	mu          sync.Mutex
	postsByID   map[topic.PostID]*topic.Post
	windowFn    func(params map[string]string, boundary topic.PostID, direction WindowDirection) (WindowResult, error)
	fetchErr    error
	byIDsCalls  [][]topic.PostID
	windowCalls []map[string]string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{postsByID: make(map[topic.PostID]*topic.Post)}
}

func (f *fakeFetcher) serve(posts ...*topic.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, post := range posts {
		f.postsByID[post.ID] = post
	}
}

func (f *fakeFetcher) FetchWindow(ctx context.Context, topicID int64, params map[string]string, boundary topic.PostID, direction WindowDirection) (WindowResult, error) {
	f.mu.Lock()
	f.windowCalls = append(f.windowCalls, params)
	windowFn := f.windowFn
	f.mu.Unlock()
	if windowFn != nil {
		return windowFn(params, boundary, direction)
	}
	return WindowResult{}, nil
}

func (f *fakeFetcher) FetchByIDs(ctx context.Context, topicID int64, ids []topic.PostID) ([]*topic.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recorded := make([]topic.PostID, len(ids))
	copy(recorded, ids)
	f.byIDsCalls = append(f.byIDsCalls, recorded)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	posts := make([]*topic.Post, 0, len(ids))
	for _, id := range ids {
		if post, ok := f.postsByID[id]; ok {
			posts = append(posts, post)
		}
	}
	return posts, nil
}

func (f *fakeFetcher) FetchPost(ctx context.Context, id topic.PostID) (*topic.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	post, ok := f.postsByID[id]
	if !ok {
		return nil, fmt.Errorf("post %d not found", id)
	}
	return post, nil
}

func makePost(id topic.PostID, postNumber int) *topic.Post {
	return &topic.Post{
		ID:         id,
		TopicID:    1,
		PostNumber: postNumber,
		Username:   fmt.Sprintf("poster-%d", id),
		Raw:        fmt.Sprintf("post %d", id),
		CreatedAt:  time.Unix(1700000000+int64(postNumber)*60, 0).UTC(),
	}
}

func newTestStream(t *testing.T, fetcher Fetcher) (*Stream, *topic.Topic) {
	t.Helper()
	testTopic := &topic.Topic{ID: 1, Title: "test topic"}
	s, err := New(Config{
		Topic:   testTopic,
		Fetcher: fetcher,
		Clock:   func() time.Time { return time.Unix(1700100000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("unexpected stream construction error: %v", err)
	}
	return s, testTopic
}

func TestNewRequiresTopicAndFetcher(t *testing.T) {
	if _, err := New(Config{Fetcher: newFakeFetcher()}); err == nil {
		t.Fatalf("expected error without topic")
	}
	if _, err := New(Config{Topic: &topic.Topic{ID: 1}}); err == nil {
		t.Fatalf("expected error without fetcher")
	}
}

func TestStorePostReturnsSharedInstanceAndMerges(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())

	first := makePost(10, 1)
	stored := s.StorePost(first)
	if stored != first {
		t.Fatalf("expected first store to return the stored instance")
	}

	second := makePost(10, 1)
	second.Raw = "edited body"
	merged := s.StorePost(second)
	if merged != first {
		t.Fatalf("expected merge to return the original instance, not a duplicate")
	}
	if first.Raw != "edited body" {
		t.Fatalf("expected merged raw, got %q", first.Raw)
	}
	if s.FindLoaded(10) != first {
		t.Fatalf("identity map should hold the shared instance")
	}
}

func TestStorePostBumpsHighestPostNumber(t *testing.T) {
	s, testTopic := newTestStream(t, newFakeFetcher())
	testTopic.HighestPostNumber = 3

	s.StorePost(makePost(50, 8))
	if testTopic.HighestPostNumber != 8 {
		t.Fatalf("expected highest post number 8, got %d", testTopic.HighestPostNumber)
	}

	s.StorePost(makePost(51, 2))
	if testTopic.HighestPostNumber != 8 {
		t.Fatalf("lower post number should not reduce highest, got %d", testTopic.HighestPostNumber)
	}
}

func TestFindLoadedNeverFetches(t *testing.T) {
	fetcher := newFakeFetcher()
	s, _ := newTestStream(t, fetcher)

	if s.FindLoaded(99) != nil {
		t.Fatalf("expected nil for unknown post")
	}
	if len(fetcher.byIDsCalls) != 0 {
		t.Fatalf("lookup must not trigger network calls, saw %d", len(fetcher.byIDsCalls))
	}
}

func TestLoadedAllPostsTracksFinalIdentifier(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())
	s.SetStream([]topic.PostID{1, 2, 3})

	if s.LoadedAllPosts() {
		t.Fatalf("nothing loaded yet")
	}
	s.StorePost(makePost(3, 3))
	if !s.LoadedAllPosts() {
		t.Fatalf("expected loaded-all once the final identifier is mapped")
	}
	s.AppendToStream(4)
	if s.LoadedAllPosts() {
		t.Fatalf("appending an unloaded identifier should clear loaded-all")
	}
}

func TestFirstPostPresent(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())
	s.SetStream([]topic.PostID{1, 2})
	if s.FirstPostPresent() {
		t.Fatalf("first post not loaded yet")
	}
	s.StorePost(makePost(1, 1))
	if !s.FirstPostPresent() {
		t.Fatalf("expected first post present")
	}
}

func TestPostsReturnsStreamOrder(t *testing.T) {
	s, _ := newTestStream(t, newFakeFetcher())
	s.SetStream([]topic.PostID{5, 3, 9})
	s.StorePost(makePost(9, 3))
	s.StorePost(makePost(5, 1))

	posts := s.Posts()
	if len(posts) != 2 {
		t.Fatalf("expected 2 loaded posts, got %d", len(posts))
	}
	if posts[0].ID != 5 || posts[1].ID != 9 {
		t.Fatalf("expected stream order [5 9], got [%d %d]", posts[0].ID, posts[1].ID)
	}
}

func TestStreamErrorCode(t *testing.T) {
	cause := errors.New("boom")
	err := newStreamError(opAppendMore, reasonFetchFailed, cause)
	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected StreamError, got %T", err)
	}
	if streamErr.Code() != "stream.append_more.fetch_failed" {
		t.Fatalf("unexpected code %q", streamErr.Code())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected unwrapped cause")
	}
}
