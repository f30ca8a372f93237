package stream

import "github.com/MarcoPoloResearchLab/tidepool/internal/topic"

// PlaceholderView is a read-only virtual sequence as long as the filtered
// post count. Indexing where nothing is loaded yields nil instead of
// extending the stream, so a virtualized renderer can size itself before the
// backing fetches resolve. The view holds no copies: length and lookups are
// computed from the stream index and the shared identity map.
type PlaceholderView struct {
	stream *Stream
}

// PostsWithPlaceholders returns the placeholder view over this stream.
func (s *Stream) PostsWithPlaceholders() *PlaceholderView {
	return &PlaceholderView{stream: s}
}

// Length reports the filtered post count, regardless of how many posts are
// currently materialized.
func (v *PlaceholderView) Length() int {
	return v.stream.FilteredPostsCount()
}

// PostAt returns the post at the given index, or nil when the index is out
// of range or the post there is not loaded yet.
func (v *PlaceholderView) PostAt(index int) *topic.Post {
	s := v.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.ids) {
		return nil
	}
	return s.identity[s.ids[index]]
}

// Iterator walks the view forward for renderers that consume one object at
// a time.
func (v *PlaceholderView) Iterator() *PlaceholderIterator {
	return &PlaceholderIterator{view: v}
}

// PlaceholderIterator yields the view's entries in order, nil where a
// position is not loaded.
type PlaceholderIterator struct {
	view  *PlaceholderView
	index int
}

// Next returns the entry following the previously returned one. The boolean
// is false once the iterator has passed the view's length.
func (it *PlaceholderIterator) Next() (*topic.Post, bool) {
	if it.index >= it.view.Length() {
		return nil, false
	}
	post := it.view.PostAt(it.index)
	it.index++
	return post, true
}

// NextAfter implements the "previous object, give me the next" protocol:
// given the entry previously handed out and its index, it returns the entry
// at the following position.
func (v *PlaceholderView) NextAfter(index int, previous *topic.Post) *topic.Post {
	return v.PostAt(index + 1)
}
