package stream

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
)

// Query parameter names understood by the collaborating backend.
const (
	ParamUsernameFilters     = "username_filters"
	ParamRepliesToPostNumber = "replies_to_post_number"
	ParamFilterUpwardsPostID = "filter_upwards_post_id"
	ParamFilter              = "filter"
)

// FilterSummary is the named filter for the topic summary view.
const FilterSummary = "summary"

// FilterState holds the active filter parameters. At most one filter kind is
// active at a time; participant usernames accumulate within their kind.
type FilterState struct {
	UsernameFilters     []string
	RepliesToPostNumber int
	FilterUpwardsPostID topic.PostID
	Filter              string
}

// HasNoFilters reports whether the stream shows the unfiltered topic.
func (f FilterState) HasNoFilters() bool {
	return len(f.UsernameFilters) == 0 &&
		f.RepliesToPostNumber == 0 &&
		f.FilterUpwardsPostID == 0 &&
		f.Filter == ""
}

// QueryParams derives the minimal server query parameters reproducing the
// active filter.
func (f FilterState) QueryParams() map[string]string {
	params := make(map[string]string)
	switch {
	case len(f.UsernameFilters) > 0:
		usernames := make([]string, len(f.UsernameFilters))
		copy(usernames, f.UsernameFilters)
		sort.Strings(usernames)
		params[ParamUsernameFilters] = strings.Join(usernames, ",")
	case f.RepliesToPostNumber > 0:
		params[ParamRepliesToPostNumber] = strconv.Itoa(f.RepliesToPostNumber)
	case f.FilterUpwardsPostID > 0:
		params[ParamFilterUpwardsPostID] = strconv.FormatInt(int64(f.FilterUpwardsPostID), 10)
	case f.Filter != "":
		params[ParamFilter] = f.Filter
	}
	return params
}

// StreamFilters returns the query parameters for the currently active filter.
func (s *Stream) StreamFilters() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.QueryParams()
}

// HasNoFilters reports whether any filter is active.
func (s *Stream) HasNoFilters() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.HasNoFilters()
}

// FilterParticipant narrows the stream to posts by the given participant,
// accumulating with previously filtered participants, and re-derives the
// stream from the server.
func (s *Stream) FilterParticipant(ctx context.Context, username string) error {
	s.mu.Lock()
	participants := s.filter.UsernameFilters
	found := false
	for _, existing := range participants {
		if existing == username {
			found = true
			break
		}
	}
	if !found {
		participants = append(participants, username)
	}
	s.filter = FilterState{UsernameFilters: participants}
	s.mu.Unlock()
	return s.Refresh(ctx, 0)
}

// FilterReplies narrows the stream to replies to the given post number.
func (s *Stream) FilterReplies(ctx context.Context, postNumber int) error {
	s.mu.Lock()
	s.filter = FilterState{RepliesToPostNumber: postNumber}
	s.mu.Unlock()
	return s.Refresh(ctx, 0)
}

// FilterUpwards narrows the stream to the reply chain above the given post.
func (s *Stream) FilterUpwards(ctx context.Context, postID topic.PostID) error {
	s.mu.Lock()
	s.filter = FilterState{FilterUpwardsPostID: postID}
	s.mu.Unlock()
	return s.Refresh(ctx, 0)
}

// FilterSummaryView narrows the stream to the topic summary.
func (s *Stream) FilterSummaryView(ctx context.Context) error {
	s.mu.Lock()
	s.filter = FilterState{Filter: FilterSummary}
	s.mu.Unlock()
	return s.Refresh(ctx, 0)
}

// CancelFilter clears every active filter and re-derives the stream from the
// server under no-filter semantics.
func (s *Stream) CancelFilter(ctx context.Context) error {
	s.mu.Lock()
	s.filter = FilterState{}
	s.mu.Unlock()
	return s.Refresh(ctx, 0)
}

// FilteredPostsCount is the number of posts under the active filter. A mega
// topic carries no materialized id index, so the topic's highest post number
// stands in for the stream length.
func (s *Stream) FilteredPostsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filteredPostsCountLocked()
}

func (s *Stream) filteredPostsCountLocked() int {
	if s.topic.MegaTopic {
		return s.topic.HighestPostNumber
	}
	return len(s.ids)
}

// LastPostID returns the identifier of the stream's final post. In mega
// topic mode this is the explicitly tracked last identifier.
func (s *Stream) LastPostID() topic.PostID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topic.MegaTopic {
		return s.lastID
	}
	if len(s.ids) == 0 {
		return 0
	}
	return s.ids[len(s.ids)-1]
}

// SetLastID records the trailing identifier tracked in mega-topic mode.
func (s *Stream) SetLastID(id topic.PostID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID = id
}

// ProgressIndexOfPost returns the post's 1-based position within the stream,
// or its post number in mega-topic mode where no index exists to search.
func (s *Stream) ProgressIndexOfPost(post *topic.Post) int {
	if post == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topic.MegaTopic {
		return post.PostNumber
	}
	index := s.indexOfLocked(post.ID)
	if index < 0 {
		return 0
	}
	return index + 1
}
