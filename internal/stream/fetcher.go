package stream

import (
	"context"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
)

// WindowDirection selects which side of a boundary post a window query covers.
type WindowDirection string

const (
	// DirectionBefore requests the window preceding the boundary post.
	DirectionBefore WindowDirection = "before"
	// DirectionAfter requests the window following the boundary post.
	DirectionAfter WindowDirection = "after"
)

// Gaps records post identifiers excluded from the default stream until a
// fill operation splices them in, keyed by the anchor they sit next to.
type Gaps struct {
	Before map[topic.PostID][]topic.PostID `json:"before,omitempty"`
	After  map[topic.PostID][]topic.PostID `json:"after,omitempty"`
}

// WindowResult is the server payload for a paginated window query.
type WindowResult struct {
	Posts     []*topic.Post  `json:"posts"`
	StreamIDs []topic.PostID `json:"stream_ids"`
	Gaps      Gaps           `json:"gaps"`
	Topic     *topic.Topic   `json:"topic,omitempty"`
}

// Fetcher is the collaborating backend the stream engine loads from. A
// batched lookup may return fewer posts than identifiers requested; callers
// tolerate the reduced set.
type Fetcher interface {
	FetchWindow(ctx context.Context, topicID int64, params map[string]string, boundary topic.PostID, direction WindowDirection) (WindowResult, error)
	FetchByIDs(ctx context.Context, topicID int64, ids []topic.PostID) ([]*topic.Post, error)
	FetchPost(ctx context.Context, id topic.PostID) (*topic.Post, error)
}
