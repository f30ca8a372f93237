package server

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/stream"
	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errTopicNotFound   = errors.New("topic not found")
	errPostNotFound    = errors.New("post not found")
	errEmptyRaw        = errors.New("post body is empty")
	noOpLogger         = zap.NewNop()
)

// StoreError carries an operation.reason code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier for the failure.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opTopicsNew   = "topics.service.new"
	opWindowQuery = "topics.window_query"
	opPostsByIDs  = "topics.posts_by_ids"
	opPostByID    = "topics.post_by_id"
	opCreatePost  = "topics.create_post"
	opDeletePost  = "topics.delete_post"
	opRecoverPost = "topics.recover_post"
	opFetchTopic  = "topics.fetch_topic"
)

const (
	reasonMissingDatabase = "missing_database"
	reasonTopicNotFound   = "topic_not_found"
	reasonPostNotFound    = "post_not_found"
	reasonQueryFailed     = "query_failed"
	reasonInvalidInput    = "invalid_input"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const defaultChunkSize = 20
const summaryPostLimit = 20

// TopicsServiceConfig describes the dependencies for topic storage.
type TopicsServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	ChunkSize int
	Logger    *zap.Logger
}

// TopicsService serves the window, batch and single-post queries the stream
// engine consumes, and owns post creation, deletion and recovery.
type TopicsService struct {
	db        *gorm.DB
	clock     func() time.Time
	chunkSize int
	logger    *zap.Logger
}

// NewTopicsService constructs the storage service.
func NewTopicsService(cfg TopicsServiceConfig) (*TopicsService, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opTopicsNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &TopicsService{db: cfg.Database, clock: clock, chunkSize: chunkSize, logger: logger}, nil
}

// FetchTopic loads a topic's aggregates.
func (s *TopicsService) FetchTopic(ctx context.Context, topicID int64) (*topic.Topic, error) {
	var record topic.Topic
	err := s.db.WithContext(ctx).Where("id = ?", topicID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newStoreError(opFetchTopic, reasonTopicNotFound, errTopicNotFound)
	}
	if err != nil {
		return nil, newStoreError(opFetchTopic, reasonQueryFailed, err)
	}
	return &record, nil
}

// WindowQuery resolves the filtered stream index, the gap table for
// moderated-away posts, and one chunk of post bodies adjacent to the
// boundary post.
func (s *TopicsService) WindowQuery(ctx context.Context, topicID int64, params map[string]string, boundary topic.PostID, direction stream.WindowDirection) (stream.WindowResult, error) {
	topicRecord, err := s.FetchTopic(ctx, topicID)
	if err != nil {
		return stream.WindowResult{}, err
	}

	visible, err := s.visiblePosts(ctx, topicID, params)
	if err != nil {
		return stream.WindowResult{}, err
	}

	result := stream.WindowResult{
		Topic:     topicRecord,
		StreamIDs: make([]topic.PostID, 0, len(visible)),
	}
	for _, post := range visible {
		result.StreamIDs = append(result.StreamIDs, post.ID)
	}

	// Gaps only exist on the unfiltered view; a filtered stream already
	// excludes far more than moderation did.
	if len(params) == 0 {
		gaps, err := s.moderationGaps(ctx, topicID, visible)
		if err != nil {
			return stream.WindowResult{}, err
		}
		result.Gaps = gaps
	}

	result.Posts = chunkAroundBoundary(visible, boundary, direction, s.chunkSize)
	return result, nil
}

// PostsByIDs returns the visible posts among the requested identifiers, in
// post-number order. Deleted or unknown identifiers silently reduce the
// result set.
func (s *TopicsService) PostsByIDs(ctx context.Context, topicID int64, ids []topic.PostID) ([]*topic.Post, error) {
	if len(ids) == 0 {
		return []*topic.Post{}, nil
	}
	var posts []*topic.Post
	err := s.db.WithContext(ctx).
		Where("topic_id = ? AND id IN ? AND is_deleted = ?", topicID, ids, false).
		Order("post_number ASC").
		Find(&posts).Error
	if err != nil {
		s.logError(opPostsByIDs, reasonQueryFailed, err, zap.Int64("topic_id", topicID))
		return nil, newStoreError(opPostsByIDs, reasonQueryFailed, err)
	}
	return posts, nil
}

// PostByID returns one visible post.
func (s *TopicsService) PostByID(ctx context.Context, postID topic.PostID) (*topic.Post, error) {
	var record topic.Post
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", postID, false).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newStoreError(opPostByID, reasonPostNotFound, errPostNotFound)
	}
	if err != nil {
		return nil, newStoreError(opPostByID, reasonQueryFailed, err)
	}
	return &record, nil
}

// CreatePostRequest describes a post submission.
type CreatePostRequest struct {
	TopicID           int64
	Username          string
	Raw               string
	ReplyToPostNumber int
	StageKey          string
}

// CreatePost persists a new post at the topic's next post number and moves
// the topic aggregates in the same transaction.
func (s *TopicsService) CreatePost(ctx context.Context, request CreatePostRequest) (*topic.Post, error) {
	if strings.TrimSpace(request.Raw) == "" {
		return nil, newStoreError(opCreatePost, reasonInvalidInput, errEmptyRaw)
	}
	if strings.TrimSpace(request.Username) == "" {
		return nil, newStoreError(opCreatePost, reasonInvalidInput, errors.New("username is required"))
	}

	var created *topic.Post
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var topicRecord topic.Topic
		err := tx.Where("id = ?", request.TopicID).Take(&topicRecord).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opCreatePost, reasonTopicNotFound, errTopicNotFound)
		}
		if err != nil {
			return newStoreError(opCreatePost, reasonQueryFailed, err)
		}

		now := s.clock().UTC()
		post := &topic.Post{
			StageKey:          strings.TrimSpace(request.StageKey),
			TopicID:           topicRecord.ID,
			PostNumber:        topicRecord.HighestPostNumber + 1,
			Username:          request.Username,
			Raw:               request.Raw,
			Cooked:            cookRaw(request.Raw),
			ReplyToPostNumber: request.ReplyToPostNumber,
			CreatedAt:         now,
		}
		if err := tx.Create(post).Error; err != nil {
			return newStoreError(opCreatePost, reasonInsertFailed, err)
		}

		updates := map[string]interface{}{
			"posts_count":          topicRecord.PostsCount + 1,
			"highest_post_number":  topicRecord.HighestPostNumber + 1,
			"last_posted_at":       now,
			"last_poster_username": request.Username,
		}
		if err := tx.Model(&topic.Topic{}).Where("id = ?", topicRecord.ID).Updates(updates).Error; err != nil {
			return newStoreError(opCreatePost, reasonUpdateFailed, err)
		}

		created = post
		return nil
	})
	if txErr != nil {
		s.logError(opCreatePost, "transaction_failed", txErr, zap.Int64("topic_id", request.TopicID))
		return nil, txErr
	}
	return created, nil
}

// DeletePost hides a post from stream queries; its identifier surfaces in
// the topic's gap table until recovered.
func (s *TopicsService) DeletePost(ctx context.Context, postID topic.PostID) error {
	result := s.db.WithContext(ctx).Model(&topic.Post{}).
		Where("id = ? AND is_deleted = ?", postID, false).
		Update("is_deleted", true)
	if result.Error != nil {
		return newStoreError(opDeletePost, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opDeletePost, reasonPostNotFound, errPostNotFound)
	}
	return nil
}

// RecoverPost makes a deleted post visible again and returns it.
func (s *TopicsService) RecoverPost(ctx context.Context, postID topic.PostID) (*topic.Post, error) {
	result := s.db.WithContext(ctx).Model(&topic.Post{}).
		Where("id = ? AND is_deleted = ?", postID, true).
		Update("is_deleted", false)
	if result.Error != nil {
		return nil, newStoreError(opRecoverPost, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, newStoreError(opRecoverPost, reasonPostNotFound, errPostNotFound)
	}
	return s.PostByID(ctx, postID)
}

func (s *TopicsService) visiblePosts(ctx context.Context, topicID int64, params map[string]string) ([]*topic.Post, error) {
	query := s.db.WithContext(ctx).
		Where("topic_id = ? AND is_deleted = ?", topicID, false).
		Order("post_number ASC")

	if usernames := params[stream.ParamUsernameFilters]; usernames != "" {
		query = query.Where("username IN ?", strings.Split(usernames, ","))
	}
	if repliesTo := params[stream.ParamRepliesToPostNumber]; repliesTo != "" {
		postNumber, err := strconv.Atoi(repliesTo)
		if err != nil {
			return nil, newStoreError(opWindowQuery, reasonInvalidInput, err)
		}
		query = query.Where("reply_to_post_number = ? OR post_number = ?", postNumber, postNumber)
	}

	var posts []*topic.Post
	if err := query.Find(&posts).Error; err != nil {
		s.logError(opWindowQuery, reasonQueryFailed, err, zap.Int64("topic_id", topicID))
		return nil, newStoreError(opWindowQuery, reasonQueryFailed, err)
	}

	if upwards := params[stream.ParamFilterUpwardsPostID]; upwards != "" {
		rootID, err := strconv.ParseInt(upwards, 10, 64)
		if err != nil {
			return nil, newStoreError(opWindowQuery, reasonInvalidInput, err)
		}
		return replyChainUpwards(posts, topic.PostID(rootID)), nil
	}
	if params[stream.ParamFilter] == stream.FilterSummary {
		return summarize(posts), nil
	}
	return posts, nil
}

// moderationGaps groups each run of deleted post identifiers under the next
// visible post ("before" gaps) or, for a trailing run, under the last
// visible post ("after" gaps).
func (s *TopicsService) moderationGaps(ctx context.Context, topicID int64, visible []*topic.Post) (stream.Gaps, error) {
	var deleted []*topic.Post
	err := s.db.WithContext(ctx).
		Where("topic_id = ? AND is_deleted = ?", topicID, true).
		Order("post_number ASC").
		Find(&deleted).Error
	if err != nil {
		return stream.Gaps{}, newStoreError(opWindowQuery, reasonQueryFailed, err)
	}
	if len(deleted) == 0 {
		return stream.Gaps{}, nil
	}

	gaps := stream.Gaps{}
	for _, hidden := range deleted {
		anchored := false
		for _, post := range visible {
			if post.PostNumber > hidden.PostNumber {
				if gaps.Before == nil {
					gaps.Before = make(map[topic.PostID][]topic.PostID)
				}
				gaps.Before[post.ID] = append(gaps.Before[post.ID], hidden.ID)
				anchored = true
				break
			}
		}
		if !anchored && len(visible) > 0 {
			if gaps.After == nil {
				gaps.After = make(map[topic.PostID][]topic.PostID)
			}
			lastVisible := visible[len(visible)-1]
			gaps.After[lastVisible.ID] = append(gaps.After[lastVisible.ID], hidden.ID)
		}
	}
	return gaps, nil
}

func chunkAroundBoundary(visible []*topic.Post, boundary topic.PostID, direction stream.WindowDirection, chunkSize int) []*topic.Post {
	if len(visible) == 0 {
		return []*topic.Post{}
	}
	if boundary == 0 {
		if len(visible) <= chunkSize {
			return visible
		}
		return visible[:chunkSize]
	}

	boundaryIndex := -1
	for index, post := range visible {
		if post.ID == boundary {
			boundaryIndex = index
			break
		}
	}
	if boundaryIndex < 0 {
		return []*topic.Post{}
	}

	if direction == stream.DirectionBefore {
		start := boundaryIndex - chunkSize
		if start < 0 {
			start = 0
		}
		return visible[start:boundaryIndex]
	}
	end := boundaryIndex + 1 + chunkSize
	if end > len(visible) {
		end = len(visible)
	}
	return visible[boundaryIndex+1 : end]
}

// replyChainUpwards walks reply-to links from the root post toward the
// topic's first post, returning the chain in post-number order.
func replyChainUpwards(posts []*topic.Post, rootID topic.PostID) []*topic.Post {
	byNumber := make(map[int]*topic.Post, len(posts))
	var root *topic.Post
	for _, post := range posts {
		byNumber[post.PostNumber] = post
		if post.ID == rootID {
			root = post
		}
	}
	if root == nil {
		return []*topic.Post{}
	}

	chain := []*topic.Post{root}
	current := root
	for current.ReplyToPostNumber > 0 {
		parent, ok := byNumber[current.ReplyToPostNumber]
		if !ok {
			break
		}
		chain = append(chain, parent)
		current = parent
	}
	sort.Slice(chain, func(i, j int) bool {
		return chain[i].PostNumber < chain[j].PostNumber
	})
	return chain
}

// summarize keeps the opening post plus the longest posts, in stream order.
func summarize(posts []*topic.Post) []*topic.Post {
	if len(posts) <= summaryPostLimit {
		return posts
	}

	ranked := make([]*topic.Post, len(posts))
	copy(ranked, posts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return len(ranked[i].Raw) > len(ranked[j].Raw)
	})

	keep := make(map[topic.PostID]struct{}, summaryPostLimit)
	for _, post := range posts {
		if post.PostNumber == 1 {
			keep[post.ID] = struct{}{}
			break
		}
	}
	for _, post := range ranked {
		if len(keep) >= summaryPostLimit {
			break
		}
		keep[post.ID] = struct{}{}
	}

	summary := make([]*topic.Post, 0, len(keep))
	for _, post := range posts {
		if _, ok := keep[post.ID]; ok {
			summary = append(summary, post)
		}
	}
	return summary
}

func cookRaw(raw string) string {
	paragraphs := strings.Split(strings.TrimSpace(raw), "\n\n")
	cooked := make([]string, 0, len(paragraphs))
	for _, paragraph := range paragraphs {
		cooked = append(cooked, "<p>"+html.EscapeString(strings.TrimSpace(paragraph))+"</p>")
	}
	return strings.Join(cooked, "\n")
}

func (s *TopicsService) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("topics service error", attrs...)
}
