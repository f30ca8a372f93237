package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/stream"
	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"github.com/MarcoPoloResearchLab/tidepool/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingTopicsService = errors.New("topics service dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingDispatcher    = errors.New("live dispatcher dependency required")
)

// Dependencies wires the storage and live-update services into the HTTP
// surface.
type Dependencies struct {
	TopicsService *TopicsService
	UsersService  *users.Service
	Dispatcher    *LiveDispatcher
	Clock         func() time.Time
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TopicsService == nil {
		return nil, errMissingTopicsService
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		topics:     deps.TopicsService,
		users:      deps.UsersService,
		dispatcher: deps.Dispatcher,
		clock:      clock,
		logger:     logger,
	}

	router.GET("/topics/:topicID/stream", handler.handleWindowQuery)
	router.GET("/topics/:topicID/posts", handler.handlePostsByIDs)
	router.POST("/topics/:topicID/posts", handler.handleCreatePost)
	router.GET("/topics/:topicID/live", handler.handleLiveChannel)
	router.GET("/posts/:postID", handler.handlePostByID)
	router.DELETE("/posts/:postID", handler.handleDeletePost)
	router.PUT("/posts/:postID/recover", handler.handleRecoverPost)
	router.GET("/users/:username", handler.handleUserProfile)
	router.PUT("/users/:username/ignored", handler.handleUpdateIgnored)

	return router, nil
}

type httpHandler struct {
	topics     *TopicsService
	users      *users.Service
	dispatcher *LiveDispatcher
	clock      func() time.Time
	logger     *zap.Logger
}

func (h *httpHandler) handleWindowQuery(c *gin.Context) {
	topicID, ok := parseTopicID(c)
	if !ok {
		return
	}

	params := map[string]string{}
	for _, key := range []string{
		stream.ParamUsernameFilters,
		stream.ParamRepliesToPostNumber,
		stream.ParamFilterUpwardsPostID,
		stream.ParamFilter,
	} {
		if value := c.Query(key); value != "" {
			params[key] = value
		}
	}

	var boundary topic.PostID
	if raw := c.Query("post_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_post_id"})
			return
		}
		boundary = topic.PostID(parsed)
	}
	direction := stream.DirectionAfter
	if c.Query("direction") == string(stream.DirectionBefore) {
		direction = stream.DirectionBefore
	}

	result, err := h.topics.WindowQuery(c.Request.Context(), topicID, params, boundary, direction)
	if err != nil {
		h.respondStoreError(c, err, "window_query_failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handlePostsByIDs(c *gin.Context) {
	topicID, ok := parseTopicID(c)
	if !ok {
		return
	}

	rawIDs := c.Query("ids")
	if strings.TrimSpace(rawIDs) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_ids"})
		return
	}
	ids := make([]topic.PostID, 0)
	for _, fragment := range strings.Split(rawIDs, ",") {
		parsed, err := strconv.ParseInt(strings.TrimSpace(fragment), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ids"})
			return
		}
		ids = append(ids, topic.PostID(parsed))
	}

	posts, err := h.topics.PostsByIDs(c.Request.Context(), topicID, ids)
	if err != nil {
		h.respondStoreError(c, err, "posts_query_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

func (h *httpHandler) handlePostByID(c *gin.Context) {
	postID, ok := parsePostID(c)
	if !ok {
		return
	}
	post, err := h.topics.PostByID(c.Request.Context(), postID)
	if err != nil {
		h.respondStoreError(c, err, "post_query_failed")
		return
	}
	c.JSON(http.StatusOK, post)
}

type createPostPayload struct {
	Username          string `json:"username"`
	Raw               string `json:"raw"`
	ReplyToPostNumber int    `json:"reply_to_post_number"`
	StageKey          string `json:"stage_key"`
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	topicID, ok := parseTopicID(c)
	if !ok {
		return
	}

	var payload createPostPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	post, err := h.topics.CreatePost(c.Request.Context(), CreatePostRequest{
		TopicID:           topicID,
		Username:          payload.Username,
		Raw:               payload.Raw,
		ReplyToPostNumber: payload.ReplyToPostNumber,
		StageKey:          payload.StageKey,
	})
	if err != nil {
		h.respondStoreError(c, err, "create_post_failed")
		return
	}

	h.dispatcher.Publish(LiveMessage{
		TopicID:   topicID,
		EventType: LiveEventPostsCreated,
		PostIDs:   []topic.PostID{post.ID},
		StageKey:  post.StageKey,
		Timestamp: h.clock().UTC(),
	})
	c.JSON(http.StatusOK, post)
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	postID, ok := parsePostID(c)
	if !ok {
		return
	}
	if err := h.topics.DeletePost(c.Request.Context(), postID); err != nil {
		h.respondStoreError(c, err, "delete_post_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRecoverPost(c *gin.Context) {
	postID, ok := parsePostID(c)
	if !ok {
		return
	}
	post, err := h.topics.RecoverPost(c.Request.Context(), postID)
	if err != nil {
		h.respondStoreError(c, err, "recover_post_failed")
		return
	}

	h.dispatcher.Publish(LiveMessage{
		TopicID:   post.TopicID,
		EventType: LiveEventPostRecovered,
		PostIDs:   []topic.PostID{post.ID},
		Timestamp: h.clock().UTC(),
	})
	c.JSON(http.StatusOK, post)
}

func (h *httpHandler) handleUserProfile(c *gin.Context) {
	user, err := h.users.Viewer(c.Param("username"))
	if err != nil {
		if errors.Is(err, users.ErrInvalidUsername) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_username"})
			return
		}
		h.logger.Error("viewer lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, user)
}

type updateIgnoredPayload struct {
	IgnoredUsernames []string `json:"ignored_usernames"`
}

func (h *httpHandler) handleUpdateIgnored(c *gin.Context) {
	var payload updateIgnoredPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.users.UpdateIgnoreList(c.Param("username"), payload.IgnoredUsernames)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrInvalidUsername):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_username"})
		case errors.Is(err, users.ErrProfileNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "profile_not_found"})
		default:
			h.logger.Error("ignore list update failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondStoreError(c *gin.Context, err error, fallback string) {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		switch {
		case strings.HasSuffix(storeErr.Code(), reasonTopicNotFound),
			strings.HasSuffix(storeErr.Code(), reasonPostNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": storeErr.Code()})
			return
		case strings.HasSuffix(storeErr.Code(), reasonInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": storeErr.Code()})
			return
		}
	}
	h.logger.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}

func parseTopicID(c *gin.Context) (int64, bool) {
	topicID, err := strconv.ParseInt(c.Param("topicID"), 10, 64)
	if err != nil || topicID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topic_id"})
		return 0, false
	}
	return topicID, true
}

func parsePostID(c *gin.Context) (topic.PostID, bool) {
	postID, err := strconv.ParseInt(c.Param("postID"), 10, 64)
	if err != nil || postID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_post_id"})
		return 0, false
	}
	return topic.PostID(postID), true
}
