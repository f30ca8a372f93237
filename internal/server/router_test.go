package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/stream"
	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"github.com/MarcoPoloResearchLab/tidepool/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type routerFixture struct {
	server  *httptest.Server
	topics  *TopicsService
	db      *gorm.DB
	topicID int64
}

func newRouterFixture(t *testing.T, postCount int) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := openTestDatabase(t)
	if err := db.AutoMigrate(&users.Profile{}); err != nil {
		t.Fatalf("failed to migrate profiles: %v", err)
	}
	topics := newTestTopicsService(t, db)
	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected users service error: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TopicsService: topics,
		UsersService:  usersService,
		Dispatcher:    NewLiveDispatcher(),
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	seeded := seedTopic(t, db, postCount)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &routerFixture{server: server, topics: topics, db: db, topicID: seeded.ID}
}

func decodeJSON(t *testing.T, response *http.Response, target interface{}) {
	t.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestRouterWindowQueryEndpoint(t *testing.T) {
	fixture := newRouterFixture(t, 5)

	response, err := http.Get(fmt.Sprintf("%s/topics/%d/stream", fixture.server.URL, fixture.topicID))
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", response.StatusCode)
	}

	var result stream.WindowResult
	decodeJSON(t, response, &result)
	if len(result.StreamIDs) != 5 {
		t.Fatalf("expected 5 stream ids, got %d", len(result.StreamIDs))
	}
	if len(result.Posts) != 5 {
		t.Fatalf("expected 5 posts, got %d", len(result.Posts))
	}
}

func TestRouterWindowQueryRejectsBadTopicID(t *testing.T) {
	fixture := newRouterFixture(t, 1)

	response, err := http.Get(fixture.server.URL + "/topics/zero/stream")
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", response.StatusCode)
	}
}

func TestRouterPostsByIDsEndpoint(t *testing.T) {
	fixture := newRouterFixture(t, 4)
	baseline := mustWindow(t, fixture.topics, fixture.topicID, nil)

	url := fmt.Sprintf("%s/topics/%d/posts?ids=%d,%d",
		fixture.server.URL, fixture.topicID, baseline.StreamIDs[0], baseline.StreamIDs[2])
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", response.StatusCode)
	}

	var payload struct {
		Posts []*topic.Post `json:"posts"`
	}
	decodeJSON(t, response, &payload)
	if len(payload.Posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(payload.Posts))
	}
}

func TestRouterCreatePostEndpoint(t *testing.T) {
	fixture := newRouterFixture(t, 2)

	body, _ := json.Marshal(createPostPayload{
		Username: "eviltrout",
		Raw:      "posted through the api",
		StageKey: "0190a0b0-1111-2222-3333-444455556666",
	})
	response, err := http.Post(
		fmt.Sprintf("%s/topics/%d/posts", fixture.server.URL, fixture.topicID),
		"application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", response.StatusCode)
	}

	var created topic.Post
	decodeJSON(t, response, &created)
	if created.PostNumber != 3 {
		t.Fatalf("expected post number 3, got %d", created.PostNumber)
	}
	if created.StageKey != "0190a0b0-1111-2222-3333-444455556666" {
		t.Fatalf("stage key must round-trip, got %q", created.StageKey)
	}
}

func TestRouterUnknownPostReturnsNotFound(t *testing.T) {
	fixture := newRouterFixture(t, 1)

	response, err := http.Get(fixture.server.URL + "/posts/99999")
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", response.StatusCode)
	}
}

func TestRouterDeleteAndRecoverEndpoints(t *testing.T) {
	fixture := newRouterFixture(t, 3)
	baseline := mustWindow(t, fixture.topics, fixture.topicID, nil)
	target := baseline.StreamIDs[1]

	deleteRequest, _ := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/posts/%d", fixture.server.URL, target), nil)
	deleteResponse, err := http.DefaultClient.Do(deleteRequest)
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	deleteResponse.Body.Close()
	if deleteResponse.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", deleteResponse.StatusCode)
	}

	recoverRequest, _ := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/posts/%d/recover", fixture.server.URL, target), nil)
	recoverResponse, err := http.DefaultClient.Do(recoverRequest)
	if err != nil {
		t.Fatalf("unexpected recover error: %v", err)
	}
	if recoverResponse.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recoverResponse.StatusCode)
	}
	var recovered topic.Post
	decodeJSON(t, recoverResponse, &recovered)
	if recovered.ID != target {
		t.Fatalf("expected recovered post %d, got %d", target, recovered.ID)
	}
}

func TestRouterUserProfileEndpoints(t *testing.T) {
	fixture := newRouterFixture(t, 1)

	response, err := http.Get(fixture.server.URL + "/users/eviltrout")
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	var viewer topic.User
	decodeJSON(t, response, &viewer)
	if viewer.Username != "eviltrout" {
		t.Fatalf("expected profile for eviltrout, got %q", viewer.Username)
	}

	body := `{"ignored_usernames":["trollop"]}`
	updateRequest, _ := http.NewRequest(http.MethodPut,
		fixture.server.URL+"/users/eviltrout/ignored", strings.NewReader(body))
	updateRequest.Header.Set("Content-Type", "application/json")
	updateResponse, err := http.DefaultClient.Do(updateRequest)
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	updateResponse.Body.Close()
	if updateResponse.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", updateResponse.StatusCode)
	}

	refreshed, err := http.Get(fixture.server.URL + "/users/eviltrout")
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	decodeJSON(t, refreshed, &viewer)
	if len(viewer.IgnoredUsernames) != 1 || viewer.IgnoredUsernames[0] != "trollop" {
		t.Fatalf("expected persisted ignore list, got %v", viewer.IgnoredUsernames)
	}
}

func TestRouterLiveChannelDeliversCreatedPosts(t *testing.T) {
	fixture := newRouterFixture(t, 1)

	wsURL := "ws" + strings.TrimPrefix(fixture.server.URL, "http") +
		fmt.Sprintf("/topics/%d/live", fixture.topicID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer conn.Close()

	// Give the handler a moment to register the subscription.
	time.Sleep(50 * time.Millisecond)

	body, _ := json.Marshal(createPostPayload{Username: "sam", Raw: "announced live"})
	response, err := http.Post(
		fmt.Sprintf("%s/topics/%d/posts", fixture.server.URL, fixture.topicID),
		"application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	var created topic.Post
	decodeJSON(t, response, &created)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var message LiveMessage
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("expected live message, got error: %v", err)
	}
	if message.EventType != LiveEventPostsCreated {
		t.Fatalf("expected created event, got %q", message.EventType)
	}
	if len(message.PostIDs) != 1 || message.PostIDs[0] != created.ID {
		t.Fatalf("expected live announcement for post %d, got %v", created.ID, message.PostIDs)
	}
}
