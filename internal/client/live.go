package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/server"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const liveRedialDelay = 2 * time.Second

// LiveSubscriberConfig describes a live-channel subscription.
type LiveSubscriberConfig struct {
	BaseURL string
	TopicID int64
	Logger  *zap.Logger
}

// LiveSubscriber maintains a websocket to a topic's live channel and decodes
// its messages. The connection redials after transport failures until the
// context ends.
type LiveSubscriber struct {
	endpoint string
	topicID  int64
	logger   *zap.Logger
}

// NewLiveSubscriber constructs a subscriber for one topic's live channel.
func NewLiveSubscriber(cfg LiveSubscriberConfig) (*LiveSubscriber, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.TopicID <= 0 {
		return nil, fmt.Errorf("client: invalid topic id %d", cfg.TopicID)
	}
	endpoint := websocketURL(baseURL) + fmt.Sprintf("/topics/%d/live", cfg.TopicID)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveSubscriber{endpoint: endpoint, topicID: cfg.TopicID, logger: logger}, nil
}

// Listen dials the live channel and forwards decoded messages until the
// context ends. The returned channel closes when listening stops.
func (s *LiveSubscriber) Listen(ctx context.Context) <-chan server.LiveMessage {
	messages := make(chan server.LiveMessage)
	go func() {
		defer close(messages)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.pump(ctx, messages); err != nil && ctx.Err() == nil {
				s.logger.Debug("live channel interrupted",
					zap.Int64("topic_id", s.topicID), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(liveRedialDelay):
			}
		}
	}()
	return messages
}

func (s *LiveSubscriber) pump(ctx context.Context, messages chan<- server.LiveMessage) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var message server.LiveMessage
		if err := conn.ReadJSON(&message); err != nil {
			return err
		}
		select {
		case messages <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
