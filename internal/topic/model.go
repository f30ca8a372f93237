package topic

import (
	"errors"
	"fmt"
	"time"
)

// PostID identifies a post on the server. Staged posts carry UnsavedPostID
// until the server assigns a real identifier.
type PostID int64

// UnsavedPostID is the sentinel identifier carried by a staged post before
// the server confirms it.
const UnsavedPostID PostID = -1

var (
	// ErrInvalidTopicID indicates a non-positive topic identifier.
	ErrInvalidTopicID = errors.New("topic: invalid topic id")
	// ErrInvalidPostNumber indicates a non-positive post number.
	ErrInvalidPostNumber = errors.New("topic: invalid post number")
)

// NewTopicID validates a raw topic identifier.
func NewTopicID(value int64) (int64, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTopicID, value)
	}
	return value, nil
}

// NewPostNumber validates a raw post number.
func NewPostNumber(value int) (int, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPostNumber, value)
	}
	return value, nil
}

// Post models one message within a topic. The identity map owns the single
// shared instance per identifier; every other component references it.
type Post struct {
	ID                PostID    `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	StageKey          string    `json:"stage_key,omitempty" gorm:"column:stage_key;size:190;index"`
	TopicID           int64     `json:"topic_id" gorm:"column:topic_id;not null;index:idx_posts_topic_number,priority:1"`
	PostNumber        int       `json:"post_number" gorm:"column:post_number;not null;index:idx_posts_topic_number,priority:2"`
	Username          string    `json:"username" gorm:"column:username;size:190;not null"`
	Raw               string    `json:"raw" gorm:"column:raw;type:text;not null"`
	Cooked            string    `json:"cooked" gorm:"column:cooked;type:text;not null;default:''"`
	ReplyToPostNumber int       `json:"reply_to_post_number,omitempty" gorm:"column:reply_to_post_number;not null;default:0"`
	CreatedAt         time.Time `json:"created_at" gorm:"column:created_at;not null"`
	Deleted           bool      `json:"-" gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Saved reports whether the post has a server-assigned identifier.
func (p *Post) Saved() bool {
	return p.ID > 0
}

// MergeFrom copies the populated attributes of incoming onto the receiver,
// leaving absent attributes untouched. The receiver stays the canonical
// instance for its identifier.
func (p *Post) MergeFrom(incoming *Post) {
	if incoming == nil {
		return
	}
	if incoming.ID > 0 {
		p.ID = incoming.ID
	}
	if incoming.StageKey != "" {
		p.StageKey = incoming.StageKey
	}
	if incoming.TopicID > 0 {
		p.TopicID = incoming.TopicID
	}
	if incoming.PostNumber > 0 {
		p.PostNumber = incoming.PostNumber
	}
	if incoming.Username != "" {
		p.Username = incoming.Username
	}
	if incoming.Raw != "" {
		p.Raw = incoming.Raw
	}
	if incoming.Cooked != "" {
		p.Cooked = incoming.Cooked
	}
	if incoming.ReplyToPostNumber > 0 {
		p.ReplyToPostNumber = incoming.ReplyToPostNumber
	}
	if !incoming.CreatedAt.IsZero() {
		p.CreatedAt = incoming.CreatedAt
	}
}

// Topic aggregates the counters the stream engine keeps consistent while
// staging and merging live updates.
type Topic struct {
	ID                 int64     `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Title              string    `json:"title" gorm:"column:title;size:255;not null"`
	PostsCount         int       `json:"posts_count" gorm:"column:posts_count;not null;default:0"`
	HighestPostNumber  int       `json:"highest_post_number" gorm:"column:highest_post_number;not null;default:0"`
	LastPostedAt       time.Time `json:"last_posted_at" gorm:"column:last_posted_at"`
	LastPosterUsername string    `json:"last_poster_username" gorm:"column:last_poster_username;size:190;not null;default:''"`
	MegaTopic          bool      `json:"mega_topic" gorm:"column:mega_topic;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Topic) TableName() string {
	return "topics"
}

// User is the viewer or author identity the stream engine needs: a username
// plus the usernames whose live-announced posts the viewer has muted.
type User struct {
	Username         string   `json:"username"`
	IgnoredUsernames []string `json:"ignored_usernames,omitempty"`
}
