package users

import (
	"encoding/json"
	"strings"
	"time"
)

// Profile captures a viewer's identity and moderation preferences. The
// ignored usernames feed the stream engine's live-update filtering.
type Profile struct {
	Username    string    `gorm:"column:username;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	IgnoredJSON string    `gorm:"column:ignored_json;type:text;not null;default:'[]'"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing viewer profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// IgnoredUsernames decodes the stored ignore list.
func (p Profile) IgnoredUsernames() []string {
	if strings.TrimSpace(p.IgnoredJSON) == "" {
		return nil
	}
	var usernames []string
	if err := json.Unmarshal([]byte(p.IgnoredJSON), &usernames); err != nil {
		return nil
	}
	return usernames
}

// SetIgnoredUsernames encodes the ignore list for storage.
func (p *Profile) SetIgnoredUsernames(usernames []string) error {
	encoded, err := json.Marshal(usernames)
	if err != nil {
		return err
	}
	p.IgnoredJSON = string(encoded)
	return nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
