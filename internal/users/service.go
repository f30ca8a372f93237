package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tidepool/internal/topic"
	"gorm.io/gorm"
)

// ErrInvalidUsername indicates an empty or oversized username.
var ErrInvalidUsername = errors.New("users: invalid username")

// ErrProfileNotFound indicates no stored profile for the username.
var ErrProfileNotFound = errors.New("users: profile not found")

const maxUsernameLength = 190

// ServiceConfig describes the dependencies required for profile lookup.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves viewer profiles and their ignore lists.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Viewer returns the user record the stream engine builds its viewer
// context from, creating an empty profile on first sight.
func (s *Service) Viewer(rawUsername string) (topic.User, error) {
	username := normalize(rawUsername)
	if username == "" || len(username) > maxUsernameLength {
		return topic.User{}, ErrInvalidUsername
	}

	if cached, ok := s.cache.Load(username); ok {
		if user, ok := cached.(topic.User); ok {
			return user, nil
		}
	}

	var profile Profile
	err := s.db.Where("username = ?", username).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{Username: username, IgnoredJSON: "[]", LastSeenAt: s.now()}
		if err := s.db.Create(&profile).Error; err != nil {
			return topic.User{}, err
		}
	} else if err != nil {
		return topic.User{}, err
	}

	user := topic.User{
		Username:         profile.Username,
		IgnoredUsernames: profile.IgnoredUsernames(),
	}
	s.cache.Store(username, user)
	return user, nil
}

// UpdateIgnoreList replaces the stored ignore list for a viewer.
func (s *Service) UpdateIgnoreList(rawUsername string, ignored []string) error {
	username := normalize(rawUsername)
	if username == "" {
		return ErrInvalidUsername
	}

	var profile Profile
	err := s.db.Where("username = ?", username).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrProfileNotFound
	}
	if err != nil {
		return err
	}
	if err := profile.SetIgnoredUsernames(ignored); err != nil {
		return err
	}
	if err := s.db.Model(&Profile{}).
		Where("username = ?", username).
		Update("ignored_json", profile.IgnoredJSON).Error; err != nil {
		return err
	}
	s.cache.Delete(username)
	return nil
}
