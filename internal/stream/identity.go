package stream

import "github.com/MarcoPoloResearchLab/tidepool/internal/topic"

// StorePost places a post into the identity map. When an instance with the
// same identifier is already mapped, the incoming attributes are merged onto
// that instance and the existing instance is returned; a duplicate reference
// is never created. Unsaved posts are keyed under the sentinel identifier.
// Storing a post numbered past the topic's recorded highest post bumps the
// topic's highest-post-number counter.
func (s *Stream) StorePost(post *topic.Post) *topic.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storePostLocked(post)
}

// FindLoaded looks up a post by identifier without triggering any fetch.
func (s *Stream) FindLoaded(id topic.PostID) *topic.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity[id]
}

func (s *Stream) storePostLocked(post *topic.Post) *topic.Post {
	if post == nil {
		return nil
	}

	key := post.ID
	if !post.Saved() {
		key = topic.UnsavedPostID
	}

	stored := post
	if existing, ok := s.identity[key]; ok {
		existing.MergeFrom(post)
		stored = existing
	} else {
		s.identity[key] = post
	}

	if stored.PostNumber > s.topic.HighestPostNumber {
		s.topic.HighestPostNumber = stored.PostNumber
	}

	s.recomputeLocked()
	return stored
}

func (s *Stream) unloadedLocked(requested []topic.PostID) []topic.PostID {
	missing := make([]topic.PostID, 0, len(requested))
	for _, id := range requested {
		if _, ok := s.identity[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
