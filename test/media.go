package test

import (
	"context"
	"fmt"
	"sync"

	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
)

// SavedMedia is one file written to a MediaStore
type SavedMedia struct {
	OrgID       models.OrgID
	Filename    string
	ContentType string
	Body        []byte
	URL         string
}

// MediaStore is an in-memory store.MediaStore that remembers everything
// written to it and hands back predictable URLs.
type MediaStore struct {
	mu    sync.Mutex
	saved []*SavedMedia

	// Err, when set, is returned by every Put
	Err error
}

// NewMediaStore returns a new empty media store
func NewMediaStore() *MediaStore {
	return &MediaStore{}
}

var _ store.MediaStore = (*MediaStore)(nil)

func (m *MediaStore) Put(ctx context.Context, orgID models.OrgID, filename, contentType string, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return "", m.Err
	}

	saved := &SavedMedia{
		OrgID:       orgID,
		Filename:    filename,
		ContentType: contentType,
		Body:        body,
		URL:         fmt.Sprintf("https://media.test/%d/file%d", orgID, len(m.saved)+1),
	}
	m.saved = append(m.saved, saved)
	return saved.URL, nil
}

// Saved returns everything written so far
func (m *MediaStore) Saved() []*SavedMedia {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*SavedMedia{}, m.saved...)
}
