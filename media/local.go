package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nyaruka/gocommon/uuids"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
)

// LocalStore writes media under a local directory, for development without
// an S3 bucket. URLs are built from the public base URL and served back by
// the API's /media route.
type LocalStore struct {
	dir  string
	base string
}

func NewLocalStore(dir, baseURL string) *LocalStore {
	return &LocalStore{dir: dir, base: strings.TrimRight(baseURL, "/")}
}

var _ store.MediaStore = (*LocalStore)(nil)

// Dir is the directory files are written under, for the route that serves
// them back.
func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Put(ctx context.Context, orgID models.OrgID, filename, contentType string, body []byte) (string, error) {
	_, extension := typeAndExtension(filename, contentType, body)

	name := string(uuids.NewV4())
	if extension != "" {
		name += "." + extension
	}

	dir := filepath.Join(s.dir, orgID.String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating media directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), body, 0644); err != nil {
		return "", fmt.Errorf("error writing media file: %w", err)
	}

	return fmt.Sprintf("%s/media/%s/%s", s.base, orgID, name), nil
}
