package media_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/media"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := media.NewLocalStore(dir, "https://api.example.com/")

	// a JPEG is recognized from its bytes no matter what the upload said
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("not really pixels")...)
	url, err := store.Put(ctx, models.OrgID(3), "photo.bin", "application/octet-stream", jpeg)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(url, "https://api.example.com/media/3/"), "unexpected url %s", url)
	assert.True(t, strings.HasSuffix(url, ".jpg"), "unexpected url %s", url)

	name := url[strings.LastIndex(url, "/")+1:]
	saved, err := os.ReadFile(filepath.Join(dir, "3", name))
	require.NoError(t, err)
	assert.Equal(t, jpeg, saved)

	// unrecognized bytes keep the filename's extension and the declared type
	url, err = store.Put(ctx, models.OrgID(3), "notes.txt", "text/plain", []byte("hello world"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, ".txt"), "unexpected url %s", url)

	// files for different orgs land in different directories
	url, err = store.Put(ctx, models.OrgID(4), "photo.jpg", "", jpeg)
	require.NoError(t, err)
	assert.Contains(t, url, "/media/4/")

	entries, err := os.ReadDir(filepath.Join(dir, "4"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
