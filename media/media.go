// Package media persists inbound and uploaded media files and hands back
// public URLs for them. Production uses S3, development can use a local
// directory served by the API.
package media

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/h2non/filetype"
	"github.com/nyaruka/gocommon/aws/s3x"
	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/gocommon/uuids"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
	"github.com/tucanchat/tucan/runtime"
)

// S3Store writes media to the configured S3 bucket under
// media/{org}/{uuid}.{ext} and returns the object URL.
type S3Store struct {
	svc    *s3x.Service
	bucket string
}

func NewS3Store(rt *runtime.Runtime) *S3Store {
	return &S3Store{svc: rt.S3, bucket: rt.Config.S3MediaBucket}
}

var _ store.MediaStore = (*S3Store)(nil)

func (s *S3Store) Put(ctx context.Context, orgID models.OrgID, filename, contentType string, body []byte) (string, error) {
	contentType, extension := typeAndExtension(filename, contentType, body)

	key := fmt.Sprintf("media/%s/%s", orgID, uuids.NewV4())
	if extension != "" {
		key += "." + extension
	}

	url, err := s.svc.PutObject(ctx, s.bucket, key, contentType, body, types.ObjectCannedACLPublicRead)
	if err != nil {
		return "", fmt.Errorf("error writing media to s3: %w", err)
	}
	return url, nil
}

// typeAndExtension works out the definitive content type and file extension
// for a piece of media, trusting what the bytes themselves say over the
// filename or the declared type.
func typeAndExtension(filename, contentType string, body []byte) (string, string) {
	extension := filepath.Ext(filename)
	if extension != "" {
		extension = extension[1:]
	}

	head := body
	if len(head) > 300 {
		head = head[:300]
	}

	// first try matching from the body itself
	fileType, _ := filetype.Match(head)
	if fileType != filetype.Unknown {
		return fileType.MIME.Value, fileType.Extension
	}

	// if that didn't work, try from our extension
	fileType = filetype.GetType(extension)
	if fileType != filetype.Unknown {
		return fileType.MIME.Value, fileType.Extension
	}

	// fall back to what the uploader told us, or content sniffing
	if contentType == "" {
		contentType, _ = httpx.DetectContentType(body)
	}
	if extension == "" {
		extensions, err := mime.ExtensionsByType(contentType)
		if err == nil && len(extensions) > 0 {
			extension = extensions[0][1:]
		}
	}

	return contentType, extension
}
