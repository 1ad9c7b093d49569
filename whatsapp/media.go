package whatsapp

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/h2non/filetype"
	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/redisx"
	cache "github.com/patrickmn/go-cache"
	"github.com/tucanchat/tucan/core/errs"
)

const mediaCacheKeyPattern = "media-ids:%s"

// media uploads that failed recently, not retried until the entry expires
var failedMediaCache = cache.New(15*time.Minute, 15*time.Minute)

// ResolveMediaURL fetches the short lived download URL behind a provider
// media id
func (c *Client) ResolveMediaURL(ctx context.Context, mediaID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(mediaID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.org.AccessToken)

	resp, respBody, err := c.request(apiClient, req)
	if err != nil || resp.StatusCode/100 == 5 {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", graphError(respBody)
	}

	mediaURL, err := jsonparser.GetString(respBody, "url")
	if err != nil {
		return "", errs.Wrap(errs.Provider, "media response missing url", err)
	}
	return mediaURL, nil
}

// DownloadMedia fetches the bytes behind a previously resolved media URL,
// returning them with the sniffed content type
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.org.AccessToken)

	trace, err := httpx.DoTrace(apiClient, req, nil, nil, maxMediaBytes)
	if err != nil || trace.Response == nil || trace.Response.StatusCode/100 == 5 {
		return nil, "", errs.ErrConnectionFailed
	}
	if trace.Response.StatusCode/100 != 2 {
		return nil, "", errs.Newf(errs.Provider, "media download returned status %d", trace.Response.StatusCode)
	}

	contentType := ""
	if kind, err := filetype.Match(trace.ResponseBody); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}
	if contentType == "" {
		contentType = trace.Response.Header.Get("Content-Type")
	}
	return trace.ResponseBody, contentType, nil
}

// UploadMedia uploads raw media bytes to the org's number and returns the new
// media id
func (c *Client) UploadMedia(ctx context.Context, filename string, body []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType, _ = httpx.DetectContentType(body)
	}

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	head := textproto.MIMEHeader{}
	head.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	head.Set("Content-Type", contentType)
	part, err := w.CreatePart(head)
	if err != nil {
		return "", err
	}
	part.Write(body)
	w.WriteField("type", contentType)
	w.WriteField("messaging_product", "whatsapp")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(c.org.PhoneNumberID+"/media"), buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.org.AccessToken)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, respBody, err := c.request(uploadClient, req)
	if err != nil || resp.StatusCode/100 == 5 {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", graphError(respBody)
	}

	mediaID, err := jsonparser.GetString(respBody, "id")
	if err != nil {
		return "", errs.Wrap(errs.Provider, "upload response missing media id", err)
	}
	return mediaID, nil
}

// MediaIDForURL returns a provider media id for the given source URL,
// downloading and uploading the media on first use and caching the id after.
// Soft failures return an empty id so callers fall back to sending the link,
// and are cached so a flaky source isn't hammered.
func (c *Client) MediaIDForURL(ctx context.Context, mediaURL string) (string, error) {
	if c.rt.RP == nil {
		return "", nil
	}
	rc := c.rt.RP.Get()
	defer rc.Close()

	cacheKey := fmt.Sprintf(mediaCacheKeyPattern, c.org.UUID)
	mediaCache := redisx.NewIntervalHash(cacheKey, time.Hour*24, 2)
	mediaID, err := mediaCache.Get(rc, mediaURL)
	if err != nil {
		return "", fmt.Errorf("error reading media id from cache %s: %w", cacheKey, err)
	} else if mediaID != "" {
		return mediaID, nil
	}

	// any value in the failure cache means we tried recently and shouldn't again
	failKey := fmt.Sprintf("%s-%s", c.org.UUID, mediaURL)
	if found, _ := failedMediaCache.Get(failKey); found != nil {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", fmt.Errorf("error building media request: %w", err)
	}
	trace, err := httpx.DoTrace(uploadClient, req, nil, nil, maxMediaBytes)
	if err != nil || trace.Response == nil || trace.Response.StatusCode/100 != 2 {
		failedMediaCache.Set(failKey, true, cache.DefaultExpiration)
		return "", nil
	}

	contentType, extension := httpx.DetectContentType(trace.ResponseBody)
	mediaID, err = c.UploadMedia(ctx, "media"+extension, trace.ResponseBody, contentType)
	if err != nil {
		failedMediaCache.Set(failKey, true, cache.DefaultExpiration)
		return "", nil
	}

	if err := mediaCache.Set(rc, mediaURL, mediaID); err != nil {
		return "", fmt.Errorf("error setting media id in cache %s: %w", cacheKey, err)
	}
	return mediaID, nil
}

// UploadSession runs the resumable upload flow for template header media,
// returning the opaque handle to reference in template creation
func (c *Client) UploadSession(ctx context.Context, filename string, body []byte, contentType string) (string, error) {
	if c.rt.Config.GraphAppID == "" {
		return "", errs.New(errs.Validation, "no app id configured for resumable uploads")
	}
	if contentType == "" {
		contentType, _ = httpx.DetectContentType(body)
	}

	query := url.Values{}
	query.Set("file_name", filename)
	query.Set("file_length", strconv.Itoa(len(body)))
	query.Set("file_type", contentType)
	sessionURL := c.apiURL(c.rt.Config.GraphAppID+"/uploads") + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.org.AccessToken)

	resp, respBody, err := c.request(apiClient, req)
	if err != nil || resp.StatusCode/100 == 5 {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", graphError(respBody)
	}
	sessionID, err := jsonparser.GetString(respBody, "id")
	if err != nil {
		return "", errs.Wrap(errs.Provider, "upload session response missing id", err)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(sessionID), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "OAuth "+c.org.AccessToken)
	req.Header.Set("file_offset", "0")
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, respBody, err = c.request(uploadClient, req)
	if err != nil || resp.StatusCode/100 == 5 {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", graphError(respBody)
	}
	handle, err := jsonparser.GetString(respBody, "h")
	if err != nil {
		return "", errs.Wrap(errs.Provider, "upload response missing handle", err)
	}
	return handle, nil
}
