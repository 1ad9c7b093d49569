package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/runtime"
	"golang.org/x/mod/semver"
)

// interactive flow messages were added to the Cloud API in v16.0
const minFlowVersion = "v16.0"

const (
	maxResponseBytes = 1024 * 1024
	maxMediaBytes    = 100 * 1024 * 1024
)

// shared HTTP clients for provider calls, media transfers get longer deadlines
var (
	apiClient = &http.Client{
		Transport: &http.Transport{MaxIdleConns: 10, IdleConnTimeout: 30 * time.Second},
		Timeout:   10 * time.Second,
	}
	uploadClient = &http.Client{
		Transport: &http.Transport{MaxIdleConns: 10, IdleConnTimeout: 30 * time.Second},
		Timeout:   60 * time.Second,
	}
)

// Client makes Cloud API calls on behalf of a single org. Credentials come
// from the org, API version and base URL from the runtime config.
type Client struct {
	rt  *runtime.Runtime
	org *models.Org
}

// NewClient creates a new client for the given org
func NewClient(rt *runtime.Runtime, org *models.Org) *Client {
	return &Client{rt: rt, org: org}
}

// apiURL returns the URL of the given path under our configured API version
func (c *Client) apiURL(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.rt.Config.GraphAPIBaseURL, c.rt.Config.GraphAPIVersion, path)
}

// Envelope is a single outbound message, tagged by type with exactly one
// payload field set. Use the constructors rather than filling one in by hand.
type Envelope struct {
	Type models.MsgType

	Text        *Text
	Media       *Media
	Location    *Location
	Reaction    *Reaction
	Interactive *Interactive
	Template    *Template
}

// NewText returns a text envelope, enabling link previews when the body
// contains a URL
func NewText(body string) *Envelope {
	preview := strings.Contains(body, "http://") || strings.Contains(body, "https://")
	return &Envelope{Type: models.MsgTypeText, Text: &Text{Body: body, PreviewURL: preview}}
}

// NewMedia returns a media envelope of the given type, media must carry
// exactly one of a link or a provider media id
func NewMedia(typ models.MsgType, media *Media) *Envelope {
	return &Envelope{Type: typ, Media: media}
}

// NewLocation returns a location envelope
func NewLocation(lat, lng float64, name, address string) *Envelope {
	return &Envelope{Type: models.MsgTypeLocation, Location: &Location{Latitude: lat, Longitude: lng, Name: name, Address: address}}
}

// NewReaction returns a reaction envelope targeting a previous message
func NewReaction(providerMsgID, emoji string) *Envelope {
	return &Envelope{Type: models.MsgTypeReaction, Reaction: &Reaction{MessageID: providerMsgID, Emoji: emoji}}
}

// NewInteractive returns an envelope for any interactive variant, reply
// buttons, list, flow CTA or product list
func NewInteractive(in *Interactive) *Envelope {
	return &Envelope{Type: models.MsgTypeInteractive, Interactive: in}
}

// NewTemplate returns a template envelope
func NewTemplate(t *Template) *Envelope {
	return &Envelope{Type: models.MsgTypeTemplate, Template: t}
}

// Request builds the wire payload for this envelope
func (e *Envelope) Request(to string) (*SendRequest, error) {
	req := &SendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             string(e.Type),
	}

	switch e.Type {
	case models.MsgTypeText:
		req.Text = e.Text
	case models.MsgTypeImage, models.MsgTypeVideo, models.MsgTypeAudio, models.MsgTypeDocument, models.MsgTypeSticker:
		if e.Media == nil || (e.Media.ID == "") == (e.Media.Link == "") {
			return nil, errs.New(errs.Validation, "media messages require exactly one of a link or a media id")
		}
		switch e.Type {
		case models.MsgTypeImage:
			req.Image = e.Media
		case models.MsgTypeVideo:
			req.Video = e.Media
		case models.MsgTypeAudio:
			req.Audio = e.Media
		case models.MsgTypeDocument:
			req.Document = e.Media
		case models.MsgTypeSticker:
			req.Sticker = e.Media
		}
	case models.MsgTypeLocation:
		req.Location = e.Location
	case models.MsgTypeReaction:
		req.Reaction = e.Reaction
	case models.MsgTypeInteractive:
		if e.Interactive == nil || e.Interactive.Action == nil {
			return nil, errs.New(errs.Validation, "interactive messages require an action")
		}
		if e.Interactive.Type == "button" && len(e.Interactive.Action.Buttons) > 3 {
			return nil, errs.New(errs.Validation, "interactive messages are limited to 3 reply buttons")
		}
		req.Interactive = e.Interactive
	case models.MsgTypeTemplate:
		req.Template = e.Template
	default:
		return nil, errs.Newf(errs.Validation, "unsupported message type '%s'", e.Type)
	}
	return req, nil
}

// Send submits the envelope to the provider and returns the provider's id for
// the new message. Sends are atomic, an error means nothing was accepted.
func (c *Client) Send(ctx context.Context, to string, env *Envelope) (string, error) {
	if env.Interactive != nil && env.Interactive.Type == "flow" && semver.Compare(c.rt.Config.GraphAPIVersion, minFlowVersion) < 0 {
		return "", errs.Newf(errs.Validation, "flow messages require Graph API %s or newer", minFlowVersion)
	}

	payload, err := env.Request(to)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(c.org.PhoneNumberID+"/messages"), bytes.NewReader(jsonx.MustMarshal(payload)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.org.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, respBody, err := c.request(apiClient, req)
	if err != nil || resp.StatusCode/100 == 5 {
		return "", errs.ErrConnectionFailed
	}

	sendResp := &SendResponse{}
	if err := json.Unmarshal(respBody, sendResp); err != nil {
		return "", errs.Wrap(errs.Provider, "error parsing send response", err)
	}

	if sendResp.Error.Code != 0 {
		return "", providerError(sendResp.Error.Code, sendResp.Error.Message)
	}
	if len(sendResp.Messages) == 0 || sendResp.Messages[0].ID == "" {
		return "", errs.New(errs.Provider, "send response missing message id")
	}
	return sendResp.Messages[0].ID, nil
}

// request performs req through httpx so tests can stub the provider
func (c *Client) request(client *http.Client, req *http.Request) (*http.Response, []byte, error) {
	trace, err := httpx.DoTrace(client, req, nil, nil, maxResponseBytes)
	if trace != nil && trace.Response != nil {
		slog.Debug("api call", "org_id", c.org.ID, "path", req.URL.Path, "status", trace.Response.StatusCode, "elapsed", trace.EndTime.Sub(trace.StartTime))
		return trace.Response, trace.ResponseBody, err
	}
	return nil, nil, err
}

// providerError classifies an error code returned by the provider, preserving
// its message and code, throttling codes are transient
func providerError(code int, message string) error {
	if slices.Contains(ThrottlingErrorCodes, code) {
		return errs.WithCode(errs.Transient, strconv.Itoa(code), message)
	}
	if code == 0 {
		return errs.New(errs.Provider, message)
	}
	return errs.WithCode(errs.Provider, strconv.Itoa(code), message)
}

// graphError turns a non-2xx graph response body into a domain error
// preserving the provider's message and code
func graphError(respBody []byte) error {
	message, _ := jsonparser.GetString(respBody, "error", "message")
	code, _ := jsonparser.GetInt(respBody, "error", "code")
	if message == "" {
		message = "unexpected response from provider"
	}
	return providerError(int(code), message)
}
