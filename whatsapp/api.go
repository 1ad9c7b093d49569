package whatsapp

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/tucanchat/tucan/core/models"
)

// see https://developers.facebook.com/docs/whatsapp/cloud-api/webhooks/payload-examples#message-status-updates
var StatusMapping = map[string]models.MsgStatus{
	"sent":      models.MsgStatusSent,
	"delivered": models.MsgStatusDelivered,
	"read":      models.MsgStatusRead,
	"failed":    models.MsgStatusFailed,
}

var IgnoreStatuses = map[string]bool{
	"deleted": true,
	"warning": true,
}

// error codes the provider uses to tell us to slow down, sends that hit these
// are worth retrying later
var ThrottlingErrorCodes = []int{4, 80007, 130429, 131048, 131056, 133016}

// Payload is the body of a webhook POST
// see https://developers.facebook.com/docs/whatsapp/cloud-api/webhooks/components#notification-payload-object
type Payload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string   `json:"id"`
		Time    int64    `json:"time"`
		Changes []Change `json:"changes"`
	} `json:"entry" validate:"required"`
}

type Change struct {
	Field string `json:"field"`
	Value struct {
		MessagingProduct string      `json:"messaging_product"`
		Metadata         *WAMetadata `json:"metadata"`
		Contacts         []WAContact `json:"contacts"`
		Messages         []WAMessage `json:"messages"`
		Statuses         []WAStatus  `json:"statuses"`
		Errors           []WAError   `json:"errors"`
	} `json:"value"`
}

type WAMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type WAContact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

type WAError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Details struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

// see https://developers.facebook.com/docs/whatsapp/cloud-api/reference/media#example-2
type MOMedia struct {
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	ID       string `json:"id"`
	Mimetype string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Animated bool   `json:"animated,omitempty"`
}

type WAMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Context   *struct {
		Forwarded           bool   `json:"forwarded"`
		FrequentlyForwarded bool   `json:"frequently_forwarded"`
		From                string `json:"from"`
		ID                  string `json:"id"`
	} `json:"context"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *MOMedia `json:"image"`
	Audio    *MOMedia `json:"audio"`
	Video    *MOMedia `json:"video"`
	Document *MOMedia `json:"document"`
	Voice    *MOMedia `json:"voice"`
	Sticker  *MOMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive struct {
		Type        string `json:"type"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
		ListReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
		NFMReply struct {
			Name         string `json:"name"`
			Body         string `json:"body"`
			ResponseJSON string `json:"response_json"`
		} `json:"nfm_reply,omitempty"`
	} `json:"interactive,omitempty"`
	Order *struct {
		CatalogID    string `json:"catalog_id"`
		Text         string `json:"text"`
		ProductItems []struct {
			ProductRetailerID string  `json:"product_retailer_id"`
			Quantity          int     `json:"quantity"`
			ItemPrice         float64 `json:"item_price"`
			Currency          string  `json:"currency"`
		} `json:"product_items"`
	} `json:"order"`
	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction"`
	Errors []WAError `json:"errors"`
}

// SentOn returns the message timestamp as a time, provider timestamps are
// unix seconds but have been seen in milliseconds too
func (m *WAMessage) SentOn() time.Time {
	ts, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	if ts >= 1_000_000_000_000 {
		slog.Error("webhook timestamp is in milliseconds instead of seconds", "timestamp", ts)
		return time.Unix(0, ts*1000000).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

// MsgType maps the provider message type onto our own message types
func (m *WAMessage) MsgType() models.MsgType {
	switch m.Type {
	case "text":
		return models.MsgTypeText
	case "image":
		return models.MsgTypeImage
	case "video":
		return models.MsgTypeVideo
	case "audio", "voice":
		return models.MsgTypeAudio
	case "document":
		return models.MsgTypeDocument
	case "sticker":
		return models.MsgTypeSticker
	case "location":
		return models.MsgTypeLocation
	case "contacts":
		return models.MsgTypeContacts
	case "button":
		return models.MsgTypeButton
	case "interactive":
		if m.Interactive.Type == "nfm_reply" {
			return models.MsgTypeFlow
		}
		return models.MsgTypeInteractive
	case "order":
		return models.MsgTypeOrder
	case "reaction":
		return models.MsgTypeReaction
	default:
		return models.MsgTypeUnknown
	}
}

// MediaPart returns the media attached to this message or nil
func (m *WAMessage) MediaPart() *MOMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "video":
		return m.Video
	case "audio":
		return m.Audio
	case "voice":
		return m.Voice
	case "document":
		return m.Document
	case "sticker":
		return m.Sticker
	}
	return nil
}

// ExtractText returns the textual content of this message, the body for text
// messages, the caption for media, the selected title for interactive replies
func (m *WAMessage) ExtractText() string {
	switch m.Type {
	case "text":
		return m.Text.Body
	case "button":
		if m.Button != nil {
			return m.Button.Text
		}
	case "interactive":
		switch m.Interactive.Type {
		case "button_reply":
			return m.Interactive.ButtonReply.Title
		case "list_reply":
			return m.Interactive.ListReply.Title
		case "nfm_reply":
			return m.Interactive.NFMReply.Body
		}
	case "location":
		if m.Location != nil {
			return m.Location.Name
		}
	case "order":
		if m.Order != nil {
			return m.Order.Text
		}
	case "reaction":
		if m.Reaction != nil {
			return m.Reaction.Emoji
		}
	default:
		if media := m.MediaPart(); media != nil {
			return media.Caption
		}
	}
	return ""
}

// SelectionID returns the id of the interactive selection this message is a
// reply with, or empty for everything else
func (m *WAMessage) SelectionID() string {
	if m.Type == "button" && m.Button != nil {
		return m.Button.Payload
	}
	if m.Type == "interactive" {
		switch m.Interactive.Type {
		case "button_reply":
			return m.Interactive.ButtonReply.ID
		case "list_reply":
			return m.Interactive.ListReply.ID
		}
	}
	return ""
}

type WAStatus struct {
	ID           string `json:"id"`
	RecipientID  string `json:"recipient_id"`
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	Conversation *struct {
		ID     string `json:"id"`
		Origin *struct {
			Type string `json:"type"`
		} `json:"origin"`
	} `json:"conversation"`
	Errors []WAError `json:"errors"`
}

// FailReason returns the first error on this status flattened to a single
// line, or empty
func (s *WAStatus) FailReason() string {
	if len(s.Errors) == 0 {
		return ""
	}
	e := s.Errors[0]
	reason := e.Title
	if reason == "" {
		reason = e.Message
	}
	if e.Details.Details != "" {
		reason += ": " + e.Details.Details
	}
	return reason
}

// see https://developers.facebook.com/docs/whatsapp/cloud-api/guides/send-messages#media-messages
type Media struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type Text struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type Section struct {
	Title        string        `json:"title,omitempty"`
	Rows         []SectionRow  `json:"rows,omitempty"`
	ProductItems []ProductItem `json:"product_items,omitempty"`
}

type SectionRow struct {
	ID          string `json:"id" validate:"required"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type ProductItem struct {
	ProductRetailerID string `json:"product_retailer_id"`
}

type Button struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

// ReplyButton builds a reply button for an interactive button message
func ReplyButton(id, title string) Button {
	b := Button{Type: "reply"}
	b.Reply.ID = id
	b.Reply.Title = title
	return b
}

type Header struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Video    *Media `json:"video,omitempty"`
	Image    *Media `json:"image,omitempty"`
	Document *Media `json:"document,omitempty"`
}

type Footer struct {
	Text string `json:"text"`
}

// FlowParameters name the Meta Flow an interactive flow message opens
// see https://developers.facebook.com/docs/whatsapp/flows/gettingstarted/sendingaflow
type FlowParameters struct {
	FlowMessageVersion string          `json:"flow_message_version"`
	FlowID             string          `json:"flow_id"`
	FlowToken          string          `json:"flow_token,omitempty"`
	FlowCTA            string          `json:"flow_cta"`
	FlowAction         string          `json:"flow_action,omitempty"`
	FlowActionPayload  json.RawMessage `json:"flow_action_payload,omitempty"`
}

type Action struct {
	Name              string          `json:"name,omitempty"`
	Button            string          `json:"button,omitempty"`
	Sections          []Section       `json:"sections,omitempty"`
	Buttons           []Button        `json:"buttons,omitempty"`
	CatalogID         string          `json:"catalog_id,omitempty"`
	ProductRetailerID string          `json:"product_retailer_id,omitempty"`
	Parameters        *FlowParameters `json:"parameters,omitempty"`
}

// see https://developers.facebook.com/docs/whatsapp/cloud-api/reference/messages#interactive-object
type Interactive struct {
	Type   string  `json:"type"`
	Header *Header `json:"header,omitempty"`
	Body   struct {
		Text string `json:"text"`
	} `json:"body"`
	Footer *Footer `json:"footer,omitempty"`
	Action *Action `json:"action,omitempty"`
}

type Language struct {
	Policy string `json:"policy"`
	Code   string `json:"code"`
}

type Param struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Payload  string `json:"payload,omitempty"`
	Image    *Media `json:"image,omitempty"`
	Video    *Media `json:"video,omitempty"`
	Document *Media `json:"document,omitempty"`
}

type Component struct {
	Type    string   `json:"type"`
	SubType string   `json:"sub_type,omitempty"`
	Index   string   `json:"index,omitempty"`
	Params  []*Param `json:"parameters"`
}

// see https://developers.facebook.com/docs/whatsapp/cloud-api/reference/messages#template-object
type Template struct {
	Name       string       `json:"name"`
	Language   *Language    `json:"language"`
	Components []*Component `json:"components,omitempty"`
}

// see https://developers.facebook.com/docs/whatsapp/cloud-api/guides/send-messages#request-syntax
type SendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`

	Text *Text `json:"text,omitempty"`

	Document *Media `json:"document,omitempty"`
	Image    *Media `json:"image,omitempty"`
	Audio    *Media `json:"audio,omitempty"`
	Video    *Media `json:"video,omitempty"`
	Sticker  *Media `json:"sticker,omitempty"`

	Location *Location `json:"location,omitempty"`
	Reaction *Reaction `json:"reaction,omitempty"`

	Interactive *Interactive `json:"interactive,omitempty"`

	Template *Template `json:"template,omitempty"`
}

// see https://developers.facebook.com/docs/whatsapp/cloud-api/guides/send-messages#response-syntax
type SendResponse struct {
	Messages []*struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}
