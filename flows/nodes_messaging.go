package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nyaruka/gocommon/stringsx"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/whatsapp"
)

// the provider renders at most this many rows per list message, we keep one
// slot free on paged lists for the Next / Back rows
const listPageSize = 9

// synthetic row ids used to page a long list
const (
	rowNext = "__next"
	rowPrev = "__prev"
)

type messageConfig struct {
	Text string `json:"text"`
}

func (r *run) executeMessage(ctx context.Context, node *models.Node) (string, error) {
	cfg := &messageConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if err := r.sendText(ctx, r.render(cfg.Text)); err != nil {
		return "", err
	}
	return r.flow.NextDefault(node.ID), nil
}

type mediaNodeConfig struct {
	URL      string `json:"url"`
	MediaID  string `json:"mediaId"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

func (r *run) executeMedia(ctx context.Context, node *models.Node) (string, error) {
	cfg := &mediaNodeConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	url := NormalizeDriveURL(r.render(cfg.URL))
	mediaID := r.render(cfg.MediaID)
	if mediaID != "" {
		url = "" // the provider takes exactly one of a link or a media id
	}
	if url == "" && mediaID == "" {
		return "", errs.Newf(errs.Validation, "%s node requires a url or media id", node.Type)
	}

	if err := r.sendMedia(ctx, models.MsgType(node.Type), url, mediaID, r.render(cfg.Caption), cfg.Filename); err != nil {
		return "", err
	}
	return r.flow.NextDefault(node.ID), nil
}

var (
	driveFileRegex = regexp.MustCompile(`^https://drive\.google\.com/file/d/([^/?#]+)`)
	driveOpenRegex = regexp.MustCompile(`^https://drive\.google\.com/open\?id=([^&#]+)`)
)

// NormalizeDriveURL rewrites Google Drive share links to their direct
// download form, other URLs pass through untouched.
func NormalizeDriveURL(url string) string {
	if m := driveFileRegex.FindStringSubmatch(url); m != nil {
		return "https://drive.google.com/uc?export=download&id=" + m[1]
	}
	if m := driveOpenRegex.FindStringSubmatch(url); m != nil {
		return "https://drive.google.com/uc?export=download&id=" + m[1]
	}
	return url
}

type buttonOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type buttonConfig struct {
	Text           string         `json:"text"`
	Header         string         `json:"header"`
	Footer         string         `json:"footer"`
	Buttons        []buttonOption `json:"buttons"`
	Btn0           *buttonOption  `json:"btn0"`
	Btn1           *buttonOption  `json:"btn1"`
	Btn2           *buttonOption  `json:"btn2"`
	Variable       string         `json:"variable"`
	RetryOnInvalid bool           `json:"retryOnInvalid"`
	InvalidText    string         `json:"invalidText"`
}

// options merges the two shapes builders produce, a buttons array or
// numbered btn0..btn2 keys
func (c *buttonConfig) options() []buttonOption {
	if len(c.Buttons) > 0 {
		return c.Buttons
	}
	var opts []buttonOption
	for _, b := range []*buttonOption{c.Btn0, c.Btn1, c.Btn2} {
		if b != nil {
			opts = append(opts, *b)
		}
	}
	return opts
}

// promptButton sends the button prompt and parks the offered options in the
// bag so the reply can be matched against exactly what was shown
func (r *run) promptButton(ctx context.Context, node *models.Node) error {
	cfg := &buttonConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return err
	}
	options := cfg.options()
	if len(options) == 0 {
		return errs.New(errs.Validation, "button node has no buttons")
	}

	in := &whatsapp.Interactive{Type: "button"}
	in.Body.Text = r.render(cfg.Text)
	if cfg.Header != "" {
		in.Header = &whatsapp.Header{Type: "text", Text: r.render(cfg.Header)}
	}
	if cfg.Footer != "" {
		in.Footer = &whatsapp.Footer{Text: r.render(cfg.Footer)}
	}

	in.Action = &whatsapp.Action{}
	pending := make([]models.Value, len(options))
	for i, b := range options {
		title := r.render(b.Title)
		id := b.ID
		if id == "" {
			id = fmt.Sprintf("btn%d", i)
		}
		in.Action.Buttons = append(in.Action.Buttons, whatsapp.ReplyButton(id, title))
		pending[i] = models.ObjectValue(map[string]models.Value{
			"id":    models.StringValue(id),
			"title": models.StringValue(title),
		})
	}
	r.session.Vars.Set(varPendingButtons, models.ArrayValue(pending))

	return r.sendInteractive(ctx, in)
}

// captureButton matches the reply against the pending buttons, by id first
// and shown title second
func (r *run) captureButton(ctx context.Context, node *models.Node) (string, bool, error) {
	cfg := &buttonConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", false, err
	}

	pending, _ := r.session.Vars.Get(varPendingButtons)
	options, _ := pending.Array()

	matched := -1
	title := ""
	for i, opt := range options {
		id, _ := opt.Field("id")
		optTitle, _ := opt.Field("title")
		if (r.input.SelectionID != "" && r.input.SelectionID == id.String()) ||
			(r.input.Text != "" && strings.EqualFold(strings.TrimSpace(r.input.Text), optTitle.String())) {
			matched, title = i, optTitle.String()
			break
		}
	}

	if matched == -1 {
		if cfg.RetryOnInvalid {
			prompt := cfg.InvalidText
			if prompt == "" {
				prompt = "Please pick one of the buttons."
			}
			if err := r.sendText(ctx, r.render(prompt)); err != nil {
				return "", false, err
			}
			return "", true, nil
		}
		delete(r.session.Vars, varPendingButtons)
		return r.flow.NextDefault(node.ID), false, nil
	}

	variable := cfg.Variable
	if variable == "" || !models.ValidVarName(variable) {
		variable = "selected_button"
	}
	r.session.Vars.Set(variable, models.StringValue(title))
	r.session.Vars.Set(varLastSelection, models.StringValue(title))
	delete(r.session.Vars, varPendingButtons)

	return r.flow.Next(node.ID, fmt.Sprintf("btn%d", matched), fmt.Sprintf("btn_%d", matched), "default", ""), false, nil
}

type listRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type listSection struct {
	Title string    `json:"title"`
	Rows  []listRow `json:"rows"`
}

type listConfig struct {
	Text           string        `json:"text"`
	Header         string        `json:"header"`
	Footer         string        `json:"footer"`
	ButtonLabel    string        `json:"button"`
	Sections       []listSection `json:"sections"`
	Source         string        `json:"source"` // inline, variable or sheet
	SourceVariable string        `json:"sourceVariable"`
	SheetURL       string        `json:"sheetUrl"`
	Variable       string        `json:"variable"`
	RetryOnInvalid bool          `json:"retryOnInvalid"`
	InvalidText    string        `json:"invalidText"`
}

// promptList assembles the full row set, parks it in the bag and sends the
// first page
func (r *run) promptList(ctx context.Context, node *models.Node) error {
	cfg := &listConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return err
	}

	rows, err := r.listRows(ctx, cfg)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errs.New(errs.Validation, "list node has no rows")
	}

	pending := make([]models.Value, len(rows))
	for i, row := range rows {
		pending[i] = models.ObjectValue(map[string]models.Value{
			"id":          models.StringValue(row.ID),
			"title":       models.StringValue(row.Title),
			"description": models.StringValue(row.Description),
		})
	}
	r.session.Vars.Set(varPendingList, models.ArrayValue(pending))
	r.session.Vars.Set(varListPage, models.NumberValue(0))

	return r.sendListPage(ctx, cfg, rows, 0)
}

// listRows assembles the rows for a list node from its configured source,
// row ids stay stable across pages
func (r *run) listRows(ctx context.Context, cfg *listConfig) ([]listRow, error) {
	switch {
	case cfg.Source == "variable" || (cfg.Source == "" && cfg.SourceVariable != ""):
		val, ok := r.session.Vars.Resolve(cfg.SourceVariable)
		if !ok {
			return nil, errs.Newf(errs.Validation, "list source variable '%s' is not set", cfg.SourceVariable)
		}
		return rowsFromValue(val), nil

	case cfg.Source == "sheet" || (cfg.Source == "" && cfg.SheetURL != ""):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.render(cfg.SheetURL), nil)
		if err != nil {
			return nil, err
		}
		resp, body, err := r.doNode(req)
		if err != nil {
			return nil, errs.ErrConnectionFailed
		}
		if resp.StatusCode/100 != 2 {
			return nil, errs.Newf(errs.Provider, "list source returned status %d", resp.StatusCode)
		}
		val := models.Value{}
		if err := val.UnmarshalJSON(body); err != nil {
			return nil, errs.Wrap(errs.Validation, "list source did not return JSON", err)
		}
		return rowsFromValue(val), nil
	}

	var rows []listRow
	for _, s := range cfg.Sections {
		for _, row := range s.Rows {
			row.Title = r.render(row.Title)
			row.Description = r.render(row.Description)
			if row.ID == "" {
				row.ID = fmt.Sprintf("row_%d", len(rows))
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// rowsFromValue converts an array value into rows, scalar elements become
// titles with synthesized row_<i> ids, objects may carry their own id,
// title and description
func rowsFromValue(val models.Value) []listRow {
	elems, _ := val.Array()
	rows := make([]listRow, 0, len(elems))
	for i, el := range elems {
		row := listRow{ID: fmt.Sprintf("row_%d", i)}
		if id, ok := el.Field("id"); ok {
			row.ID = id.String()
		}
		if title, ok := el.Field("title"); ok {
			row.Title = title.String()
		} else {
			row.Title = el.String()
		}
		if desc, ok := el.Field("description"); ok {
			row.Description = desc.String()
		}
		rows = append(rows, row)
	}
	return rows
}

// sendListPage renders one page of rows, with Back / Next rows when there
// are more pages
func (r *run) sendListPage(ctx context.Context, cfg *listConfig, rows []listRow, page int) error {
	start := page * listPageSize
	if start < 0 || start >= len(rows) {
		start = 0
	}
	end := min(start+listPageSize, len(rows))

	sectionRows := make([]whatsapp.SectionRow, 0, listPageSize+2)
	for _, row := range rows[start:end] {
		sectionRows = append(sectionRows, whatsapp.SectionRow{
			ID:          row.ID,
			Title:       stringsx.Truncate(row.Title, 24),
			Description: stringsx.Truncate(row.Description, 72),
		})
	}
	if page > 0 {
		sectionRows = append(sectionRows, whatsapp.SectionRow{ID: rowPrev, Title: "« Back"})
	}
	if end < len(rows) {
		sectionRows = append(sectionRows, whatsapp.SectionRow{ID: rowNext, Title: "Next »"})
	}

	in := &whatsapp.Interactive{Type: "list"}
	in.Body.Text = r.render(cfg.Text)
	if cfg.Header != "" {
		in.Header = &whatsapp.Header{Type: "text", Text: r.render(cfg.Header)}
	}
	if cfg.Footer != "" {
		in.Footer = &whatsapp.Footer{Text: r.render(cfg.Footer)}
	}

	label := cfg.ButtonLabel
	if label == "" {
		label = "Options"
	}
	sectionTitle := ""
	if len(cfg.Sections) > 0 {
		sectionTitle = r.render(cfg.Sections[0].Title)
	}
	in.Action = &whatsapp.Action{
		Button:   label,
		Sections: []whatsapp.Section{{Title: sectionTitle, Rows: sectionRows}},
	}

	return r.sendInteractive(ctx, in)
}

// captureList pages on the synthetic rows and otherwise matches the reply
// against the full row set, by id first and shown title second
func (r *run) captureList(ctx context.Context, node *models.Node) (string, bool, error) {
	cfg := &listConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", false, err
	}

	pending, _ := r.session.Vars.Get(varPendingList)
	rows := pendingRows(pending)
	pageVal, _ := r.session.Vars.Get(varListPage)
	pageNum, _ := pageVal.Number()
	page := int(pageNum)

	if r.input.SelectionID == rowNext || r.input.SelectionID == rowPrev {
		if r.input.SelectionID == rowNext {
			page++
		} else if page > 0 {
			page--
		}
		r.session.Vars.Set(varListPage, models.NumberValue(float64(page)))
		return "", true, r.sendListPage(ctx, cfg, rows, page)
	}

	matched := -1
	for i, row := range rows {
		if r.input.SelectionID != "" && r.input.SelectionID == row.ID {
			matched = i
			break
		}
	}
	if matched == -1 && r.input.SelectionID == "" && r.input.Text != "" {
		for i, row := range rows {
			if strings.EqualFold(strings.TrimSpace(r.input.Text), row.Title) {
				matched = i
				break
			}
		}
	}

	if matched == -1 {
		if cfg.RetryOnInvalid {
			prompt := cfg.InvalidText
			if prompt == "" {
				prompt = "Please pick an option from the list."
			}
			if err := r.sendText(ctx, r.render(prompt)); err != nil {
				return "", false, err
			}
			return "", true, nil
		}
		delete(r.session.Vars, varPendingList)
		delete(r.session.Vars, varListPage)
		return r.flow.NextDefault(node.ID), false, nil
	}

	row := rows[matched]
	variable := cfg.Variable
	if variable == "" || !models.ValidVarName(variable) {
		variable = "selected_list"
	}
	r.session.Vars.Set(variable, models.StringValue(row.Title))
	r.session.Vars.Set("selected_list_id", models.StringValue(row.ID))
	r.session.Vars.Set(varLastSelection, models.StringValue(row.Title))
	delete(r.session.Vars, varPendingList)
	delete(r.session.Vars, varListPage)

	return r.flow.Next(node.ID, row.ID, "default", ""), false, nil
}

// pendingRows rebuilds the row set parked by promptList
func pendingRows(val models.Value) []listRow {
	elems, _ := val.Array()
	rows := make([]listRow, 0, len(elems))
	for _, el := range elems {
		id, _ := el.Field("id")
		title, _ := el.Field("title")
		desc, _ := el.Field("description")
		rows = append(rows, listRow{ID: id.String(), Title: title.String(), Description: desc.String()})
	}
	return rows
}

type flowNodeConfig struct {
	Text   string `json:"text"`
	Header string `json:"header"`
	Footer string `json:"footer"`
	FlowID string `json:"flowId"`
	CTA    string `json:"cta"`
	Token  string `json:"token"`
}

// promptFlow sends a WhatsApp Flow form the contact fills in natively
func (r *run) promptFlow(ctx context.Context, node *models.Node) error {
	cfg := &flowNodeConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return err
	}
	if cfg.FlowID == "" {
		return errs.New(errs.Validation, "flow node requires a flow id")
	}

	in := &whatsapp.Interactive{Type: "flow"}
	in.Body.Text = r.render(cfg.Text)
	if cfg.Header != "" {
		in.Header = &whatsapp.Header{Type: "text", Text: r.render(cfg.Header)}
	}
	if cfg.Footer != "" {
		in.Footer = &whatsapp.Footer{Text: r.render(cfg.Footer)}
	}
	in.Action = &whatsapp.Action{
		Name: "flow",
		Parameters: &whatsapp.FlowParameters{
			FlowMessageVersion: "3",
			FlowID:             cfg.FlowID,
			FlowToken:          cfg.Token,
			FlowCTA:            r.render(cfg.CTA),
		},
	}

	return r.sendInteractive(ctx, in)
}

// captureFlow merges the fields submitted through the form into the bag
func (r *run) captureFlow(node *models.Node) (string, bool, error) {
	if r.input.FormJSON != "" {
		fields := map[string]models.Value{}
		if err := json.Unmarshal([]byte(r.input.FormJSON), &fields); err != nil {
			return "", false, errs.Wrap(errs.Validation, "error parsing form reply", err)
		}
		for name, val := range fields {
			if name == "flow_token" || !models.ValidVarName(name) {
				continue
			}
			r.session.Vars.Set(name, val)
		}
	}
	return r.flow.NextDefault(node.ID), false, nil
}

type catalogueConfig struct {
	Text      string   `json:"text"`
	Header    string   `json:"header"`
	Section   string   `json:"section"`
	CatalogID string   `json:"catalogId"`
	Products  []string `json:"products"`
}

func (r *run) executeCatalogue(ctx context.Context, node *models.Node) (string, error) {
	cfg := &catalogueConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if cfg.CatalogID == "" || len(cfg.Products) == 0 {
		return "", errs.New(errs.Validation, "catalogue node requires a catalog id and products")
	}

	items := make([]whatsapp.ProductItem, len(cfg.Products))
	for i, p := range cfg.Products {
		items[i] = whatsapp.ProductItem{ProductRetailerID: r.render(p)}
	}

	in := &whatsapp.Interactive{Type: "product_list"}
	in.Body.Text = r.render(cfg.Text)
	header := cfg.Header
	if header == "" {
		header = "Products" // the provider requires a header on product lists
	}
	in.Header = &whatsapp.Header{Type: "text", Text: r.render(header)}
	in.Action = &whatsapp.Action{
		CatalogID: cfg.CatalogID,
		Sections:  []whatsapp.Section{{Title: r.render(cfg.Section), ProductItems: items}},
	}

	if err := r.sendInteractive(ctx, in); err != nil {
		return "", err
	}
	return r.flow.NextDefault(node.ID), nil
}

type groupImagesConfig struct {
	Source       string   `json:"source"` // array variable of urls
	URLs         []string `json:"urls"`
	DelaySeconds int      `json:"delaySeconds"`
	Caption      string   `json:"caption"`
}

// executeGroupImages sends a set of images in order, the caption rides on
// the last one
func (r *run) executeGroupImages(ctx context.Context, node *models.Node) (string, error) {
	cfg := &groupImagesConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	urls := make([]string, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		urls = append(urls, r.render(u))
	}
	if cfg.Source != "" {
		if val, ok := r.session.Vars.Resolve(cfg.Source); ok {
			elems, _ := val.Array()
			for _, el := range elems {
				urls = append(urls, el.String())
			}
		}
	}
	if len(urls) == 0 {
		return "", errs.New(errs.Validation, "group_images node has no images")
	}

	for i, u := range urls {
		if i > 0 {
			if err := sleep(ctx, time.Duration(cfg.DelaySeconds)*time.Second); err != nil {
				return "", err
			}
		}
		caption := ""
		if i == len(urls)-1 {
			caption = r.render(cfg.Caption)
		}
		if err := r.sendMedia(ctx, models.MsgTypeImage, NormalizeDriveURL(u), "", caption, ""); err != nil {
			return "", err
		}
	}
	return r.flow.NextDefault(node.ID), nil
}

type sendExternalConfig struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// executeSendExternal sends a plain text to an arbitrary phone, outside the
// contact's conversation and without recording a message
func (r *run) executeSendExternal(ctx context.Context, node *models.Node) (string, error) {
	cfg := &sendExternalConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	to := models.DigitsOnly(r.render(cfg.Phone))
	if to == "" {
		return "", errs.New(errs.Validation, "send_external node requires a phone")
	}
	if _, err := r.client.Send(ctx, to, whatsapp.NewText(r.render(cfg.Text))); err != nil {
		return "", err
	}
	return r.flow.NextDefault(node.ID), nil
}

type agentConfig struct {
	Text string `json:"text"`
}

// executeAgent hands the conversation to a human: the thread reopens for
// the inbox, an optional message tells the contact, and the session ends
func (r *run) executeAgent(ctx context.Context, node *models.Node) (string, error) {
	cfg := &agentConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	if cfg.Text != "" {
		if err := r.sendText(ctx, r.render(cfg.Text)); err != nil {
			return "", err
		}
	}

	if err := r.engine.db.UpdateConversationStatus(ctx, r.org.ID, r.conv.ID, models.ConversationStatusOpen); err != nil {
		return "", fmt.Errorf("error reopening conversation for handoff: %w", err)
	}
	r.conv.Status = models.ConversationStatusOpen
	r.engine.pub.Publish(realtime.OrgRoom(r.org.ID), &realtime.Event{Type: realtime.EventConversationStatus, Data: r.conv})

	return "", nil // terminal, the walk exits and the session is dropped
}
