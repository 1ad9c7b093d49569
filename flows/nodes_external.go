package flows

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/h2non/filetype"
	"github.com/jmoiron/sqlx"
	"github.com/nyaruka/gocommon/jsonx"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

type apiRoute struct {
	ID       string `json:"id"`
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type apiConfig struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	Mappings []varMapping      `json:"mappings"`
	Routes   []apiRoute        `json:"routes"`
}

// executeAPI calls an arbitrary endpoint, copies response values into the
// bag and routes on the first matching case, success when none match
func (r *run) executeAPI(ctx context.Context, node *models.Node) (string, error) {
	cfg := &apiConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if cfg.URL == "" {
		return "", errs.New(errs.Validation, "api node requires a url")
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(r.render(cfg.Body))
	}

	req, err := http.NewRequestWithContext(ctx, method, r.render(cfg.URL), body)
	if err != nil {
		return "", err
	}
	if cfg.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, r.render(v))
	}

	resp, respBody, err := r.doNode(req)
	if err != nil {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", errs.Newf(errs.Provider, "api call returned status %d", resp.StatusCode)
	}

	r.applyMappings(respBody, cfg.Mappings)

	for _, route := range cfg.Routes {
		val, _ := r.session.Vars.Resolve(route.Variable)
		if caseMatches(val, route.Operator, r.render(route.Value)) {
			return r.flow.Next(node.ID, route.ID, "success", "default", ""), nil
		}
	}
	return r.flow.Next(node.ID, "success", "default", ""), nil
}

type sqlConfig struct {
	Driver   string       `json:"driver"`
	DSN      string       `json:"dsn"`
	Query    string       `json:"query"`
	Params   []string     `json:"params"`
	Mappings []varMapping `json:"mappings"`
}

// executeSQL runs a query against the tenant's own database. Rendered values
// bind as parameters, never by splicing into the SQL itself.
func (r *run) executeSQL(ctx context.Context, node *models.Node) (string, error) {
	cfg := &sqlConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if cfg.Driver != "" && cfg.Driver != "postgres" {
		return "", errs.Newf(errs.Validation, "unsupported sql driver '%s'", cfg.Driver)
	}
	if cfg.DSN == "" || cfg.Query == "" {
		return "", errs.New(errs.Validation, "sql node requires a dsn and a query")
	}

	args := make([]any, len(cfg.Params))
	for i, p := range cfg.Params {
		args[i] = r.render(p)
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return "", fmt.Errorf("error connecting to tenant database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryxContext(ctx, cfg.Query, args...)
	if err != nil {
		return "", fmt.Errorf("error querying tenant database: %w", err)
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return "", fmt.Errorf("error reading row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		results = append(results, row)
	}
	if rows.Err() != nil {
		return "", fmt.Errorf("error reading rows: %w", rows.Err())
	}

	doc, err := jsonx.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("error encoding rows: %w", err)
	}
	r.session.Vars.Set("row_count", models.NumberValue(float64(len(results))))
	r.applyMappings(doc, cfg.Mappings)

	if len(results) == 0 {
		return r.flow.Next(node.ID, "fail"), nil
	}
	return r.flow.Next(node.ID, "success", "default", ""), nil
}

type googleSheetConfig struct {
	URL  string            `json:"url"`
	Data map[string]string `json:"data"`
}

// executeGoogleSheet appends a row by posting through the tenant's Apps
// Script endpoint
func (r *run) executeGoogleSheet(ctx context.Context, node *models.Node) (string, error) {
	cfg := &googleSheetConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if cfg.URL == "" {
		return "", errs.New(errs.Validation, "google_sheet node requires a script url")
	}

	payload := make(map[string]string, len(cfg.Data))
	for k, v := range cfg.Data {
		payload[k] = r.render(v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.render(cfg.URL), bytes.NewReader(jsonx.MustMarshal(payload)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, _, err := r.doNode(req)
	if err != nil {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", errs.Newf(errs.Provider, "sheet append returned status %d", resp.StatusCode)
	}
	return r.flow.NextDefault(node.ID), nil
}

type googleSheetQueryConfig struct {
	URL      string            `json:"url"`
	Match    map[string]string `json:"match"`
	Mappings []varMapping      `json:"mappings"`

	// native lookups go straight to the Sheets API instead of a script
	APIKey        string `json:"apiKey"`
	SpreadsheetID string `json:"spreadsheetId"`
	Range         string `json:"range"`
	MatchColumn   string `json:"matchColumn"`
	MatchValue    string `json:"matchValue"`
}

// executeGoogleSheetQuery looks a row up in a sheet, routing fail when
// nothing matches
func (r *run) executeGoogleSheetQuery(ctx context.Context, node *models.Node) (string, error) {
	cfg := &googleSheetQueryConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if cfg.SpreadsheetID != "" {
		return r.querySheetNative(ctx, node, cfg)
	}
	if cfg.URL == "" {
		return "", errs.New(errs.Validation, "google_sheet_query node requires a script url or spreadsheet id")
	}

	query := url.Values{}
	for k, v := range cfg.Match {
		query.Set(k, r.render(v))
	}
	scriptURL := r.render(cfg.URL)
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(scriptURL, "?") {
			sep = "&"
		}
		scriptURL += sep + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return "", err
	}
	resp, respBody, err := r.doNode(req)
	if err != nil {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", errs.Newf(errs.Provider, "sheet query returned status %d", resp.StatusCode)
	}

	// scripts signal no hit with an empty document
	trimmed := strings.TrimSpace(string(respBody))
	if trimmed == "" || trimmed == "{}" || trimmed == "[]" || trimmed == "null" {
		return r.flow.Next(node.ID, "fail"), nil
	}

	r.applyMappings(respBody, cfg.Mappings)
	return r.flow.Next(node.ID, "success", "default", ""), nil
}

// querySheetNative reads the sheet through the Sheets API with a tenant
// provided key, matching one column against a value and storing the hit row
// under its header names
func (r *run) querySheetNative(ctx context.Context, node *models.Node, cfg *googleSheetQueryConfig) (string, error) {
	svc, err := sheets.NewService(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return "", fmt.Errorf("error creating sheets client: %w", err)
	}

	readRange := cfg.Range
	if readRange == "" {
		readRange = "A:Z"
	}
	vr, err := svc.Spreadsheets.Values.Get(cfg.SpreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("error reading sheet: %w", err)
	}
	if len(vr.Values) < 2 {
		return r.flow.Next(node.ID, "fail"), nil
	}

	headers := make([]string, len(vr.Values[0]))
	matchIdx := 0
	for i, h := range vr.Values[0] {
		headers[i] = varNameFromHeader(fmt.Sprint(h))
		if strings.EqualFold(strings.TrimSpace(fmt.Sprint(h)), strings.TrimSpace(cfg.MatchColumn)) {
			matchIdx = i
		}
	}

	want := strings.TrimSpace(r.render(cfg.MatchValue))
	for _, row := range vr.Values[1:] {
		if matchIdx >= len(row) || !strings.EqualFold(strings.TrimSpace(fmt.Sprint(row[matchIdx])), want) {
			continue
		}
		for i, cell := range row {
			if i < len(headers) && headers[i] != "" {
				r.session.Vars.Set(headers[i], models.StringValue(fmt.Sprint(cell)))
			}
		}
		return r.flow.Next(node.ID, "success", "default", ""), nil
	}
	return r.flow.Next(node.ID, "fail"), nil
}

// varNameFromHeader squeezes a sheet column header into a variable identifier
func varNameFromHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.Map(func(c rune) rune {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			return c
		}
		return '_'
	}, h)
	h = strings.Trim(h, "_")
	if !models.ValidVarName(h) {
		return ""
	}
	return h
}

type driveLookupConfig struct {
	APIKey       string `json:"apiKey"`
	FolderID     string `json:"folderId"`
	Filename     string `json:"filename"`
	ScriptURL    string `json:"scriptUrl"`
	Variable     string `json:"variable"`
	AutoSend     bool   `json:"autoSend"`
	DelaySeconds int    `json:"delaySeconds"`
}

// executeDriveImageLookup finds images in a Drive folder by name, stores
// their download urls and optionally sends them right away
func (r *run) executeDriveImageLookup(ctx context.Context, node *models.Node) (string, error) {
	cfg := &driveLookupConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	var urls []string
	var err error
	switch {
	case cfg.ScriptURL != "":
		urls, err = r.driveLookupScript(ctx, cfg)
	case cfg.APIKey != "":
		urls, err = r.driveLookupNative(ctx, cfg)
	default:
		return "", errs.New(errs.Validation, "drive_image_lookup node requires a script url or api key")
	}
	if err != nil {
		return "", err
	}

	if len(urls) == 0 {
		return r.flow.Next(node.ID, "not_found", "fail"), nil
	}

	variable := cfg.Variable
	if variable == "" || !models.ValidVarName(variable) {
		variable = "image_urls"
	}
	r.session.Vars.Set(variable, models.StringArrayValue(urls))

	if cfg.AutoSend {
		for i, u := range urls {
			if i > 0 {
				if err := sleep(ctx, time.Duration(cfg.DelaySeconds)*time.Second); err != nil {
					return "", err
				}
			}
			if err := r.sendMedia(ctx, models.MsgTypeImage, u, "", "", ""); err != nil {
				return "", err
			}
		}
	}
	return r.flow.Next(node.ID, "found", "default", ""), nil
}

func (r *run) driveLookupScript(ctx context.Context, cfg *driveLookupConfig) ([]string, error) {
	query := url.Values{}
	if cfg.Filename != "" {
		query.Set("filename", r.render(cfg.Filename))
	}
	if cfg.FolderID != "" {
		query.Set("folder", cfg.FolderID)
	}
	scriptURL := r.render(cfg.ScriptURL)
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(scriptURL, "?") {
			sep = "&"
		}
		scriptURL += sep + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return nil, err
	}
	resp, respBody, err := r.doNode(req)
	if err != nil {
		return nil, errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return nil, errs.Newf(errs.Provider, "drive lookup returned status %d", resp.StatusCode)
	}

	val := models.Value{}
	if err := val.UnmarshalJSON(respBody); err != nil {
		return nil, errs.Wrap(errs.Validation, "drive lookup did not return JSON", err)
	}
	var urls []string
	elems, _ := val.Array()
	for _, el := range elems {
		if u, ok := el.Field("url"); ok {
			urls = append(urls, u.String())
		} else if el.String() != "" {
			urls = append(urls, el.String())
		}
	}
	return urls, nil
}

func (r *run) driveLookupNative(ctx context.Context, cfg *driveLookupConfig) ([]string, error) {
	svc, err := drive.NewService(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("error creating drive client: %w", err)
	}

	terms := []string{"trashed = false"}
	if name := strings.ReplaceAll(r.render(cfg.Filename), "'", ""); name != "" {
		terms = append(terms, fmt.Sprintf("name contains '%s'", name))
	}
	if cfg.FolderID != "" {
		terms = append(terms, fmt.Sprintf("'%s' in parents", cfg.FolderID))
	}

	list, err := svc.Files.List().Q(strings.Join(terms, " and ")).Fields("files(id, name)").PageSize(10).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("error searching drive: %w", err)
	}

	urls := make([]string, 0, len(list.Files))
	for _, f := range list.Files {
		urls = append(urls, "https://drive.google.com/uc?export=download&id="+f.Id)
	}
	return urls, nil
}

type mediaForwardConfig struct {
	MediaID  string            `json:"mediaId"`
	Mode     string            `json:"mode"` // save (default) or post
	URL      string            `json:"url"`
	Field    string            `json:"field"`
	Data     map[string]string `json:"data"`
	Variable string            `json:"variable"`
	Mappings []varMapping      `json:"mappings"`
}

// executeMediaForward pulls an inbound media out of the provider and either
// saves it to our media store, exposing its public url, or posts it on to an
// external endpoint
func (r *run) executeMediaForward(ctx context.Context, node *models.Node) (string, error) {
	cfg := &mediaForwardConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	mediaID := r.render(cfg.MediaID)
	if mediaID == "" || tokenRegex.MatchString(mediaID) {
		if v, ok := r.session.Vars.Get("last_media_id"); ok {
			mediaID = v.String()
		} else {
			mediaID = ""
		}
	}
	if mediaID == "" {
		return "", errs.New(errs.Validation, "media_forward node has no media to forward")
	}

	mediaURL, err := r.client.ResolveMediaURL(ctx, mediaID)
	if err != nil {
		return "", err
	}
	body, contentType, err := r.client.DownloadMedia(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	filename := "media"
	if kind, err := filetype.Match(body); err == nil && kind != filetype.Unknown {
		filename += "." + kind.Extension
	}

	if cfg.Mode == "post" {
		if cfg.URL == "" {
			return "", errs.New(errs.Validation, "media_forward post mode requires a url")
		}
		respBody, err := r.postMultipart(ctx, r.render(cfg.URL), cfg, filename, contentType, body)
		if err != nil {
			return "", err
		}
		r.applyMappings(respBody, cfg.Mappings)
		return r.flow.Next(node.ID, "success", "default", ""), nil
	}

	publicURL, err := r.engine.media.Put(ctx, r.org.ID, filename, contentType, body)
	if err != nil {
		return "", fmt.Errorf("error storing media: %w", err)
	}
	variable := cfg.Variable
	if variable == "" || !models.ValidVarName(variable) {
		variable = "media_url"
	}
	r.session.Vars.Set(variable, models.StringValue(publicURL))
	return r.flow.Next(node.ID, "success", "default", ""), nil
}

func (r *run) postMultipart(ctx context.Context, postURL string, cfg *mediaForwardConfig, filename, contentType string, body []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	field := cfg.Field
	if field == "" {
		field = "file"
	}
	head := textproto.MIMEHeader{}
	head.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	head.Set("Content-Type", contentType)
	part, err := w.CreatePart(head)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(body); err != nil {
		return nil, err
	}
	for k, v := range cfg.Data {
		if err := w.WriteField(k, r.render(v)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, respBody, err := r.doNode(req)
	if err != nil {
		return nil, errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return nil, errs.Newf(errs.Provider, "media forward returned status %d", resp.StatusCode)
	}
	return respBody, nil
}

type paymentConfig struct {
	Provider    string `json:"provider"` // razorpay or stripe
	KeyID       string `json:"keyId"`
	KeySecret   string `json:"keySecret"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	PriceID     string `json:"priceId"` // stripe links are built from a price
	Variable    string `json:"variable"`
	Text        string `json:"text"`
}

// executePayment creates a payment link with the tenant's gateway, stores it
// and sends it to the contact
func (r *run) executePayment(ctx context.Context, node *models.Node) (string, error) {
	cfg := &paymentConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	var link string
	var err error
	switch cfg.Provider {
	case "razorpay":
		link, err = r.razorpayLink(ctx, cfg)
	case "stripe":
		link, err = r.stripeLink(ctx, cfg)
	default:
		return "", errs.Newf(errs.Validation, "unknown payment provider '%s'", cfg.Provider)
	}
	if err != nil {
		return "", err
	}

	variable := cfg.Variable
	if variable == "" || !models.ValidVarName(variable) {
		variable = "payment_link"
	}
	r.session.Vars.Set(variable, models.StringValue(link))

	text := cfg.Text
	if text == "" {
		text = "Pay here: {{" + variable + "}}"
	}
	if err := r.sendText(ctx, r.render(text)); err != nil {
		return "", err
	}
	return r.flow.Next(node.ID, "success", "default", ""), nil
}

// razorpayLink creates a payment link, amounts are major units here and
// paise on the wire
func (r *run) razorpayLink(ctx context.Context, cfg *paymentConfig) (string, error) {
	amount, err := strconv.ParseFloat(strings.TrimSpace(r.render(cfg.Amount)), 64)
	if err != nil {
		return "", errs.Newf(errs.Validation, "invalid payment amount '%s'", cfg.Amount)
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "INR"
	}

	payload := map[string]any{
		"amount":      int64(math.Round(amount * 100)),
		"currency":    currency,
		"description": r.render(cfg.Description),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.razorpay.com/v1/payment_links", bytes.NewReader(jsonx.MustMarshal(payload)))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(r.render(cfg.KeyID), r.render(cfg.KeySecret))
	req.Header.Set("Content-Type", "application/json")

	resp, respBody, err := r.doNode(req)
	if err != nil {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", errs.Newf(errs.Provider, "payment link returned status %d", resp.StatusCode)
	}
	link, err := jsonparser.GetString(respBody, "short_url")
	if err != nil {
		return "", errs.Wrap(errs.Provider, "payment response missing short_url", err)
	}
	return link, nil
}

func (r *run) stripeLink(ctx context.Context, cfg *paymentConfig) (string, error) {
	if cfg.PriceID == "" {
		return "", errs.New(errs.Validation, "stripe payment links require a price id")
	}

	form := url.Values{}
	form.Set("line_items[0][price]", r.render(cfg.PriceID))
	form.Set("line_items[0][quantity]", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.stripe.com/v1/payment_links", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+r.render(cfg.KeySecret))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, respBody, err := r.doNode(req)
	if err != nil {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", errs.Newf(errs.Provider, "payment link returned status %d", resp.StatusCode)
	}
	link, err := jsonparser.GetString(respBody, "url")
	if err != nil {
		return "", errs.Wrap(errs.Provider, "payment response missing url", err)
	}
	return link, nil
}

type shopifyConfig struct {
	Shop        string       `json:"shop"`
	AccessToken string       `json:"accessToken"`
	Order       string       `json:"order"`
	Mappings    []varMapping `json:"mappings"`
}

// executeShopify looks an order up by its customer facing number, routing
// fail when the shop doesn't know it
func (r *run) executeShopify(ctx context.Context, node *models.Node) (string, error) {
	cfg := &shopifyConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if cfg.Shop == "" || cfg.AccessToken == "" {
		return "", errs.New(errs.Validation, "shopify node requires a shop and access token")
	}
	orderNo := strings.TrimPrefix(strings.TrimSpace(r.render(cfg.Order)), "#")
	if orderNo == "" {
		return "", errs.New(errs.Validation, "shopify node requires an order number")
	}

	query := url.Values{}
	query.Set("name", "#"+orderNo)
	query.Set("status", "any")
	lookupURL := fmt.Sprintf("https://%s/admin/api/2024-01/orders.json?%s", cfg.Shop, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Shopify-Access-Token", r.render(cfg.AccessToken))

	resp, respBody, err := r.doNode(req)
	if err != nil {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return "", errs.Newf(errs.Provider, "order lookup returned status %d", resp.StatusCode)
	}

	order, _, _, err := jsonparser.Get(respBody, "orders", "[0]")
	if err != nil {
		return r.flow.Next(node.ID, "fail"), nil
	}

	mappings := cfg.Mappings
	if len(mappings) == 0 {
		mappings = []varMapping{
			{Variable: "order_status", Path: "fulfillment_status"},
			{Variable: "order_total", Path: "total_price"},
		}
	}
	r.applyMappings(order, mappings)
	return r.flow.Next(node.ID, "success", "default", ""), nil
}

type wooCommerceConfig struct {
	URL      string       `json:"url"`
	Key      string       `json:"key"`
	Secret   string       `json:"secret"`
	Order    string       `json:"order"`
	Mappings []varMapping `json:"mappings"`
}

// executeWooCommerce looks an order up by id, routing fail when the store
// doesn't know it
func (r *run) executeWooCommerce(ctx context.Context, node *models.Node) (string, error) {
	cfg := &wooCommerceConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if cfg.URL == "" {
		return "", errs.New(errs.Validation, "woocommerce node requires a store url")
	}
	orderNo := models.DigitsOnly(r.render(cfg.Order))
	if orderNo == "" {
		return "", errs.New(errs.Validation, "woocommerce node requires an order number")
	}

	lookupURL := strings.TrimSuffix(r.render(cfg.URL), "/") + "/wp-json/wc/v3/orders/" + orderNo
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(r.render(cfg.Key), r.render(cfg.Secret))

	resp, respBody, err := r.doNode(req)
	if err != nil {
		return "", errs.ErrConnectionFailed
	}
	if resp.StatusCode == http.StatusNotFound {
		return r.flow.Next(node.ID, "fail"), nil
	}
	if resp.StatusCode/100 != 2 {
		return "", errs.Newf(errs.Provider, "order lookup returned status %d", resp.StatusCode)
	}

	mappings := cfg.Mappings
	if len(mappings) == 0 {
		mappings = []varMapping{
			{Variable: "order_status", Path: "status"},
			{Variable: "order_total", Path: "total"},
		}
	}
	r.applyMappings(respBody, mappings)
	return r.flow.Next(node.ID, "success", "default", ""), nil
}
