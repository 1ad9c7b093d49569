package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/nyaruka/gocommon/httpx"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/whatsapp"
)

// the longest a single node may sleep, ingest workers can't nap forever
const maxNodeDelay = time.Minute

// the most we read from an external endpoint a node calls
const maxNodeResponseBytes = 1024 * 1024

// nodeClient is the shared HTTP client for node integrations
var nodeClient = &http.Client{
	Transport: &http.Transport{MaxIdleConns: 16, IdleConnTimeout: 30 * time.Second},
	Timeout:   10 * time.Second,
}

// execute performs a node's effect and returns the id of the next node, or
// the wait kind when the node suspends on the contact. An empty next id
// exits the flow.
func (r *run) execute(ctx context.Context, node *models.Node) (string, models.SessionWait, error) {
	r.log.Debug("executing node", "node", node.ID, "node_type", node.Type)

	var next string
	var err error

	switch node.Type {
	case "start_trigger":
		next, err = r.executeStartTrigger(node)
	case "message", "text":
		next, err = r.executeMessage(ctx, node)
	case "image", "video", "document", "audio", "sticker":
		next, err = r.executeMedia(ctx, node)
	case "button":
		return "", models.SessionWaitButton, r.promptButton(ctx, node)
	case "list":
		return "", models.SessionWaitList, r.promptList(ctx, node)
	case "flow":
		return "", models.SessionWaitFlow, r.promptFlow(ctx, node)
	case "wait":
		return "", models.SessionWaitInput, nil
	case "delay":
		next, err = r.executeDelay(ctx, node)
	case "variable":
		next, err = r.executeVariable(node)
	case "list_variable":
		next, err = r.executeListVariable(node)
	case "update_contact":
		next, err = r.executeUpdateContact(ctx, node)
	case "map":
		next, err = r.executeMap(node)
	case "condition":
		next, err = r.executeCondition(node)
	case "router":
		next, err = r.executeRouter(node)
	case "keyword_match":
		next, err = r.executeKeywordMatch(node)
	case "validator":
		next, err = r.executeValidator(node)
	case "phone_parser":
		next, err = r.executePhoneParser(node)
	case "business_hours":
		next, err = r.executeBusinessHours(node)
	case "api":
		next, err = r.executeAPI(ctx, node)
	case "sql":
		next, err = r.executeSQL(ctx, node)
	case "google_sheet":
		next, err = r.executeGoogleSheet(ctx, node)
	case "google_sheet_query":
		next, err = r.executeGoogleSheetQuery(ctx, node)
	case "drive_image_lookup":
		next, err = r.executeDriveImageLookup(ctx, node)
	case "media_forward":
		next, err = r.executeMediaForward(ctx, node)
	case "payment":
		next, err = r.executePayment(ctx, node)
	case "shopify":
		next, err = r.executeShopify(ctx, node)
	case "woocommerce":
		next, err = r.executeWooCommerce(ctx, node)
	case "send_external":
		next, err = r.executeSendExternal(ctx, node)
	case "catalogue":
		next, err = r.executeCatalogue(ctx, node)
	case "group_images":
		next, err = r.executeGroupImages(ctx, node)
	case "loop":
		next, err = r.executeLoop(node)
	case "agent":
		next, err = r.executeAgent(ctx, node)
	case "session_config":
		next, err = r.executeSessionConfig(node)
	default:
		// unknown node types pass through on their default edge so graphs
		// from newer builders degrade instead of breaking
		r.log.Warn("unknown node type", "node", node.ID, "node_type", node.Type)
		next = r.flow.NextDefault(node.ID)
	}
	return next, models.SessionWaitNone, err
}

// capture interprets the inbound according to the node the session waits on,
// returning the next node, or stay=true when the session should keep waiting
func (r *run) capture(ctx context.Context, node *models.Node) (string, bool, error) {
	r.log.Debug("resuming node", "node", node.ID, "node_type", node.Type)

	switch node.Type {
	case "button":
		return r.captureButton(ctx, node)
	case "list":
		return r.captureList(ctx, node)
	case "flow":
		return r.captureFlow(node)
	case "wait":
		return r.captureWait(ctx, node)
	}
	// not a waiting node, run it again
	return node.ID, false, nil
}

// decodeConfig unmarshals a node's data into its typed config
func decodeConfig(node *models.Node, cfg any) error {
	if len(node.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(node.Data, cfg); err != nil {
		return errs.Wrap(errs.Validation, fmt.Sprintf("invalid %s node", node.Type), err)
	}
	return nil
}

// render interpolates a template against the session bag
func (r *run) render(template string) string {
	return Interpolate(template, r.session.Vars)
}

// sendText records and sends a plain text on the conversation
func (r *run) sendText(ctx context.Context, text string) error {
	msg := models.NewOutgoingMsg(r.org, r.conv, models.MsgTypeText, text)
	_, err := r.engine.sender.Send(ctx, r.org, r.contact, msg, whatsapp.NewText(text))
	return err
}

// sendMedia records and sends a media message on the conversation, exactly
// one of url or mediaID reaches the provider
func (r *run) sendMedia(ctx context.Context, typ models.MsgType, url, mediaID, caption, filename string) error {
	media := &whatsapp.Media{ID: mediaID, Link: url, Caption: caption}
	if typ == models.MsgTypeDocument {
		media.Filename = filename
	}
	msg := models.NewOutgoingMsg(r.org, r.conv, typ, "").WithMedia(url, mediaID, "", filename).WithCaption(caption)
	_, err := r.engine.sender.Send(ctx, r.org, r.contact, msg, whatsapp.NewMedia(typ, media))
	return err
}

// sendInteractive records and sends an interactive message on the conversation
func (r *run) sendInteractive(ctx context.Context, in *whatsapp.Interactive) error {
	msg := models.NewOutgoingMsg(r.org, r.conv, models.MsgTypeInteractive, in.Body.Text)
	_, err := r.engine.sender.Send(ctx, r.org, r.contact, msg, whatsapp.NewInteractive(in))
	return err
}

// doNode performs an HTTP request for a node, traced so tests can stub it
func (r *run) doNode(req *http.Request) (*http.Response, []byte, error) {
	trace, err := httpx.DoTrace(nodeClient, req, nil, nil, maxNodeResponseBytes)
	if trace != nil {
		r.log.Debug("node http call", "url", req.URL.String(), "elapsed", trace.EndTime.Sub(trace.StartTime))
	}
	if err != nil {
		return nil, nil, err
	}
	return trace.Response, trace.ResponseBody, nil
}

// sleep pauses the walk, bounded and cancelable
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if d > maxNodeDelay {
		d = maxNodeDelay
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// varMapping copies one value out of a JSON document into a session variable
type varMapping struct {
	Variable string `json:"variable"`
	Path     string `json:"path"`
}

// applyMappings resolves each mapping's path against the document and stores
// the hits, misses and invalid names are skipped
func (r *run) applyMappings(doc []byte, mappings []varMapping) {
	for _, m := range mappings {
		if !models.ValidVarName(m.Variable) {
			r.log.Warn("ignoring mapping to invalid variable name", "variable", m.Variable)
			continue
		}
		if v, ok := jsonValue(doc, m.Path); ok {
			r.session.Vars.Set(m.Variable, v)
		}
	}
}

// jsonValue resolves a dotted path with [i] indexes against a JSON document
func jsonValue(doc []byte, path string) (models.Value, bool) {
	raw, dataType, _, err := jsonparser.Get(doc, pathTokens(path)...)
	if err != nil {
		return models.Value{}, false
	}
	switch dataType {
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return models.StringValue(string(raw)), true
		}
		return models.StringValue(s), true
	case jsonparser.Number:
		n, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return models.Value{}, false
		}
		return models.NumberValue(n), true
	case jsonparser.Boolean:
		return models.BoolValue(string(raw) == "true"), true
	case jsonparser.Array, jsonparser.Object:
		v := models.Value{}
		if err := v.UnmarshalJSON(raw); err != nil {
			return models.Value{}, false
		}
		return v, true
	}
	return models.Value{}, false
}

// pathTokens splits "a.b[0].c" into the keys jsonparser expects
func pathTokens(path string) []string {
	var tokens []string
	for _, part := range strings.Split(path, ".") {
		key := part
		var indexes []string
		for strings.HasSuffix(key, "]") {
			open := strings.LastIndex(key, "[")
			if open < 0 {
				break
			}
			indexes = append([]string{key[open:]}, indexes...)
			key = key[:open]
		}
		if key != "" {
			tokens = append(tokens, key)
		}
		tokens = append(tokens, indexes...)
	}
	return tokens
}
