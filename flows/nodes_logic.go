package flows

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/null/v3"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

type startTriggerConfig struct {
	Keywords      []string `json:"keywords"`
	Any           bool     `json:"any"`
	PartialMatch  bool     `json:"partialMatch"`
	CaseSensitive bool     `json:"caseSensitive"`
}

// match returns the index of the first keyword the text matches, -1 when none
func (c *startTriggerConfig) match(text string) int {
	text = strings.TrimSpace(text)
	if !c.CaseSensitive {
		text = strings.ToUpper(text)
	}
	for i, kw := range c.Keywords {
		kw = strings.TrimSpace(kw)
		if !c.CaseSensitive {
			kw = strings.ToUpper(kw)
		}
		if kw == "" {
			continue
		}
		if c.PartialMatch {
			if strings.Contains(text, kw) {
				return i
			}
		} else if text == kw {
			return i
		}
	}
	return -1
}

func (r *run) executeStartTrigger(node *models.Node) (string, error) {
	cfg := &startTriggerConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	if i := cfg.match(r.input.Text); i >= 0 {
		r.session.Vars.Set("matched_keyword", models.StringValue(cfg.Keywords[i]))
		return r.flow.Next(node.ID, fmt.Sprintf("kw_%d", i), "default", ""), nil
	}
	return r.flow.NextDefault(node.ID), nil
}

type waitConfig struct {
	Variable       string `json:"variable"`
	ExpectedType   string `json:"expectedType"`
	RetryOnInvalid bool   `json:"retryOnInvalid"`
	InvalidText    string `json:"invalidText"`
}

// matchesExpected returns whether the inbound satisfies the node's expected
// type, file is an alias for document
func (c *waitConfig) matchesExpected(typ models.MsgType) bool {
	switch c.ExpectedType {
	case "", "any":
		return true
	case "text":
		return typ == models.MsgTypeText
	case "file":
		return typ == models.MsgTypeDocument
	default:
		return typ == models.MsgType(c.ExpectedType)
	}
}

// captureWait stores the inbound under the node's variable, replying with
// the error text and staying put when the type doesn't match
func (r *run) captureWait(ctx context.Context, node *models.Node) (string, bool, error) {
	cfg := &waitConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", false, err
	}

	if !cfg.matchesExpected(r.input.Type) && cfg.RetryOnInvalid {
		prompt := cfg.InvalidText
		if prompt == "" {
			prompt = fmt.Sprintf("Please send a %s.", cfg.ExpectedType)
		}
		if err := r.sendText(ctx, r.render(prompt)); err != nil {
			return "", false, err
		}
		return "", true, nil
	}

	if cfg.Variable != "" && models.ValidVarName(cfg.Variable) {
		captured := r.input.Text
		if r.input.Type.IsMedia() && r.input.MediaURL != "" {
			switch cfg.ExpectedType {
			case "", "any", "text":
				if captured == "" {
					captured = r.input.MediaURL
				}
			default:
				captured = r.input.MediaURL
			}
		}
		r.session.Vars.Set(cfg.Variable, models.StringValue(captured))
	}
	return r.flow.NextDefault(node.ID), false, nil
}

type delayConfig struct {
	Seconds int `json:"seconds"`
}

func (r *run) executeDelay(ctx context.Context, node *models.Node) (string, error) {
	cfg := &delayConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if err := sleep(ctx, time.Duration(cfg.Seconds)*time.Second); err != nil {
		return "", err
	}
	return r.flow.NextDefault(node.ID), nil
}

type variableConfig struct {
	Variable string `json:"variable"`
	Value    string `json:"value"`
	Type     string `json:"type"`
}

func (r *run) executeVariable(node *models.Node) (string, error) {
	cfg := &variableConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if !models.ValidVarName(cfg.Variable) {
		return "", errs.Newf(errs.Validation, "invalid variable name '%s'", cfg.Variable)
	}

	rendered := r.render(cfg.Value)

	// when the template drew on the last input and came up empty the contact
	// likely answered through a button or list, fall back to that selection
	if rendered == "" && references(cfg.Value, "last_input", "last_response") {
		if sel, ok := r.session.Vars.Get(varLastSelection); ok {
			rendered = sel.String()
		}
	}

	value := models.StringValue(rendered)
	if cfg.Type == "number" {
		if n, err := strconv.ParseFloat(strings.TrimSpace(rendered), 64); err == nil {
			value = models.NumberValue(n)
		}
	}
	r.session.Vars.Set(cfg.Variable, value)
	return r.flow.NextDefault(node.ID), nil
}

type listVariableConfig struct {
	Variable string `json:"variable"`
	Value    string `json:"value"`
}

// executeListVariable splits the rendered value into lines and stores them
// as an array
func (r *run) executeListVariable(node *models.Node) (string, error) {
	cfg := &listVariableConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if !models.ValidVarName(cfg.Variable) {
		return "", errs.Newf(errs.Validation, "invalid variable name '%s'", cfg.Variable)
	}

	var items []string
	for _, line := range strings.Split(r.render(cfg.Value), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	r.session.Vars.Set(cfg.Variable, models.StringArrayValue(items))
	return r.flow.NextDefault(node.ID), nil
}

type updateContactConfig struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Labels string `json:"labels"`
}

func (r *run) executeUpdateContact(ctx context.Context, node *models.Node) (string, error) {
	cfg := &updateContactConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	if name := strings.TrimSpace(r.render(cfg.Name)); name != "" {
		r.contact.Name = null.String(name)
	}
	if email := strings.TrimSpace(r.render(cfg.Email)); email != "" {
		r.contact.Email = null.String(email)
	}
	for _, label := range strings.Split(r.render(cfg.Labels), ",") {
		if label = strings.TrimSpace(label); label != "" && !slices.Contains(r.contact.Labels, label) {
			r.contact.Labels = append(r.contact.Labels, label)
		}
	}

	if err := r.engine.db.UpdateContact(ctx, r.contact); err != nil {
		return "", fmt.Errorf("error updating contact: %w", err)
	}
	r.session.Vars.Set("sender_name", models.StringValue(r.contact.DisplayName()))
	return r.flow.NextDefault(node.ID), nil
}

type mapConfig struct {
	Variable  string `json:"variable"`
	Source    string `json:"source"`
	Template  string `json:"template"`
	Separator string `json:"separator"`
}

// executeMap renders the template once per element of the source array,
// binding item and index, and joins the results
func (r *run) executeMap(node *models.Node) (string, error) {
	cfg := &mapConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if !models.ValidVarName(cfg.Variable) {
		return "", errs.Newf(errs.Validation, "invalid variable name '%s'", cfg.Variable)
	}

	val, ok := r.session.Vars.Resolve(cfg.Source)
	if !ok {
		return "", errs.Newf(errs.Validation, "map source variable '%s' is not set", cfg.Source)
	}
	elems, ok := val.Array()
	if !ok {
		return "", errs.Newf(errs.Validation, "map source variable '%s' is not an array", cfg.Source)
	}

	sep := cfg.Separator
	if sep == "" {
		sep = "\n"
	}

	rendered := make([]string, len(elems))
	for i, el := range elems {
		r.session.Vars.Set("item", el)
		r.session.Vars.Set("index", models.NumberValue(float64(i)))
		rendered[i] = r.render(cfg.Template)
	}
	delete(r.session.Vars, "item")
	delete(r.session.Vars, "index")

	r.session.Vars.Set(cfg.Variable, models.StringValue(strings.Join(rendered, sep)))
	return r.flow.NextDefault(node.ID), nil
}

type conditionConfig struct {
	Operator string `json:"operator"`
	Left     string `json:"left"`
	Right    string `json:"right"`
}

func (r *run) executeCondition(node *models.Node) (string, error) {
	cfg := &conditionConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	left := strings.TrimSpace(r.render(cfg.Left))
	right := strings.TrimSpace(r.render(cfg.Right))

	var result bool
	switch cfg.Operator {
	case "equals", "":
		result = strings.EqualFold(left, right)
	case "not_equals":
		result = !strings.EqualFold(left, right)
	case "contains":
		result = strings.Contains(strings.ToLower(left), strings.ToLower(right))
	case "exists":
		// an unresolved token renders verbatim, so a leftover token means
		// the variable doesn't exist
		result = left != "" && !tokenRegex.MatchString(left)
	default:
		return "", errs.Newf(errs.Validation, "unknown condition operator '%s'", cfg.Operator)
	}

	if result {
		return r.flow.Next(node.ID, "true", "default", ""), nil
	}
	return r.flow.Next(node.ID, "false"), nil
}

type routerCase struct {
	ID       string `json:"id"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type routerConfig struct {
	Variable string       `json:"variable"`
	Cases    []routerCase `json:"cases"`
}

// executeRouter routes on the first matching case, falling back to the
// default edge
func (r *run) executeRouter(node *models.Node) (string, error) {
	cfg := &routerConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	val, _ := r.session.Vars.Resolve(cfg.Variable)
	for _, c := range cfg.Cases {
		if caseMatches(val, c.Operator, r.render(c.Value)) {
			return r.flow.Next(node.ID, c.ID, "default", ""), nil
		}
	}
	return r.flow.NextDefault(node.ID), nil
}

// caseMatches compares numerically when both sides parse as numbers, the
// ordering operators never match otherwise
func caseMatches(val models.Value, op, expect string) bool {
	left, leftNum := val.Number()
	right, rightNum := models.StringValue(expect).Number()

	switch op {
	case "==", "equals", "":
		if leftNum && rightNum {
			return left == right
		}
		return strings.EqualFold(strings.TrimSpace(val.String()), strings.TrimSpace(expect))
	case "!=", "not_equals":
		if leftNum && rightNum {
			return left != right
		}
		return !strings.EqualFold(strings.TrimSpace(val.String()), strings.TrimSpace(expect))
	case "<":
		return leftNum && rightNum && left < right
	case ">":
		return leftNum && rightNum && left > right
	case "contains":
		return strings.Contains(strings.ToLower(val.String()), strings.ToLower(expect))
	}
	return false
}

type keywordCase struct {
	ID      string `json:"id"`
	Keyword string `json:"keyword"`
}

type keywordMatchConfig struct {
	Variable      string        `json:"variable"`
	CaseSensitive bool          `json:"caseSensitive"`
	Keywords      []keywordCase `json:"keywords"`
}

// executeKeywordMatch routes on the first keyword found inside the variable,
// substring semantics so "what are your hours?" hits "hours"
func (r *run) executeKeywordMatch(node *models.Node) (string, error) {
	cfg := &keywordMatchConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	variable := cfg.Variable
	if variable == "" {
		variable = "last_input"
	}
	val, _ := r.session.Vars.Resolve(variable)
	text := val.String()
	if !cfg.CaseSensitive {
		text = strings.ToLower(text)
	}

	for _, k := range cfg.Keywords {
		kw := k.Keyword
		if !cfg.CaseSensitive {
			kw = strings.ToLower(kw)
		}
		if kw != "" && strings.Contains(text, kw) {
			return r.flow.Next(node.ID, k.ID, "default", ""), nil
		}
	}
	return r.flow.NextDefault(node.ID), nil
}

var validatorPatterns = map[string]*regexp.Regexp{
	"email":   regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`),
	"phone":   regexp.MustCompile(`^\+?[0-9]{7,15}$`),
	"pan":     regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`),
	"aadhar":  regexp.MustCompile(`^[2-9][0-9]{11}$`),
	"gst":     regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`),
	"pincode": regexp.MustCompile(`^[1-9][0-9]{5}$`),
	"image":   regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp)(\?.*)?$`),
	"pdf":     regexp.MustCompile(`(?i)\.pdf(\?.*)?$`),
}

type validatorConfig struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// executeValidator checks the value against the named format and routes
// valid or invalid
func (r *run) executeValidator(node *models.Node) (string, error) {
	cfg := &validatorConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	pattern := validatorPatterns[cfg.Kind]
	if pattern == nil {
		return "", errs.Newf(errs.Validation, "unknown validator kind '%s'", cfg.Kind)
	}

	value := strings.TrimSpace(r.render(cfg.Value))
	if value == "" {
		fallback := "last_input"
		if cfg.Kind == "image" || cfg.Kind == "pdf" {
			fallback = "last_media_url"
		}
		if v, ok := r.session.Vars.Get(fallback); ok {
			value = strings.TrimSpace(v.String())
		}
	}
	if cfg.Kind == "pan" || cfg.Kind == "gst" {
		value = strings.ToUpper(value)
	}

	if pattern.MatchString(value) {
		return r.flow.Next(node.ID, "valid", "default", ""), nil
	}
	return r.flow.Next(node.ID, "invalid"), nil
}

type phoneCountry struct {
	Code string `json:"code"`
}

type phoneParserConfig struct {
	Value     string         `json:"value"`
	Countries []phoneCountry `json:"countries"`
}

// executePhoneParser classifies a number by its longest matching country
// prefix, comparisons are digits only
func (r *run) executePhoneParser(node *models.Node) (string, error) {
	cfg := &phoneParserConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	value := r.render(cfg.Value)
	if value == "" {
		value = r.contact.Phone
	}
	digits := strings.TrimPrefix(models.DigitsOnly(value), "00")

	best := ""
	for _, c := range cfg.Countries {
		code := models.DigitsOnly(c.Code)
		if code != "" && strings.HasPrefix(digits, code) && len(code) > len(best) {
			best = code
		}
	}
	if best == "" {
		return r.flow.NextDefault(node.ID), nil
	}

	r.session.Vars.Set("country_code", models.StringValue(best))
	return r.flow.Next(node.ID, "country_"+best, "default", ""), nil
}

type businessHoursConfig struct {
	Timezone string                      `json:"timezone"`
	Days     map[string]models.DayWindow `json:"days"`
}

// executeBusinessHours routes open or closed by the node's own schedule,
// unlike the flow level gate this can branch mid conversation
func (r *run) executeBusinessHours(node *models.Node) (string, error) {
	cfg := &businessHoursConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	hours := models.WorkingHours{Enabled: true, Timezone: cfg.Timezone, Days: cfg.Days}
	if hours.IsOpenAt(time.Now()) {
		return r.flow.Next(node.ID, "open", "default", ""), nil
	}
	return r.flow.Next(node.ID, "closed"), nil
}

type loopConfig struct {
	Source   string `json:"source"`
	Variable string `json:"variable"`
}

// executeLoop walks an array one element per visit, its cursor rides along
// in a hidden session variable keyed by the node id
func (r *run) executeLoop(node *models.Node) (string, error) {
	cfg := &loopConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}

	val, ok := r.session.Vars.Resolve(cfg.Source)
	if !ok {
		return "", errs.Newf(errs.Validation, "loop source variable '%s' is not set", cfg.Source)
	}
	elems, ok := val.Array()
	if !ok {
		return "", errs.Newf(errs.Validation, "loop source variable '%s' is not an array", cfg.Source)
	}

	cursor := loopIndexPrefix + node.ID
	idxVal, _ := r.session.Vars.Get(cursor)
	idx, _ := idxVal.Number()

	if int(idx) >= len(elems) {
		delete(r.session.Vars, cursor)
		return r.flow.Next(node.ID, "done", "default", ""), nil
	}

	variable := cfg.Variable
	if variable == "" || !models.ValidVarName(variable) {
		variable = "item"
	}
	r.session.Vars.Set(variable, elems[int(idx)])
	r.session.Vars.Set("loop_index", models.NumberValue(idx))
	r.session.Vars.Set(cursor, models.NumberValue(idx+1))

	return r.flow.Next(node.ID, "loop", "default", ""), nil
}

type sessionTimeoutConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// executeSessionConfig overrides the flow's session timeout for this session
func (r *run) executeSessionConfig(node *models.Node) (string, error) {
	cfg := &sessionTimeoutConfig{}
	if err := decodeConfig(node, cfg); err != nil {
		return "", err
	}
	if cfg.TimeoutSeconds > 0 {
		r.session.TimeoutOverride = cfg.TimeoutSeconds
	}
	return r.flow.NextDefault(node.ID), nil
}
