package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/nyaruka/gocommon/jsonx"
	"github.com/tucanchat/tucan/core/errs"
	"golang.org/x/exp/maps"
)

// TemplateParam is one parameter addressed to a template component
type TemplateParam struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// TemplateParams are the parameters for a template send, keyed by component,
// "header", "body" or "button.N"
type TemplateParams map[string][]TemplateParam

// BodyParams converts numbered template variables into ordered body
// parameters. Keys sort numerically so "10" follows "9", and empty values
// become "-" to keep the parameter count stable.
func BodyParams(vars map[string]string) []TemplateParam {
	keys := maps.Keys(vars)
	sort.Slice(keys, func(i, j int) bool {
		a, erra := strconv.Atoi(keys[i])
		b, errb := strconv.Atoi(keys[j])
		if erra != nil || errb != nil {
			return keys[i] < keys[j]
		}
		return a < b
	})

	params := make([]TemplateParam, len(keys))
	for i, k := range keys {
		params[i] = TemplateParam{Type: "text", Value: vars[k]}
	}
	return params
}

// components order on the wire, header first when present
func componentRank(key string) int {
	switch {
	case key == "header":
		return 0
	case key == "body":
		return 1
	case strings.HasPrefix(key, "button."):
		return 2
	}
	return 3
}

// BuildTemplatePayload assembles the template object for a send from its
// parameters. Components without parameters are dropped, a header takes a
// single typed media or text parameter, body parameters are text with empty
// values coerced to "-", buttons get their sub type and index.
func BuildTemplatePayload(name, language string, params TemplateParams) *Template {
	template := &Template{
		Name:       name,
		Language:   &Language{Policy: "deterministic", Code: language},
		Components: []*Component{},
	}

	compKeys := maps.Keys(params)
	sort.Slice(compKeys, func(i, j int) bool {
		ri, rj := componentRank(compKeys[i]), componentRank(compKeys[j])
		if ri != rj {
			return ri < rj
		}
		return compKeys[i] < compKeys[j]
	})

	for _, k := range compKeys {
		v := params[k]
		if len(v) == 0 {
			continue
		}
		var component *Component

		if k == "header" {
			component = &Component{Type: "header"}

			// a header takes exactly one parameter
			p := v[0]
			switch p.Type {
			case "image", "video", "document":
				media := &Media{}
				if strings.HasPrefix(p.Value, "http") {
					media.Link = p.Value
				} else {
					media.ID = p.Value
				}
				param := &Param{Type: p.Type}
				switch p.Type {
				case "image":
					param.Image = media
				case "video":
					param.Video = media
				case "document":
					param.Document = media
				}
				component.Params = append(component.Params, param)
			default:
				component.Params = append(component.Params, &Param{Type: "text", Text: p.Value})
			}
		} else if k == "body" {
			component = &Component{Type: "body"}

			for _, p := range v {
				value := p.Value
				if value == "" {
					value = "-"
				}
				component.Params = append(component.Params, &Param{Type: "text", Text: value})
			}
		} else if strings.HasPrefix(k, "button.") {
			component = &Component{Type: "button", Index: strings.TrimPrefix(k, "button."), SubType: "quick_reply", Params: []*Param{}}

			for _, p := range v {
				if p.Type == "url" {
					component.SubType = "url"
					component.Params = append(component.Params, &Param{Type: "text", Text: p.Value})
				} else {
					component.Params = append(component.Params, &Param{Type: "payload", Payload: p.Value})
				}
			}
		}

		if component != nil {
			template.Components = append(template.Components, component)
		}
	}

	return template
}

// TemplateDefinition is a template as managed on the business account, what
// we submit on create and what listing returns. Components are kept opaque,
// we mirror rather than interpret them.
type TemplateDefinition struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"     validate:"required"`
	Language   string          `json:"language" validate:"required"`
	Category   string          `json:"category,omitempty"`
	Status     string          `json:"status,omitempty"`
	Components json.RawMessage `json:"components,omitempty"`
}

type templateList struct {
	Data   []*TemplateDefinition `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// CreateTemplate submits a new template for review on the org's business
// account, returning the provider's template id and review status
func (c *Client) CreateTemplate(ctx context.Context, def *TemplateDefinition) (*TemplateDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(c.org.BusinessAccountID+"/message_templates"), bytes.NewReader(jsonx.MustMarshal(def)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.org.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, respBody, err := c.request(apiClient, req)
	if err != nil || resp.StatusCode/100 == 5 {
		return nil, errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return nil, graphError(respBody)
	}

	created := &TemplateDefinition{}
	if err := json.Unmarshal(respBody, created); err != nil {
		return nil, errs.Wrap(errs.Provider, "error parsing template response", err)
	}
	created.Name = def.Name
	created.Language = def.Language
	created.Components = def.Components
	return created, nil
}

// ListTemplates fetches all templates on the org's business account,
// following paging cursors until exhausted
func (c *Client) ListTemplates(ctx context.Context) ([]*TemplateDefinition, error) {
	var all []*TemplateDefinition
	after := ""

	for {
		query := url.Values{}
		query.Set("limit", "100")
		query.Set("fields", "id,name,language,category,status,components")
		if after != "" {
			query.Set("after", after)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(c.org.BusinessAccountID+"/message_templates")+"?"+query.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.org.AccessToken)

		resp, respBody, err := c.request(apiClient, req)
		if err != nil || resp.StatusCode/100 == 5 {
			return nil, errs.ErrConnectionFailed
		}
		if resp.StatusCode/100 != 2 {
			return nil, graphError(respBody)
		}

		page := &templateList{}
		if err := json.Unmarshal(respBody, page); err != nil {
			return nil, errs.Wrap(errs.Provider, "error parsing template list", err)
		}
		all = append(all, page.Data...)

		if page.Paging.Next == "" || page.Paging.Cursors.After == "" || len(page.Data) == 0 {
			return all, nil
		}
		after = page.Paging.Cursors.After
	}
}

// DeleteTemplate removes the named template, and all its languages, from the
// org's business account
func (c *Client) DeleteTemplate(ctx context.Context, name string) error {
	query := url.Values{}
	query.Set("name", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.apiURL(c.org.BusinessAccountID+"/message_templates")+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.org.AccessToken)

	resp, respBody, err := c.request(apiClient, req)
	if err != nil || resp.StatusCode/100 == 5 {
		return errs.ErrConnectionFailed
	}
	if resp.StatusCode/100 != 2 {
		return graphError(respBody)
	}
	return nil
}
