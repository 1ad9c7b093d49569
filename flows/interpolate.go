package flows

import (
	"regexp"
	"slices"
	"strings"

	"github.com/tucanchat/tucan/core/models"
)

// interpolation tokens look like {{name}} or {{a.b[0].c}}
var tokenRegex = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate renders a template against the bag. Tokens whose path doesn't
// resolve are left in place verbatim so authoring mistakes stay visible in
// the conversation instead of silently disappearing.
func Interpolate(template string, vars models.Vars) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return tokenRegex.ReplaceAllStringFunc(template, func(token string) string {
		path := strings.TrimSpace(token[2 : len(token)-2])
		if val, ok := vars.Resolve(path); ok {
			return val.String()
		}
		return token
	})
}

// references returns whether any of the template's tokens resolve one of the
// given names as their root
func references(template string, names ...string) bool {
	for _, m := range tokenRegex.FindAllStringSubmatch(template, -1) {
		root := strings.TrimSpace(m[1])
		root, _, _ = strings.Cut(root, ".")
		root, _, _ = strings.Cut(root, "[")
		if slices.Contains(names, root) {
			return true
		}
	}
	return false
}
