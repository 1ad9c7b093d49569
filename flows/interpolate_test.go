package flows_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/flows"
)

func TestInterpolate(t *testing.T) {
	vars := models.Vars{
		"name":  models.StringValue("Anita"),
		"total": models.NumberValue(42.5),
		"vip":   models.BoolValue(true),
		"order": models.ObjectValue(map[string]models.Value{
			"items": models.ArrayValue([]models.Value{
				models.ObjectValue(map[string]models.Value{"sku": models.StringValue("TEA-01")}),
			}),
		}),
	}

	tcs := []struct {
		template string
		expected string
	}{
		{"no tokens at all", "no tokens at all"},
		{"Hi {{name}}", "Hi Anita"},
		{"Hi {{ name }}", "Hi Anita"},                           // padding inside the braces
		{"{{total}} due, vip={{vip}}", "42.5 due, vip=true"},    // numbers render without a trailing zero
		{"First item {{order.items[0].sku}}", "First item TEA-01"},
		{"Hi {{nope}}", "Hi {{nope}}"},                          // unknown names stay verbatim
		{"{{order.items[4].sku}}", "{{order.items[4].sku}}"},    // as do paths that fall off the data
		{"{{name}} and {{name}}", "Anita and Anita"},
		{"", ""},
	}

	for _, tc := range tcs {
		assert.Equal(t, tc.expected, flows.Interpolate(tc.template, vars), "template: %s", tc.template)
	}
}

func TestNormalizeDriveURL(t *testing.T) {
	tcs := []struct {
		url      string
		expected string
	}{
		{
			"https://drive.google.com/file/d/1AbCdEf/view?usp=sharing",
			"https://drive.google.com/uc?export=download&id=1AbCdEf",
		},
		{
			"https://drive.google.com/open?id=1AbCdEf",
			"https://drive.google.com/uc?export=download&id=1AbCdEf",
		},
		{"https://example.com/cat.png", "https://example.com/cat.png"},
		{"", ""},
	}

	for _, tc := range tcs {
		assert.Equal(t, tc.expected, flows.NormalizeDriveURL(tc.url), "url: %s", tc.url)
	}
}
