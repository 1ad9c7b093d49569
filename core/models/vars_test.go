package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tucanchat/tucan/core/models"
)

func TestValueRendering(t *testing.T) {
	assert.Equal(t, "hello", models.StringValue("hello").String())
	assert.Equal(t, "5", models.NumberValue(5).String())
	assert.Equal(t, "5.5", models.NumberValue(5.5).String())
	assert.Equal(t, "true", models.BoolValue(true).String())
	assert.Equal(t, `["a","b"]`, models.StringArrayValue([]string{"a", "b"}).String())
	assert.Equal(t, "", models.Value{}.String())
	assert.True(t, models.Value{}.IsEmpty())
	assert.True(t, models.StringValue("").IsEmpty())
	assert.False(t, models.NumberValue(0).IsEmpty())
}

func TestValueNumber(t *testing.T) {
	n, ok := models.NumberValue(3.25).Number()
	assert.True(t, ok)
	assert.Equal(t, 3.25, n)

	n, ok = models.StringValue(" 42 ").Number()
	assert.True(t, ok)
	assert.Equal(t, 42.0, n)

	_, ok = models.StringValue("forty two").Number()
	assert.False(t, ok)

	n, ok = models.BoolValue(true).Number()
	assert.True(t, ok)
	assert.Equal(t, 1.0, n)
}

func TestValueJSONRoundTrip(t *testing.T) {
	var v models.Value
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Anu","tags":["a","b"],"age":33,"vip":true}`), &v))

	assert.Equal(t, models.ValueTypeObject, v.Type())
	name, ok := v.Field("name")
	assert.True(t, ok)
	assert.Equal(t, "Anu", name.String())

	tags, ok := v.Field("tags")
	assert.True(t, ok)
	first, ok := tags.Index(0)
	assert.True(t, ok)
	assert.Equal(t, "a", first.String())

	_, ok = tags.Index(5)
	assert.False(t, ok)

	marshaled, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Anu","tags":["a","b"],"age":33,"vip":true}`, string(marshaled))
}

func TestVarsResolve(t *testing.T) {
	vars := make(models.Vars)
	vars.Set("name", models.StringValue("Bala"))

	var order models.Value
	require.NoError(t, json.Unmarshal([]byte(`{"items":[{"sku":"X1"},{"sku":"X2"}],"total":99}`), &order))
	vars.Set("order", order)

	tcs := []struct {
		path     string
		expected string
		found    bool
	}{
		{"name", "Bala", true},
		{"order.total", "99", true},
		{"order.items[0].sku", "X1", true},
		{"order.items[1].sku", "X2", true},
		{"order.items[2].sku", "", false},
		{"order.missing", "", false},
		{"nope", "", false},
		{"", "", false},
		{"order.items[x]", "", false},
	}

	for _, tc := range tcs {
		val, ok := vars.Resolve(tc.path)
		assert.Equal(t, tc.found, ok, "found mismatch for %s", tc.path)
		assert.Equal(t, tc.expected, val.String(), "value mismatch for %s", tc.path)
	}
}

func TestValidVarName(t *testing.T) {
	assert.True(t, models.ValidVarName("order_id"))
	assert.True(t, models.ValidVarName("_hidden"))
	assert.True(t, models.ValidVarName("x2"))
	assert.False(t, models.ValidVarName("2x"))
	assert.False(t, models.ValidVarName("order id"))
	assert.False(t, models.ValidVarName(""))
	assert.False(t, models.ValidVarName("a.b"))
}

func TestVarsScanValue(t *testing.T) {
	var vars models.Vars
	require.NoError(t, vars.Scan([]byte(`{"name":"Chi","count":2}`)))

	name, _ := vars.Get("name")
	assert.Equal(t, "Chi", name.String())

	val, err := vars.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Chi","count":2}`, string(val.([]byte)))

	// nil scans to an empty usable bag
	var empty models.Vars
	require.NoError(t, empty.Scan(nil))
	empty.Set("x", models.NumberValue(1))
}
