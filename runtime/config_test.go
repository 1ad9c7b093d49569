package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tucanchat/tucan/runtime"
)

func TestConfigValidate(t *testing.T) {
	cfg := runtime.NewDefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg = runtime.NewDefaultConfig()
	cfg.DB = "??"
	assert.Error(t, cfg.Validate())

	cfg = runtime.NewDefaultConfig()
	cfg.Redis = "mysql://mysql:3306/0"
	assert.Error(t, cfg.Validate())

	cfg = runtime.NewDefaultConfig()
	cfg.GraphAPIVersion = "20.0"
	assert.EqualError(t, cfg.Validate(), "invalid Graph API version '20.0'")

	cfg = runtime.NewDefaultConfig()
	cfg.GraphAPIVersion = "v12.0"
	assert.EqualError(t, cfg.Validate(), "Graph API version 'v12.0' is older than the minimum supported v16.0")

	cfg = runtime.NewDefaultConfig()
	cfg.LogLevel = "noisy"
	assert.Error(t, cfg.Validate())
}
