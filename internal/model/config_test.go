package model_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/gh-notifier/internal/model"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "https://api.github.com", cfg.API.BaseURL)
	assert.Equal(t, 50, cfg.API.PageSize)
	assert.Equal(t, 120, cfg.Poll.FetchIntervalSec)
	assert.Equal(t, 3600, cfg.Poll.EntitlementIntervalSec)
	assert.Equal(t, string(model.FilterAll), cfg.Display.Filter)
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := &model.AppConfig{
		API:     model.APIConfig{BaseURL: "https://github.example.com/api/v3", PageSize: 25},
		Poll:    model.PollConfig{FetchIntervalSec: 300, EntitlementIntervalSec: 7200},
		Display: model.DisplayConfig{Filter: string(model.FilterMentions)},
	}
	require.NoError(t, model.SaveConfig(path, cfg))

	loaded, err := model.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveConfigEnforcesSectionQuota(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := &model.AppConfig{
		API: model.APIConfig{
			BaseURL:  "https://api.github.com/" + strings.Repeat("x", model.SyncQuotaBytesPerItem),
			PageSize: 50,
		},
	}

	err := model.SaveConfig(path, cfg)
	require.Error(t, err)

	var quotaErr *model.QuotaError
	require.True(t, errors.As(err, &quotaErr))
	assert.Equal(t, "api", quotaErr.Section)
	assert.Greater(t, quotaErr.Size, model.SyncQuotaBytesPerItem)

	// Nothing may have been written.
	_, loadErr := model.LoadConfig(path)
	require.NoError(t, loadErr)
	loaded, _ := model.LoadConfig(path)
	assert.Equal(t, "https://api.github.com", loaded.API.BaseURL)
}

func TestLoadConfigNormalizesUnknownFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &model.AppConfig{
		API:     model.APIConfig{BaseURL: "https://api.github.com", PageSize: 50},
		Poll:    model.PollConfig{FetchIntervalSec: 120, EntitlementIntervalSec: 3600},
		Display: model.DisplayConfig{Filter: "starred"},
	}
	require.NoError(t, model.SaveConfig(path, cfg))

	loaded, err := model.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, string(model.FilterAll), loaded.Display.Filter)
}
