package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "mengla", cfg.MongoDB)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 240, cfg.CollectIntervalSeconds)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, cfg.CategoryCatIDList())
}

func Test_Load_OverridesFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9000")
	t.Setenv("CATEGORY_CAT_IDS", "100001, 100002 ,100003")
	t.Setenv("MENGLA_TIMEOUT_SECONDS", "120")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"100001", "100002", "100003"}, cfg.CategoryCatIDList())
	assert.Equal(t, 120*time.Second, cfg.MenglaTimeout())
}

func Test_Load_ErrorOnBadDuration(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
}

func Test_AdminEnabled(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		enabled bool
	}{
		{"panel flag on", Config{EnablePanelAdmin: true}, true},
		{"creds set", Config{AdminUsername: "admin", AdminPassword: "secret"}, true},
		{"neither", Config{}, false},
		{"username only", Config{AdminUsername: "admin"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.enabled, tc.cfg.AdminEnabled())
		})
	}
}

func Test_CollectInterval(t *testing.T) {
	cfg := Config{CollectIntervalSeconds: 300}
	assert.Equal(t, 300*time.Second, cfg.CollectInterval())
}

func Test_CategoryCatIDList_DropsBlanks(t *testing.T) {
	cfg := Config{CategoryCatIDs: "1,,2, ,3"}
	assert.Equal(t, []string{"1", "2", "3"}, cfg.CategoryCatIDList())
}
