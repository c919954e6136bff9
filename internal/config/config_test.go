package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("wecom.corp_id", "wx5823bf96d3bd56c7")
	viper.Set("wecom.secret", "app-secret")
	viper.Set("wecom.agent_id", "1000002")
	viper.Set("wecom.token", "QDG6eK")
	viper.Set("wecom.encoding_aes_key", strings.Repeat("a", 43))
	viper.Set("ai.api_key", "sk-test")
	viper.Set("auth.jwt_secret", "jwt-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.NotEmpty(t, cfg.DatabasePath)
	assert.NotEmpty(t, cfg.Extract.ImageDir)
	assert.False(t, cfg.Qianji.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	viper.Set("server.addr", ":9000")
	viper.Set("server.public_base_url", "https://bot.example.com/")
	viper.Set("session.ttl", "45m")
	viper.Set("ai.model", "gpt-4o")
	viper.Set("qianji.enabled", true)
	viper.Set("qianji.cate_choose", true)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "https://bot.example.com", cfg.Server.PublicBaseURL) // trailing slash stripped
	assert.Equal(t, 45*time.Minute, cfg.SessionTTL)
	assert.Equal(t, "gpt-4o", cfg.AI.Model)
	assert.True(t, cfg.Qianji.Enabled)
	assert.True(t, cfg.Qianji.CateChoose)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{name: "missing corp id", unset: "wecom.corp_id"},
		{name: "missing secret", unset: "wecom.secret"},
		{name: "missing agent id", unset: "wecom.agent_id"},
		{name: "missing callback token", unset: "wecom.token"},
		{name: "missing aes key", unset: "wecom.encoding_aes_key"},
		{name: "missing ai key", unset: "ai.api_key"},
		{name: "missing jwt secret", unset: "auth.jwt_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			viper.Set(tt.unset, "")

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_RejectsShortAESKey(t *testing.T) {
	setRequired(t)
	viper.Set("wecom.encoding_aes_key", "tooshort")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadSheetsConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("sheets.service_account_path", "/etc/creds.json")
	viper.Set("sheets.spreadsheet_id", "sheet-123")

	cfg, err := LoadSheetsConfig()
	require.NoError(t, err)
	assert.Equal(t, "/etc/creds.json", cfg.ServiceAccountPath)
	assert.Equal(t, "sheet-123", cfg.SpreadsheetID)
	assert.Equal(t, "记账导出", cfg.SpreadsheetName)
}

func TestLoadSheetsConfig_RequiresAuth(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("GOOGLE_SHEETS_SERVICE_ACCOUNT_PATH", "")
	t.Setenv("GOOGLE_SHEETS_CLIENT_ID", "")
	t.Setenv("GOOGLE_SHEETS_CLIENT_SECRET", "")
	t.Setenv("GOOGLE_SHEETS_REFRESH_TOKEN", "")

	_, err := LoadSheetsConfig()
	assert.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	t.Setenv("SHOEBOX_TEST_DIR", "/var/data")

	assert.Equal(t, "/var/data/shoebox.db", ExpandPath("$SHOEBOX_TEST_DIR/shoebox.db"))
	assert.Equal(t, "", ExpandPath(""))
	assert.NotContains(t, ExpandPath("~/shoebox.db"), "~")
}
