// Package config loads the typed application configuration from Viper and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/llm"
	"github.com/xiaohaiyan/shoebox/internal/session"
	"github.com/xiaohaiyan/shoebox/internal/sheets"
	"github.com/xiaohaiyan/shoebox/internal/wecom"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr          string
	PublicBaseURL string
}

// CallbackConfig holds the callback security credentials.
type CallbackConfig struct {
	Token          string
	EncodingAESKey string
}

// AuthConfig holds the web viewer token settings.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// ExtractConfig holds the extraction pipeline settings.
type ExtractConfig struct {
	Workers  int
	ImageDir string
}

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig
	Callback CallbackConfig
	WeCom    wecom.Config
	AI       llm.Config
	Auth     AuthConfig
	Extract  ExtractConfig
	Qianji   session.QianjiOptions

	DatabasePath string
	SessionTTL   time.Duration
}

// Load reads the application configuration from Viper. Defaults are applied
// before validation so a minimal config file is enough to run.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:          viper.GetString("server.addr"),
			PublicBaseURL: strings.TrimRight(viper.GetString("server.public_base_url"), "/"),
		},
		Callback: CallbackConfig{
			Token:          viper.GetString("wecom.token"),
			EncodingAESKey: viper.GetString("wecom.encoding_aes_key"),
		},
		WeCom: wecom.Config{
			BaseURL: viper.GetString("wecom.base_url"),
			CorpID:  viper.GetString("wecom.corp_id"),
			Secret:  viper.GetString("wecom.secret"),
			AgentID: viper.GetString("wecom.agent_id"),
		},
		AI: llm.Config{
			Provider:    viper.GetString("ai.provider"),
			APIKey:      viper.GetString("ai.api_key"),
			BaseURL:     viper.GetString("ai.base_url"),
			Model:       viper.GetString("ai.model"),
			Temperature: viper.GetFloat64("ai.temperature"),
			MaxTokens:   viper.GetInt("ai.max_tokens"),
			Timeout:     viper.GetDuration("ai.timeout"),
		},
		Auth: AuthConfig{
			JWTSecret: viper.GetString("auth.jwt_secret"),
			TokenTTL:  viper.GetDuration("auth.token_ttl"),
		},
		Extract: ExtractConfig{
			Workers:  viper.GetInt("extract.workers"),
			ImageDir: ExpandPath(viper.GetString("extract.image_dir")),
		},
		Qianji: session.QianjiOptions{
			Enabled:    viper.GetBool("qianji.enabled"),
			CateChoose: viper.GetBool("qianji.cate_choose"),
		},
		DatabasePath: DatabasePath(),
		SessionTTL:   viper.GetDuration("session.ttl"),
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Extract.ImageDir == "" {
		cfg.Extract.ImageDir = filepath.Join(filepath.Dir(cfg.DatabasePath), "images")
	}
}

// DatabasePath resolves the configured database path, falling back to the
// default location under the user's home directory.
func DatabasePath() string {
	if path := ExpandPath(viper.GetString("database.path")); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "shoebox.db"
	}
	return filepath.Join(home, ".shoebox", "shoebox.db")
}

// Validate checks that everything the serve command needs is present.
func (c *Config) Validate() error {
	if c.WeCom.CorpID == "" || c.WeCom.Secret == "" || c.WeCom.AgentID == "" {
		return fmt.Errorf("%w: wecom.corp_id, wecom.secret and wecom.agent_id are required", common.ErrMissingConfig)
	}
	if c.Callback.Token == "" || c.Callback.EncodingAESKey == "" {
		return fmt.Errorf("%w: wecom.token and wecom.encoding_aes_key are required", common.ErrMissingConfig)
	}
	if len(c.Callback.EncodingAESKey) != 43 {
		return fmt.Errorf("%w: wecom.encoding_aes_key must be 43 characters", common.ErrInvalidConfig)
	}
	if c.AI.APIKey == "" {
		return fmt.Errorf("%w: ai.api_key is required", common.ErrMissingConfig)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: auth.jwt_secret is required", common.ErrMissingConfig)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("%w: session.ttl cannot be negative", common.ErrInvalidConfig)
	}
	return nil
}

// LoadSheetsConfig loads the spreadsheet export configuration. It follows
// this precedence:
// 1. Viper configuration (from config file or SHOEBOX_ env vars)
// 2. Direct environment variables (GOOGLE_SHEETS_*)
// 3. Default values
func LoadSheetsConfig() (*sheets.Config, error) {
	config := sheets.DefaultConfig()

	if v := viper.GetString("sheets.service_account_path"); v != "" {
		config.ServiceAccountPath = ExpandPath(v)
	}
	if v := viper.GetString("sheets.client_id"); v != "" {
		config.ClientID = v
	}
	if v := viper.GetString("sheets.client_secret"); v != "" {
		config.ClientSecret = v
	}
	if v := viper.GetString("sheets.refresh_token"); v != "" {
		config.RefreshToken = v
	}
	if v := viper.GetString("sheets.spreadsheet_id"); v != "" {
		config.SpreadsheetID = v
	}
	if v := viper.GetString("sheets.spreadsheet_name"); v != "" {
		config.SpreadsheetName = v
	}

	if config.ServiceAccountPath == "" {
		if v := os.Getenv("GOOGLE_SHEETS_SERVICE_ACCOUNT_PATH"); v != "" {
			config.ServiceAccountPath = ExpandPath(v)
		}
	}
	if config.ClientID == "" {
		config.ClientID = os.Getenv("GOOGLE_SHEETS_CLIENT_ID")
	}
	if config.ClientSecret == "" {
		config.ClientSecret = os.Getenv("GOOGLE_SHEETS_CLIENT_SECRET")
	}
	if config.RefreshToken == "" {
		config.RefreshToken = os.Getenv("GOOGLE_SHEETS_REFRESH_TOKEN")
	}
	if config.SpreadsheetID == "" {
		config.SpreadsheetID = os.Getenv("GOOGLE_SHEETS_SPREADSHEET_ID")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ExpandPath expands ~ and environment variables in a file path.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	return os.ExpandEnv(path)
}
