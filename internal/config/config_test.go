package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBotConfig(t *testing.T) {
	bots, err := ParseBotConfig(`{"default":"gpt-4o","gpt-4o":{"bot_id":"7400"},"dall-e-3":{"bot_id":"7401"}}`)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", bots.Default)
	assert.Equal(t, []string{"dall-e-3", "gpt-4o"}, bots.Names())

	bot, ok := bots.Resolve("dall-e-3")
	assert.True(t, ok)
	assert.Equal(t, "7401", bot.BotID)

	bot, ok = bots.Resolve("unknown-model")
	assert.True(t, ok)
	assert.Equal(t, "7400", bot.BotID)

	bot, ok = bots.Resolve("")
	assert.True(t, ok)
	assert.Equal(t, "7400", bot.BotID)
}

func TestParseBotConfigInvalid(t *testing.T) {
	_, err := ParseBotConfig(`{"default":1}`)
	assert.Error(t, err)

	_, err = ParseBotConfig(`not json`)
	assert.Error(t, err)
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
coze:
  oauth:
    app_id: "1165608857222"
    key_id: "kid-file"
bots:
  default: coze-main
  models:
    coze-main:
      bot_id: "7400"
    gpt-4:
      upstream_url: https://api.openai.com/v1
      upstream_key: sk-test
upload:
  upload_url: https://r2.example.com/bucket/
  auth_key: r2-key
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("COZE_SIGNING_PUBLIC_KEY", "kid-env")
	t.Setenv("PORT", "8080")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1165608857222", cfg.Coze.OAuth.AppID)
	assert.Equal(t, "kid-env", cfg.Coze.OAuth.KeyID)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DefaultAPIBase, cfg.Coze.APIBase)
	assert.Equal(t, DefaultUserID, cfg.Coze.UserID)
	assert.Equal(t, "https://api.coze.com/api/permission/oauth2/token", cfg.Coze.OAuth.TokenURL)
	assert.Equal(t, DefaultDurationSeconds, cfg.Coze.OAuth.DurationSeconds)
	assert.Equal(t, "https://r2.example.com/bucket", cfg.Upload.UploadURL)
	assert.Equal(t, "memory", cfg.TokenCache.Backend)

	gpt4, ok := cfg.Bots.Resolve("gpt-4")
	require.True(t, ok)
	assert.True(t, gpt4.PassThrough())
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("BOT_CONFIG", `{"default":"m","m":{"bot_id":"b1"}}`)
	t.Setenv("R2_CONFIG", `{"upload_url":"https://files.example.com","auth_key":"k"}`)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "m", cfg.Bots.Default)
	assert.Equal(t, "https://files.example.com", cfg.Upload.UploadURL)
	assert.Equal(t, "k", cfg.Upload.AuthKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no models", Config{}},
		{"missing default", Config{Bots: Bots{Default: "x", Models: map[string]Bot{"m": {BotID: "1"}}}}},
		{"empty entry", Config{Bots: Bots{Default: "m", Models: map[string]Bot{"m": {}}}}},
		{"dynamodb without table", Config{
			Bots:       Bots{Default: "m", Models: map[string]Bot{"m": {BotID: "1"}}},
			TokenCache: TokenCache{Backend: "dynamodb"},
		}},
		{"azure without resource", Config{
			Bots:       Bots{Default: "m", Models: map[string]Bot{"m": {AzureDeployment: "gpt35"}}},
			TokenCache: TokenCache{Backend: "memory"},
		}},
		{"unknown backend", Config{
			Bots:       Bots{Default: "m", Models: map[string]Bot{"m": {BotID: "1"}}},
			TokenCache: TokenCache{Backend: "redis"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestAzureBot(t *testing.T) {
	bots, err := ParseBotConfig(`{"default":"gpt-35-turbo","gpt-35-turbo":{"azure_resource":"contoso","azure_deployment":"gpt35 prod"}}`)
	require.NoError(t, err)

	bot, ok := bots.Resolve("gpt-35-turbo")
	require.True(t, ok)
	assert.True(t, bot.Azure())
	assert.True(t, bot.PassThrough())
	assert.Equal(t,
		"https://contoso.openai.azure.com/openai/deployments/gpt35%20prod/chat/completions?api-version=2023-05-15",
		bot.AzureURL("chat/completions"))

	bot.AzureEndpoint = "https://contoso.openai.azure.us/"
	bot.APIVersion = "2024-02-01"
	assert.Equal(t,
		"https://contoso.openai.azure.us/openai/deployments/gpt35%20prod/completions?api-version=2024-02-01",
		bot.AzureURL("completions"))

	cfg := Config{Bots: bots, TokenCache: TokenCache{Backend: "memory"}}
	assert.NoError(t, cfg.Validate())

	assert.False(t, Bot{BotID: "7400"}.PassThrough())
	assert.True(t, Bot{UpstreamURL: "https://api.openai.com/v1"}.PassThrough())
}
