// Package config loads gateway configuration from a YAML file and from the
// environment variables the Worker deployment uses.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/dvcrn/coze-proxy/internal/env"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIBase         = "https://api.coze.com"
	DefaultUserID          = "29032201862555"
	DefaultAudience        = "api.coze.com"
	DefaultDurationSeconds = 86399
	DefaultPort            = "9879"
	DefaultAzureAPIVersion = "2023-05-15"

	// EnvPrivateKey holds the PEM signing key when no other key source is
	// configured. It is read on every mint rather than copied into Config.
	EnvPrivateKey = "COZE_SIGNING_PRIVATE_KEY"
)

type Config struct {
	Coze       Coze       `yaml:"coze"`
	Bots       Bots       `yaml:"bots"`
	Upload     Upload     `yaml:"upload"`
	Server     Server     `yaml:"server"`
	TokenCache TokenCache `yaml:"token_cache"`
}

type Coze struct {
	APIBase string `yaml:"api_base"`
	UserID  string `yaml:"user_id"`
	OAuth   OAuth  `yaml:"oauth"`
}

type OAuth struct {
	AppID              string `yaml:"app_id"`
	KeyID              string `yaml:"key_id"`
	Audience           string `yaml:"audience"`
	TokenURL           string `yaml:"token_url"`
	DurationSeconds    int    `yaml:"duration_seconds"`
	PrivateKey         string `yaml:"private_key"`
	PrivateKeyFile     string `yaml:"private_key_file"`
	PrivateKeySSMParam string `yaml:"private_key_ssm_param"`
}

// Bot maps a client-facing model name to a Coze bot, to an OpenAI-compatible
// provider at UpstreamURL, or to an Azure OpenAI deployment. The latter two
// are proxied as is.
type Bot struct {
	BotID       string `yaml:"bot_id" json:"bot_id"`
	UpstreamURL string `yaml:"upstream_url" json:"upstream_url,omitempty"`
	UpstreamKey string `yaml:"upstream_key" json:"upstream_key,omitempty"`

	AzureResource   string `yaml:"azure_resource" json:"azure_resource,omitempty"`
	AzureDeployment string `yaml:"azure_deployment" json:"azure_deployment,omitempty"`
	// AzureEndpoint replaces https://{azure_resource}.openai.azure.com, for
	// sovereign clouds and private endpoints.
	AzureEndpoint string `yaml:"azure_endpoint" json:"azure_endpoint,omitempty"`
	APIVersion    string `yaml:"api_version" json:"api_version,omitempty"`
}

func (b Bot) Azure() bool {
	return b.AzureDeployment != ""
}

func (b Bot) PassThrough() bool {
	return b.UpstreamURL != "" || b.Azure()
}

// AzureURL is the deployment URL for an OpenAI path such as
// "chat/completions".
func (b Bot) AzureURL(path string) string {
	base := b.AzureEndpoint
	if base == "" {
		base = "https://" + b.AzureResource + ".openai.azure.com"
	}
	version := b.APIVersion
	if version == "" {
		version = DefaultAzureAPIVersion
	}
	return strings.TrimRight(base, "/") +
		"/openai/deployments/" + url.PathEscape(b.AzureDeployment) +
		"/" + strings.TrimLeft(path, "/") +
		"?api-version=" + url.QueryEscape(version)
}

type Bots struct {
	Default string         `yaml:"default"`
	Models  map[string]Bot `yaml:"models"`
}

type Upload struct {
	UploadURL string `yaml:"upload_url" json:"upload_url"`
	AuthKey   string `yaml:"auth_key" json:"auth_key"`
}

type Server struct {
	Port        string `yaml:"port"`
	APIKey      string `yaml:"api_key"`
	AdminAPIKey string `yaml:"admin_api_key"`
}

type TokenCache struct {
	Backend       string `yaml:"backend"`
	DynamoDBTable string `yaml:"dynamodb_table"`
}

// Resolve returns the entry configured for model, falling back to the
// default entry. ok is false only when neither exists.
func (b Bots) Resolve(model string) (Bot, bool) {
	if bot, ok := b.Models[model]; ok && model != "" {
		return bot, true
	}
	bot, ok := b.Models[b.Default]
	return bot, ok
}

// Names returns the configured model names in stable order.
func (b Bots) Names() []string {
	names := make([]string, 0, len(b.Models))
	for name := range b.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration purely from environment variables.
func FromEnv() (*Config, error) {
	return Load("")
}

func (c *Config) applyEnv() error {
	if raw, ok := env.Get("BOT_CONFIG"); ok && raw != "" {
		bots, err := ParseBotConfig(raw)
		if err != nil {
			return err
		}
		c.Bots = bots
	}
	if raw, ok := env.Get("R2_CONFIG"); ok && raw != "" {
		var up Upload
		if err := json.Unmarshal([]byte(raw), &up); err != nil {
			return fmt.Errorf("failed to parse R2_CONFIG: %w", err)
		}
		c.Upload = up
	}

	overrides := []struct {
		key string
		dst *string
	}{
		{"COZE_API_BASE", &c.Coze.APIBase},
		{"COZE_USER_ID", &c.Coze.UserID},
		{"COZE_APP_ID", &c.Coze.OAuth.AppID},
		{"COZE_SIGNING_PUBLIC_KEY", &c.Coze.OAuth.KeyID},
		{"COZE_SIGNING_PRIVATE_KEY_FILE", &c.Coze.OAuth.PrivateKeyFile},
		{"COZE_SIGNING_PRIVATE_KEY_SSM_PARAM", &c.Coze.OAuth.PrivateKeySSMParam},
		{"PROXY_API_KEY", &c.Server.APIKey},
		{"ADMIN_API_KEY", &c.Server.AdminAPIKey},
		{"PORT", &c.Server.Port},
		{"TOKEN_CACHE_BACKEND", &c.TokenCache.Backend},
		{"TOKEN_CACHE_DYNAMODB_TABLE", &c.TokenCache.DynamoDBTable},
	}
	for _, o := range overrides {
		if v, ok := env.Get(o.key); ok && v != "" {
			*o.dst = v
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Coze.APIBase == "" {
		c.Coze.APIBase = DefaultAPIBase
	}
	c.Coze.APIBase = strings.TrimRight(c.Coze.APIBase, "/")
	if c.Coze.UserID == "" {
		c.Coze.UserID = DefaultUserID
	}
	if c.Coze.OAuth.Audience == "" {
		c.Coze.OAuth.Audience = DefaultAudience
	}
	if c.Coze.OAuth.TokenURL == "" {
		c.Coze.OAuth.TokenURL = c.Coze.APIBase + "/api/permission/oauth2/token"
	}
	if c.Coze.OAuth.DurationSeconds == 0 {
		c.Coze.OAuth.DurationSeconds = DefaultDurationSeconds
	}
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
	if c.TokenCache.Backend == "" {
		c.TokenCache.Backend = "memory"
	}
	c.Upload.UploadURL = strings.TrimRight(c.Upload.UploadURL, "/")
}

// Validate checks the settings every deployment needs.
func (c *Config) Validate() error {
	if len(c.Bots.Models) == 0 {
		return fmt.Errorf("no models configured")
	}
	if _, ok := c.Bots.Models[c.Bots.Default]; !ok {
		return fmt.Errorf("default model %q is not configured", c.Bots.Default)
	}
	for name, bot := range c.Bots.Models {
		switch {
		case bot.Azure():
			if bot.AzureResource == "" && bot.AzureEndpoint == "" {
				return fmt.Errorf("model %q needs azure_resource or azure_endpoint", name)
			}
		case bot.BotID == "" && bot.UpstreamURL == "":
			return fmt.Errorf("model %q needs bot_id, upstream_url or azure_deployment", name)
		}
	}
	switch c.TokenCache.Backend {
	case "memory", "kv":
	case "dynamodb":
		if c.TokenCache.DynamoDBTable == "" {
			return fmt.Errorf("token_cache.dynamodb_table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown token cache backend %q", c.TokenCache.Backend)
	}
	return nil
}

// ParseBotConfig parses the BOT_CONFIG format: a JSON object whose "default"
// key names the fallback model and every other key is a model entry.
func ParseBotConfig(raw string) (Bots, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return Bots{}, fmt.Errorf("failed to parse BOT_CONFIG: %w", err)
	}

	bots := Bots{Models: make(map[string]Bot, len(entries))}
	for name, value := range entries {
		if name == "default" {
			if err := json.Unmarshal(value, &bots.Default); err != nil {
				return Bots{}, fmt.Errorf("BOT_CONFIG default must be a model name: %w", err)
			}
			continue
		}
		var bot Bot
		if err := json.Unmarshal(value, &bot); err != nil {
			return Bots{}, fmt.Errorf("BOT_CONFIG entry %q: %w", name, err)
		}
		bots.Models[name] = bot
	}
	return bots, nil
}
