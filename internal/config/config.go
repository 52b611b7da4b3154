// Package config loads and validates run configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/dealshuttle/internal/product"
	"github.com/JakeFAU/dealshuttle/internal/query"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Site    SiteConfig       `mapstructure:"site"`
	Search  SearchConfig     `mapstructure:"search"`
	Enrich  EnrichConfig     `mapstructure:"enrich"`
	Run     RunConfig        `mapstructure:"run"`
	Query   query.Vocabulary `mapstructure:"query"`
	Logging LoggingConfig    `mapstructure:"logging"`
	Metrics MetricsConfig    `mapstructure:"metrics"`
	Mirror  MirrorConfig     `mapstructure:"mirror"`
}

// SiteConfig controls where the site lives and what every page carries.
type SiteConfig struct {
	RootDir       string `mapstructure:"root_dir"`
	BaseURL       string `mapstructure:"base_url"`
	PostsDir      string `mapstructure:"posts_dir"`
	LedgerFile    string `mapstructure:"ledger_file"`
	Timezone      string `mapstructure:"timezone"`
	Disclosure    string `mapstructure:"disclosure"`
	IndexLimit    int    `mapstructure:"index_limit"`
	Title         string `mapstructure:"title"`
	FallbackTitle string `mapstructure:"fallback_title"`
}

// Location resolves the time zone used for artifact dates.
func (c SiteConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// SearchConfig configures the product search gateway.
type SearchConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Path      string        `mapstructure:"path"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	SubID     string        `mapstructure:"sub_id"`
	PageSize  int           `mapstructure:"page_size"`
	MaxPages  int           `mapstructure:"max_pages"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HasCredentials reports whether both search keys are set. Without them the
// run skips searching but still rebuilds the site.
func (c SearchConfig) HasCredentials() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// EnrichConfig configures the text generation provider.
type EnrichConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api_key"`
	Prompt       string        `mapstructure:"prompt"`
	IncludePrice bool          `mapstructure:"include_price"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RunConfig bounds a single invocation.
type RunConfig struct {
	TargetCount int `mapstructure:"target_count"`
	MaxQueries  int `mapstructure:"max_queries"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the end-of-run metrics push.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// MirrorConfig enables copying the built site to a GCS bucket.
type MirrorConfig struct {
	GCSBucket string        `mapstructure:"gcs_bucket"`
	Prefix    string        `mapstructure:"prefix"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a bucket is configured.
func (c MirrorConfig) Enabled() bool {
	return strings.TrimSpace(c.GCSBucket) != ""
}

// LoadDotEnv reads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHUTTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.root_dir", ".")
	v.SetDefault("site.posts_dir", "posts")
	v.SetDefault("site.ledger_file", ".ledger")
	v.SetDefault("site.timezone", "Asia/Seoul")
	v.SetDefault("site.disclosure", "본 포스팅은 쿠팡 파트너스 활동의 일환으로 수수료를 제공받을 수 있습니다.")
	v.SetDefault("site.index_limit", 100)
	v.SetDefault("site.title", "🚀 실시간 핫딜 쇼핑몰")
	v.SetDefault("site.fallback_title", "추천 상품")
	v.SetDefault("search.base_url", "https://api-gateway.coupang.com")
	v.SetDefault("search.path", "/v2/providers/affiliate_open_api/apis/openapi/v1/products/search")
	v.SetDefault("search.page_size", product.MaxPageSize)
	v.SetDefault("search.max_pages", 1)
	v.SetDefault("search.timeout", 15*time.Second)
	v.SetDefault("enrich.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("enrich.model", "gemini-1.5-flash")
	v.SetDefault("enrich.include_price", false)
	v.SetDefault("enrich.interval", 35*time.Second)
	v.SetDefault("enrich.timeout", 30*time.Second)
	v.SetDefault("run.target_count", 5)
	v.SetDefault("run.max_queries", 10)
	vocab := query.DefaultVocabulary()
	v.SetDefault("query.qualifiers", vocab.Qualifiers)
	v.SetDefault("query.brands", vocab.Brands)
	v.SetDefault("query.types", vocab.Types)
	v.SetDefault("query.modifiers", vocab.Modifiers)
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.job", "dealshuttle")
	v.SetDefault("mirror.timeout", 60*time.Second)
}

// bindEnv keeps the credential variable names deployments already use working
// alongside their SHUTTLE_ equivalents. The prefixed name wins when both are set.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"search.access_key": "COUPANG_ACCESS_KEY",
		"search.secret_key": "COUPANG_SECRET_KEY",
		"enrich.api_key":    "GEMINI_API_KEY",
		"site.base_url":     "SITE_URL",
	}
	for key, env := range bindings {
		prefixed := "SHUTTLE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Site.RootDir) == "" {
		return fmt.Errorf("site.root_dir must be set")
	}
	if u, err := url.ParseRequestURI(c.Site.BaseURL); err != nil || u.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL (SITE_URL), got %q", c.Site.BaseURL)
	}
	if strings.TrimSpace(c.Site.PostsDir) == "" || strings.Contains(c.Site.PostsDir, "..") {
		return fmt.Errorf("site.posts_dir must be a relative directory inside site.root_dir")
	}
	if strings.TrimSpace(c.Site.LedgerFile) == "" || strings.ContainsAny(c.Site.LedgerFile, `/\`) {
		return fmt.Errorf("site.ledger_file must be a plain file name")
	}
	if _, err := c.Site.Location(); err != nil {
		return fmt.Errorf("site.timezone: %w", err)
	}
	if strings.TrimSpace(c.Site.Disclosure) == "" {
		return fmt.Errorf("site.disclosure must not be empty")
	}
	if c.Site.IndexLimit <= 0 {
		return fmt.Errorf("site.index_limit must be > 0")
	}
	if c.Search.PageSize < 1 || c.Search.PageSize > product.MaxPageSize {
		return fmt.Errorf("search.page_size must be between 1 and %d", product.MaxPageSize)
	}
	if c.Search.MaxPages <= 0 {
		return fmt.Errorf("search.max_pages must be > 0")
	}
	if c.Search.Timeout <= 0 {
		return fmt.Errorf("search.timeout must be > 0")
	}
	if c.Enrich.Interval < 0 {
		return fmt.Errorf("enrich.interval must be >= 0")
	}
	if c.Enrich.Timeout <= 0 {
		return fmt.Errorf("enrich.timeout must be > 0")
	}
	if c.Enrich.APIKey != "" && strings.TrimSpace(c.Enrich.Model) == "" {
		return fmt.Errorf("enrich.model must be set when enrich.api_key is set")
	}
	if c.Run.TargetCount <= 0 {
		return fmt.Errorf("run.target_count must be > 0")
	}
	if c.Run.MaxQueries <= 0 {
		return fmt.Errorf("run.max_queries must be > 0")
	}
	if len(c.Query.Qualifiers)+len(c.Query.Brands)+len(c.Query.Types)+len(c.Query.Modifiers) == 0 {
		return fmt.Errorf("query vocabulary must not be empty")
	}
	if c.Metrics.PushgatewayURL != "" && strings.TrimSpace(c.Metrics.Job) == "" {
		return fmt.Errorf("metrics.job must be set when metrics.pushgateway_url is set")
	}
	if c.Mirror.Enabled() && c.Mirror.Timeout <= 0 {
		return fmt.Errorf("mirror.timeout must be > 0 when mirror.gcs_bucket is set")
	}
	return nil
}
