// Package config loads and validates messager configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Login     LoginConfig     `mapstructure:"login"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Notice    NoticeConfig    `mapstructure:"notice"`
	DB        DBConfig        `mapstructure:"db"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HTTPConfig configures the session client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	Referer        string `mapstructure:"referer"`
	UserAgent      string `mapstructure:"user_agent"`
}

// LoginConfig covers both authentication stages.
type LoginConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	WaitIntervalSeconds int           `mapstructure:"wait_interval_seconds"`
	Gateway             GatewayConfig `mapstructure:"gateway"`
	Portal              PortalConfig  `mapstructure:"portal"`
}

// GatewayConfig parameterizes the web-VPN gateway stage.
type GatewayConfig struct {
	PageURL            string `mapstructure:"page_url"`
	FormURL            string `mapstructure:"form_url"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	SuccessTitle       string `mapstructure:"success_title"`
	AllowError         bool   `mapstructure:"allow_error"`
	SubmitDelaySeconds int    `mapstructure:"submit_delay_seconds"`
}

// PortalConfig parameterizes the CAS portal stage.
type PortalConfig struct {
	LoginURL      string   `mapstructure:"login_url"`
	Referer       string   `mapstructure:"referer"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	FormSelector  string   `mapstructure:"form_selector"`
	SuccessTitles []string `mapstructure:"success_titles"`
}

// CaptchaConfig locates the captcha endpoint and the OCR data.
type CaptchaConfig struct {
	URL            string `mapstructure:"url"`
	Referer        string `mapstructure:"referer"`
	TessdataPrefix string `mapstructure:"tessdata_prefix"`
}

// NoticeConfig governs the polling loop and field normalization.
type NoticeConfig struct {
	CheckIntervalSeconds    int    `mapstructure:"check_interval_seconds"`
	ErrorSleepSeconds       int    `mapstructure:"error_sleep_seconds"`
	DownloadIntervalSeconds int    `mapstructure:"download_interval_seconds"`
	BroadcastWindowSeconds  int    `mapstructure:"broadcast_window_seconds"`
	MaxPages                int    `mapstructure:"max_pages"`
	ListURLTemplate         string `mapstructure:"list_url_template"`
	DetailURLTemplate       string `mapstructure:"detail_url_template"`
	SuccessMessage          string `mapstructure:"success_message"`
	AttachmentSelector      string `mapstructure:"attachment_selector"`
	TitleMaxLength          int    `mapstructure:"title_max_length"`
	AuthorMaxLength         int    `mapstructure:"author_max_length"`
	SummaryMaxLength        int    `mapstructure:"summary_max_length"`
	AttachmentNameLength    int    `mapstructure:"attachment_name_length"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// BrokerConfig holds the AMQP delivery edge settings.
type BrokerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	QueueName  string `mapstructure:"queue_name"`
}

// MetricsConfig toggles the Prometheus listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MESSAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("http.max_retries", 4)
	v.SetDefault("http.referer", "http://my.bupt.edu.cn/index.portal")

	v.SetDefault("login.max_attempts", 3)
	v.SetDefault("login.wait_interval_seconds", 5)
	v.SetDefault("login.gateway.page_url", "http://webvpn.bupt.edu.cn/")
	v.SetDefault("login.gateway.form_url", "http://webvpn.bupt.edu.cn/wengine-auth/login/")
	v.SetDefault("login.gateway.success_title", "校园访问校园网门户")
	v.SetDefault("login.gateway.allow_error", true)
	v.SetDefault("login.gateway.submit_delay_seconds", 5)
	v.SetDefault("login.portal.login_url",
		"https://auth.bupt.edu.cn/authserver/login?service=http%3A%2F%2Fmy.bupt.edu.cn%2Flogin.portal")
	v.SetDefault("login.portal.referer", "http://my.bupt.edu.cn/")
	v.SetDefault("login.portal.form_selector", "#casLoginForm input")
	v.SetDefault("login.portal.success_titles", []string{"欢迎访问信息服务门户", "CAS – wisedu"})

	v.SetDefault("captcha.url", "http://webvpn.bupt.edu.cn/wengine-auth/captcha/")
	v.SetDefault("captcha.referer", "http://webvpn.bupt.edu.cn/")

	v.SetDefault("notice.check_interval_seconds", 600)
	v.SetDefault("notice.error_sleep_seconds", 3600)
	v.SetDefault("notice.download_interval_seconds", 5)
	v.SetDefault("notice.broadcast_window_seconds", 3600)
	v.SetDefault("notice.max_pages", 3)
	v.SetDefault("notice.list_url_template",
		"https://webapp.bupt.edu.cn/extensions/wap/news/get-list.html?p=%d&type=tzgg")
	v.SetDefault("notice.detail_url_template",
		"https://webapp.bupt.edu.cn/extensions/wap/news/detail.html?id=%s&classify_id=tzgg")
	v.SetDefault("notice.success_message", "操作成功")
	v.SetDefault("notice.attachment_selector", "#container > section > ul > div > p > a")
	v.SetDefault("notice.title_max_length", 80)
	v.SetDefault("notice.author_max_length", 40)
	v.SetDefault("notice.summary_max_length", 10000)
	v.SetDefault("notice.attachment_name_length", 50)

	v.SetDefault("broker.exchange", "notices")
	v.SetDefault("broker.routing_key", "notice.new")
	v.SetDefault("broker.queue_name", "notice_broadcast")

	v.SetDefault("metrics.port", 9190)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Login.MaxAttempts <= 0 {
		return fmt.Errorf("login.max_attempts must be > 0")
	}
	if c.Notice.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("notice.check_interval_seconds must be > 0")
	}
	if c.Notice.MaxPages <= 0 {
		return fmt.Errorf("notice.max_pages must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	if c.Login.Gateway.Username == "" || c.Login.Gateway.Password == "" {
		return fmt.Errorf("login.gateway credentials must be set")
	}
	if c.Login.Portal.Username == "" || c.Login.Portal.Password == "" {
		return fmt.Errorf("login.portal credentials must be set")
	}
	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("broker.url must be set when broker is enabled")
	}
	return nil
}

// CheckInterval returns the polling interval as a duration.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Notice.CheckIntervalSeconds) * time.Second
}

// ErrorSleep returns the degraded-cadence backoff as a duration.
func (c Config) ErrorSleep() time.Duration {
	return time.Duration(c.Notice.ErrorSleepSeconds) * time.Second
}
