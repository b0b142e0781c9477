package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const placeholderSecret = "change-me-in-production"

// ServerConfig HTTP 服务监听配置
type ServerConfig struct {
	Host string
	Port int
}

// MailboxConfig 地址分配配置
type MailboxConfig struct {
	BaseDomains         []string      // 所有等级可用的基础域名
	PremiumDomains      []string      // 仅 Pro 账户可用的高级域名
	TempTTL             time.Duration // 临时地址有效期
	MaxGenerateAttempts int           // 临时地址碰撞后的最大重试次数
}

// LimitsConfig 各等级额度，负数表示不限
type LimitsConfig struct {
	FreePermanent int
	ProPermanent  int
	FreeTemporary int
	ProTemporary  int
}

// VerificationConfig 验证码配置
type VerificationConfig struct {
	CodeTTL        time.Duration
	BcryptCost     int
	MaxAttempts    int           // 错误次数达到上限后作废当前验证码
	ResendCooldown time.Duration // 两次签发验证码的最小间隔
}

// SweeperConfig 过期清理任务配置
type SweeperConfig struct {
	Interval time.Duration
	LockTTL  time.Duration // Redis 分布式锁有效期
}

// StoreConfig 存储访问配置
type StoreConfig struct {
	Timeout time.Duration // 单次存储操作超时
}

// DatabaseConfig 数据库连接配置，Type 为空时使用内存存储
type DatabaseConfig struct {
	Type            string // postgres / mysql / sqlite
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig Redis 配置，Address 为空时不启用
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Enabled 是否配置了 Redis
func (c RedisConfig) Enabled() bool {
	return c.Address != ""
}

// TelegramConfig Telegram Bot 配置，BotToken 为空时只记录日志
type TelegramConfig struct {
	BotToken   string
	APIURL     string
	Timeout    time.Duration
	MaxRetries uint64
}

// WebhookConfig 入站邮件 Webhook 配置
type WebhookConfig struct {
	Secret       string // HMAC 密钥，为空时不校验签名
	MaxBodyBytes int64
}

// SMTPConfig 可选的 SMTP 接收服务
type SMTPConfig struct {
	Enabled         bool
	BindAddr        string
	Domain          string
	MaxMessageBytes int64
	MaxRecipients   int
}

// JWTConfig JWT 配置
type JWTConfig struct {
	Secret string
	Issuer string
	Expiry time.Duration
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string
	Development bool
	File        string
	MaxSize     int
	MaxBackups  int
	MaxAge      int
}

// RateLimitConfig API 限流配置
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

// Config 根配置
type Config struct {
	Server       ServerConfig
	Mailbox      MailboxConfig
	Limits       LimitsConfig
	Verification VerificationConfig
	Sweeper      SweeperConfig
	Store        StoreConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Telegram     TelegramConfig
	Webhook      WebhookConfig
	SMTP         SMTPConfig
	JWT          JWTConfig
	CORS         CORSConfig
	Log          LogConfig
	RateLimit    RateLimitConfig
}

// Load 从环境变量和 .env 文件加载配置
//
// 优先级：系统环境变量 > .env 文件 > 默认值
// 环境变量前缀: RELAYMAIL_，例如 RELAYMAIL_JWT_SECRET、RELAYMAIL_MAILBOX_BASE_DOMAINS
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("relaymail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"mailbox.temp_ttl",
		"verification.code_ttl",
		"verification.resend_cooldown",
		"sweeper.interval",
		"sweeper.lock_ttl",
		"store.timeout",
		"database.conn_max_lifetime",
		"telegram.timeout",
		"jwt.expiry",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s must be positive", key)
		}
		durations[key] = d
	}

	baseDomains := parseDomains(v.GetString("mailbox.base_domains"))
	if len(baseDomains) == 0 {
		return nil, fmt.Errorf("mailbox.base_domains must not be empty")
	}

	limits := LimitsConfig{
		FreePermanent: v.GetInt("limits.free_permanent"),
		ProPermanent:  v.GetInt("limits.pro_permanent"),
		FreeTemporary: v.GetInt("limits.free_temporary"),
		ProTemporary:  v.GetInt("limits.pro_temporary"),
	}
	if limits.FreePermanent <= 0 || limits.ProPermanent <= 0 || limits.FreeTemporary <= 0 {
		return nil, fmt.Errorf("free and permanent limits must be positive")
	}
	if limits.ProTemporary == 0 {
		return nil, fmt.Errorf("limits.pro_temporary must be positive or negative for unlimited")
	}

	jwtSecret := v.GetString("jwt.secret")
	if jwtSecret == placeholderSecret {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set RELAYMAIL_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	maxAttempts := v.GetInt("verification.max_attempts")
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("verification.max_attempts must be positive")
	}

	attempts := v.GetInt("mailbox.max_generate_attempts")
	if attempts <= 0 {
		attempts = 5
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Mailbox: MailboxConfig{
			BaseDomains:         baseDomains,
			PremiumDomains:      parseDomains(v.GetString("mailbox.premium_domains")),
			TempTTL:             durations["mailbox.temp_ttl"],
			MaxGenerateAttempts: attempts,
		},
		Limits: limits,
		Verification: VerificationConfig{
			CodeTTL:        durations["verification.code_ttl"],
			BcryptCost:     v.GetInt("verification.bcrypt_cost"),
			MaxAttempts:    maxAttempts,
			ResendCooldown: durations["verification.resend_cooldown"],
		},
		Sweeper: SweeperConfig{
			Interval: durations["sweeper.interval"],
			LockTTL:  durations["sweeper.lock_ttl"],
		},
		Store: StoreConfig{
			Timeout: durations["store.timeout"],
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Telegram: TelegramConfig{
			BotToken:   v.GetString("telegram.bot_token"),
			APIURL:     strings.TrimRight(v.GetString("telegram.api_url"), "/"),
			Timeout:    durations["telegram.timeout"],
			MaxRetries: uint64(v.GetInt("telegram.max_retries")),
		},
		Webhook: WebhookConfig{
			Secret:       v.GetString("webhook.secret"),
			MaxBodyBytes: v.GetInt64("webhook.max_body_bytes"),
		},
		SMTP: SMTPConfig{
			Enabled:         v.GetBool("smtp.enabled"),
			BindAddr:        v.GetString("smtp.bind_addr"),
			Domain:          v.GetString("smtp.domain"),
			MaxMessageBytes: v.GetInt64("smtp.max_message_bytes"),
			MaxRecipients:   v.GetInt("smtp.max_recipients"),
		},
		JWT: JWTConfig{
			Secret: jwtSecret,
			Issuer: v.GetString("jwt.issuer"),
			Expiry: durations["jwt.expiry"],
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSize:     v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAge:      v.GetInt("log.max_age"),
		},
		RateLimit: RateLimitConfig{
			Enabled:           v.GetBool("ratelimit.enabled"),
			RequestsPerMinute: v.GetInt("ratelimit.requests_per_minute"),
			Burst:             v.GetInt("ratelimit.burst"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("mailbox.base_domains", "relay.mail")
	v.SetDefault("mailbox.premium_domains", "")
	v.SetDefault("mailbox.temp_ttl", "24h")
	v.SetDefault("mailbox.max_generate_attempts", 5)

	v.SetDefault("limits.free_permanent", 2)
	v.SetDefault("limits.pro_permanent", 20)
	v.SetDefault("limits.free_temporary", 5)
	v.SetDefault("limits.pro_temporary", -1)

	v.SetDefault("verification.code_ttl", "10m")
	v.SetDefault("verification.bcrypt_cost", 12)
	v.SetDefault("verification.max_attempts", 5)
	v.SetDefault("verification.resend_cooldown", "1m")

	v.SetDefault("sweeper.interval", "1h")
	v.SetDefault("sweeper.lock_ttl", "5m")

	v.SetDefault("store.timeout", "5s")

	v.SetDefault("database.type", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", "10s")
	v.SetDefault("telegram.max_retries", 3)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.max_body_bytes", 1<<20)

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "relay.mail")
	v.SetDefault("smtp.max_message_bytes", 10<<20)
	v.SetDefault("smtp.max_recipients", 50)

	v.SetDefault("jwt.secret", placeholderSecret)
	v.SetDefault("jwt.issuer", "relaymail")
	v.SetDefault("jwt.expiry", "24h")

	v.SetDefault("cors.allowed_origins", "*")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_minute", 60)
	v.SetDefault("ratelimit.burst", 10)
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片，去除空白项
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载当前目录或父目录的 .env，不覆盖已存在的环境变量
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
