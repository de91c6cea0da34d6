package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // compliance.timezone must resolve in minimal images

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Log           LogConfig          `yaml:"log"`
	Auth          AuthConfig         `yaml:"auth"`
	Users         []User             `yaml:"users"`
	Minio         MinioConfig        `yaml:"minio"`
	Extractor     ExtractorConfig    `yaml:"extractor"`
	Store         StoreConfig        `yaml:"store"`
	Redis         RedisConfig        `yaml:"redis"`
	Portal        PortalConfig       `yaml:"portal"`
	Compliance    ComplianceConfig   `yaml:"compliance"`
	Notifications NotificationConfig `yaml:"notifications"`
	Kafka         KafkaConfig        `yaml:"kafka"`
}

type ServerConfig struct {
	Port            int `yaml:"port"`
	RequestsPerMin  int `yaml:"requests_per_minute"`
	ShutdownSeconds int `yaml:"shutdown_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

// ExtractorConfig points at the document extraction service
type ExtractorConfig struct {
	APIURL         string `yaml:"api_url"`
	APIToken       string `yaml:"api_token"`
	CallbackURL    string `yaml:"callback_url"`
	Seed           string `yaml:"seed"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PollSeconds    int    `yaml:"poll_seconds"`
	PollAttempts   int    `yaml:"poll_attempts"`
}

// StoreConfig selects the repository backend: memory or postgres
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	MaxConns    int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PortalConfig governs the self-service upload portal
type PortalConfig struct {
	BaseURL             string `yaml:"base_url"`
	MaxUploadMB         int    `yaml:"max_upload_mb"`
	InternalMaxUploadMB int    `yaml:"internal_max_upload_mb"`
	UploadsPerWindow    int    `yaml:"uploads_per_window"`
	WindowMinutes       int    `yaml:"window_minutes"`
	TokenTTLDays        int    `yaml:"token_ttl_days"`
}

type ComplianceConfig struct {
	LookaheadDays int    `yaml:"lookahead_days"`
	Timezone      string `yaml:"timezone"`
}

type NotificationConfig struct {
	Provider            string `yaml:"provider"` // log, sendgrid, ses
	From                string `yaml:"from"`
	FromName            string `yaml:"from_name"`
	SendGridAPIKey      string `yaml:"sendgrid_api_key"`
	SESRegion           string `yaml:"ses_region"`
	LeadDays            []int  `yaml:"lead_days"`
	EscalationThreshold int    `yaml:"escalation_threshold"`
	GapRepeatDays       int    `yaml:"gap_repeat_days"` // negative disables
	EscalationRecipient string `yaml:"escalation_recipient"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

// User is a property manager account; Org scopes everything they can see
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

var GlobalConfig *Config

// Load reads an optional .env, then the YAML file at path, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Store.DatabaseURL, "DATABASE_URL")
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	override(&c.Extractor.APIToken, "EXTRACTOR_API_TOKEN")
	override(&c.Auth.JWTSecret, "JWT_SECRET")
	override(&c.Notifications.SendGridAPIKey, "SENDGRID_API_KEY")

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RequestsPerMin == 0 {
		c.Server.RequestsPerMin = 100
	}
	if c.Server.ShutdownSeconds == 0 {
		c.Server.ShutdownSeconds = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 7
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Extractor.TimeoutSeconds == 0 {
		c.Extractor.TimeoutSeconds = 60
	}
	if c.Extractor.PollSeconds == 0 {
		c.Extractor.PollSeconds = 5
	}
	if c.Extractor.PollAttempts == 0 {
		c.Extractor.PollAttempts = 60
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
		if c.Store.DatabaseURL != "" {
			c.Store.Driver = "postgres"
		}
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 10
	}
	if c.Portal.MaxUploadMB == 0 {
		c.Portal.MaxUploadMB = 10
	}
	if c.Portal.InternalMaxUploadMB == 0 {
		c.Portal.InternalMaxUploadMB = 25
	}
	if c.Portal.UploadsPerWindow == 0 {
		c.Portal.UploadsPerWindow = 10
	}
	if c.Portal.WindowMinutes == 0 {
		c.Portal.WindowMinutes = 60
	}
	if c.Portal.TokenTTLDays == 0 {
		c.Portal.TokenTTLDays = 14
	}
	if c.Compliance.LookaheadDays == 0 {
		c.Compliance.LookaheadDays = 30
	}
	if c.Compliance.Timezone == "" {
		c.Compliance.Timezone = "UTC"
	}
	if c.Notifications.Provider == "" {
		c.Notifications.Provider = "log"
	}
	if len(c.Notifications.LeadDays) == 0 {
		c.Notifications.LeadDays = []int{30, 14, 7}
	}
	if c.Notifications.EscalationThreshold == 0 {
		c.Notifications.EscalationThreshold = 3
	}
	if c.Notifications.GapRepeatDays == 0 {
		c.Notifications.GapRepeatDays = 7
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "coi.compliance-status"
	}
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Notifications.Provider {
	case "log", "ses":
	case "sendgrid":
		if c.Notifications.SendGridAPIKey == "" {
			return errors.New("notifications.sendgrid_api_key is required for the sendgrid provider")
		}
	default:
		return fmt.Errorf("unknown notification provider %q", c.Notifications.Provider)
	}

	if _, err := c.Compliance.Location(); err != nil {
		return err
	}
	return nil
}

// Location is the calendar used to decide what "today" is
func (c ComplianceConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid compliance.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (p PortalConfig) MaxUploadBytes() int64 {
	return int64(p.MaxUploadMB) << 20
}

func (p PortalConfig) InternalMaxUploadBytes() int64 {
	return int64(p.InternalMaxUploadMB) << 20
}

func (p PortalConfig) Window() time.Duration {
	return time.Duration(p.WindowMinutes) * time.Minute
}

func (p PortalConfig) TokenTTL() time.Duration {
	return time.Duration(p.TokenTTLDays) * 24 * time.Hour
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
