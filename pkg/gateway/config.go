package gateway

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/voxgate/pkg/configutil"
	"github.com/harunnryd/voxgate/pkg/session"
	"github.com/harunnryd/voxgate/pkg/upstream"
	"github.com/spf13/viper"
)

// Auth modes.
const (
	AuthNone = "none"
	AuthJWT  = "jwt"
)

type Config struct {
	Server        ServerConfig         `mapstructure:"server"`
	Auth          AuthConfig           `mapstructure:"auth"`
	ASR           ASRConfig            `mapstructure:"asr"`
	Upstream      upstream.Config      `mapstructure:"upstream"`
	Audio         upstream.AudioFormat `mapstructure:"audio"`
	Session       session.Config       `mapstructure:"session"`
	LogLevel      string               `mapstructure:"log_level"`
	LogFormat     string               `mapstructure:"log_format"`
	Privacy       PrivacyConfig        `mapstructure:"privacy"`
	Observability ObservabilityConfig  `mapstructure:"observability"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	WSPath         string   `mapstructure:"ws_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxMessageBytes caps a single client message.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// ConnectRate is the sustained number of new connections per second.
	// Zero disables admission limiting.
	ConnectRate  float64       `mapstructure:"connect_rate"`
	ConnectBurst int           `mapstructure:"connect_burst"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

type AuthConfig struct {
	Mode         string   `mapstructure:"mode"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
	CookieName   string   `mapstructure:"cookie_name"`
	QueryParam   string   `mapstructure:"query_param"`
	Issuer       string   `mapstructure:"issuer"`
	AllowedRoles []string `mapstructure:"allowed_roles"`
}

// ASRConfig holds vendor credentials inline, or points at a settings file
// that is watched for changes.
type ASRConfig struct {
	AppID        string `mapstructure:"app_id"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	SettingsFile string `mapstructure:"settings_file"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	MetricsFile string  `mapstructure:"metrics_file"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws/asr")
	v.SetDefault("server.max_message_bytes", 1<<20)
	v.SetDefault("server.connect_rate", 50)
	v.SetDefault("server.connect_burst", 100)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.ping_interval", "30s")
	v.SetDefault("auth.mode", AuthJWT)
	v.SetDefault("auth.cookie_name", "access_token")
	v.SetDefault("auth.query_param", "access_token")
	v.SetDefault("auth.allowed_roles", []string{"admin", "editor"})
	v.SetDefault("upstream.handshake_timeout", "10s")
	v.SetDefault("upstream.write_timeout", "5s")
	v.SetDefault("upstream.auth_header", "Authorization")
	v.SetDefault("upstream.auth_prefix", "Bearer ")
	v.SetDefault("upstream.circuit_threshold", 3)
	v.SetDefault("upstream.circuit_cooldown", "30s")
	v.SetDefault("audio.format", "pcm")
	v.SetDefault("audio.codec", "raw")
	v.SetDefault("audio.rate", 16000)
	v.SetDefault("audio.bits", 16)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("session.idle_timeout", "60s")
	v.SetDefault("session.final_result_grace", "1500ms")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.sample_rate", 1.0)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)
	cfg.Session.Audio = cfg.Audio

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Server.Addr, "server.addr"); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Server.ConnectRate < 0 || c.Server.ConnectBurst < 0 {
		return fmt.Errorf("server.connect_rate and server.connect_burst must not be negative")
	}
	if err := configutil.RequireString(c.Upstream.URL, "upstream.url"); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Upstream.URL, "ws://") && !strings.HasPrefix(c.Upstream.URL, "wss://") {
		return fmt.Errorf("upstream.url must be a ws:// or wss:// url")
	}
	switch strings.ToLower(strings.TrimSpace(c.Auth.Mode)) {
	case AuthNone:
	case AuthJWT:
		if err := configutil.RequireString(c.Auth.JWTSecret, "auth.jwt_secret"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("auth.mode must be %q or %q", AuthNone, AuthJWT)
	}
	if c.Session.IdleTimeout < 0 || c.Session.FinalResultGrace < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be between 0 and 1")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
