package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taoyao-code/gcp-host/internal/protocol/gcp"
)

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// HTTPConfig HTTP 控制接口配置
type HTTPConfig struct {
	Addr         string          `mapstructure:"addr"`
	ReadTimeout  time.Duration   `mapstructure:"readTimeout"`
	WriteTimeout time.Duration   `mapstructure:"writeTimeout"`
	Auth         HTTPAuthConfig  `mapstructure:"auth"`
	CORS         bool            `mapstructure:"cors"`
	RateLimit    RateLimitConfig `mapstructure:"rateLimit"`
}

// RateLimitConfig 控制接口限流
type RateLimitConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	RequestsPerMin int  `mapstructure:"requestsPerMin"`
	Burst          int  `mapstructure:"burst"`
}

// HTTPAuthConfig API Key 认证
type HTTPAuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"apiKeys"`
}

// SerialConfig 串口与传输会话配置
type SerialConfig struct {
	Port        string        `mapstructure:"port"` // 为空时不自动连接
	BaudRate    int           `mapstructure:"baud"`
	FlowControl bool          `mapstructure:"flowControl"`
	AckTimeout  time.Duration `mapstructure:"ackTimeout"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
	ReadPoll    time.Duration `mapstructure:"readPoll"`
	EventBuffer int           `mapstructure:"eventBuffer"`
}

// FirmwareConfig 固件升级配置
type FirmwareConfig struct {
	ChunkSize     int   `mapstructure:"chunkSize"`
	MaxImageBytes int64 `mapstructure:"maxImageBytes"`
}

// PollerConfig 状态轮询配置
type PollerConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Interval time.Duration `mapstructure:"interval"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Config 顶层配置结构
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Firmware FirmwareConfig `mapstructure:"firmware"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，则尝试从环境变量 GCP_CONFIG 读取；否则回退到 configs/example.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	// 环境变量覆盖：前缀 GCP_，并将点号替换为下划线
	v.SetEnvPrefix("GCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("example")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 首次运行允许缺少配置文件，依赖默认值与环境变量
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查协议相关取值范围
func (c *Config) Validate() error {
	switch {
	case c.Serial.AckTimeout <= 0:
		return fmt.Errorf("config: serial.ackTimeout must be positive")
	case c.Serial.MaxAttempts < 1:
		return fmt.Errorf("config: serial.maxAttempts must be >= 1")
	case c.Firmware.ChunkSize <= 0 || c.Firmware.ChunkSize > gcp.MaxChunkSize:
		return fmt.Errorf("config: firmware.chunkSize %d out of range (1..%d)", c.Firmware.ChunkSize, gcp.MaxChunkSize)
	case c.Firmware.MaxImageBytes <= 0:
		return fmt.Errorf("config: firmware.maxImageBytes must be positive")
	case c.HTTP.Auth.Enabled && len(c.HTTP.Auth.APIKeys) == 0:
		return fmt.Errorf("config: http.auth enabled without apiKeys")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gcpd")
	v.SetDefault("app.env", "dev")

	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "0s") // SSE 长连接
	v.SetDefault("http.auth.enabled", false)
	v.SetDefault("http.auth.apiKeys", []string{})
	v.SetDefault("http.cors", false)
	v.SetDefault("http.rateLimit.enabled", false)
	v.SetDefault("http.rateLimit.requestsPerMin", 600)
	v.SetDefault("http.rateLimit.burst", 20)

	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.flowControl", true)
	v.SetDefault("serial.ackTimeout", "1s")
	v.SetDefault("serial.maxAttempts", 3)
	v.SetDefault("serial.readPoll", "20ms")
	v.SetDefault("serial.eventBuffer", 32)

	v.SetDefault("firmware.chunkSize", 2036)
	v.SetDefault("firmware.maxImageBytes", 16<<20)

	v.SetDefault("poller.enable", true)
	v.SetDefault("poller.interval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/gcpd.log")
	v.SetDefault("logging.file.maxSize", 50)
	v.SetDefault("logging.file.maxBackups", 5)
	v.SetDefault("logging.file.maxAge", 14)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}
