package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIURL        string
	WSURL         string
	LocationWSURL string
	TokenFile     string
	TechnicianID  string

	MetricsPort   string
	DashboardPort string
	RedisAddr     string
	GRPCServer    string
	GPSListenAddr string

	// FixedLat/FixedLon: posición fija cuando no hay receptor GPS.
	FixedLat float64
	FixedLon float64

	PollInterval     time.Duration
	PingInterval     time.Duration
	ReconnectDelay   time.Duration
	MaxRetries       int
	LocationInterval time.Duration
	LocationDistance float64

	LogFile  string
	LogLevel string
	RawLog   string
}

var defaults = map[string]any{
	"api_url":           "http://localhost:8000",
	"ws_url":            "ws://localhost:8000/ws/dispatch-updates/",
	"location_ws_url":   "ws://localhost:8000/ws/technician/",
	"token_file":        "",
	"technician_id":     "",
	"metrics_port":      "9000",
	"dashboard_port":    "8080",
	"redis_addr":        "",
	"grpc_server":       "",
	"gps_listen_addr":   "",
	"fixed_lat":         0.0,
	"fixed_lon":         0.0,
	"poll_interval":     "30s",
	"ping_interval":     "30s",
	"reconnect_delay":   "5s",
	"max_retries":       5,
	"location_interval": "10s",
	"location_distance": 5.0,
	"log.file":          "",
	"log.level":         "info",
	"log.raw":           "logs/gps-raw.log",
}

// Load reads defaults, then the YAML file at path (or ./tracker.yaml when
// path is empty), then environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tracker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := Config{
		APIURL:           getEnv("DISPATCH_API_URL", v.GetString("api_url")),
		WSURL:            getEnv("DISPATCH_WS_URL", v.GetString("ws_url")),
		LocationWSURL:    getEnv("LOCATION_WS_URL", v.GetString("location_ws_url")),
		TokenFile:        getEnv("TOKEN_FILE", v.GetString("token_file")),
		TechnicianID:     getEnv("TECHNICIAN_ID", v.GetString("technician_id")),
		MetricsPort:      getEnv("METRICS_PORT", v.GetString("metrics_port")),
		DashboardPort:    getEnv("DASHBOARD_PORT", v.GetString("dashboard_port")),
		RedisAddr:        getEnv("REDIS_ADDR", v.GetString("redis_addr")),
		GRPCServer:       getEnv("GRPC_SERVER", v.GetString("grpc_server")),
		GPSListenAddr:    getEnv("GPS_LISTEN_ADDR", v.GetString("gps_listen_addr")),
		FixedLat:         v.GetFloat64("fixed_lat"),
		FixedLon:         v.GetFloat64("fixed_lon"),
		PollInterval:     v.GetDuration("poll_interval"),
		PingInterval:     v.GetDuration("ping_interval"),
		ReconnectDelay:   v.GetDuration("reconnect_delay"),
		MaxRetries:       v.GetInt("max_retries"),
		LocationInterval: v.GetDuration("location_interval"),
		LocationDistance: v.GetFloat64("location_distance"),
		LogFile:          getEnv("LOG_FILE", v.GetString("log.file")),
		LogLevel:         getEnv("LOG_LEVEL", v.GetString("log.level")),
		RawLog:           v.GetString("log.raw"),
	}
	if n, err := strconv.Atoi(os.Getenv("MAX_RETRIES")); err == nil {
		cfg.MaxRetries = n
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.APIURL == "":
		return errors.New("config: api_url is required")
	case c.PollInterval <= 0:
		return fmt.Errorf("config: poll_interval must be positive, got %s", c.PollInterval)
	case c.ReconnectDelay <= 0:
		return fmt.Errorf("config: reconnect_delay must be positive, got %s", c.ReconnectDelay)
	case c.MaxRetries < 1:
		return fmt.Errorf("config: max_retries must be at least 1, got %d", c.MaxRetries)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
