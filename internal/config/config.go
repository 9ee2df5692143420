package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Broker        struct {
		URL                  string `json:"url"`
		ClientID             string `json:"client_id"`
		Username             string `json:"username"`
		Password             string `json:"password"`
		QoS                  int    `json:"qos"`
		MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
	} `json:"broker"`
	Camera struct {
		BaseURL        string `json:"base_url"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"camera"`
	HTTP struct {
		Addr string `json:"addr"`
	} `json:"http"`
	Reconcile struct {
		Schedule string `json:"schedule"`
	} `json:"reconcile"`
}

// Load reads the JSON config at path, creating it with defaults on first run,
// then applies environment overrides (optionally sourced from a .env file).
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".sensorhub"),
		LogLevel:      "info",
		MaxConcurrent: 4,
	}
	cfg.Broker.URL = "tcp://localhost:1883"
	cfg.Broker.ClientID = "sensorhub"
	cfg.Broker.QoS = 1
	cfg.Broker.MaxReconnectAttempts = 10
	cfg.Camera.TimeoutSeconds = 5
	cfg.HTTP.Addr = ":8480"
	cfg.Reconcile.Schedule = "@every 5m"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if v := os.Getenv("SENSORHUB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SENSORHUB_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Broker.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v := os.Getenv("CAMERA_BASE_URL"); v != "" {
		cfg.Camera.BaseURL = v
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
