package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type EngineConfig struct {
	Python       string
	PythonWorker string
	ALPRCommand  string
	ALPRConfig   string
	PlateCountry string
}

type RecognitionConfig struct {
	FaceThreshold      float64
	PlateMinConfidence float64
	PlateRotations     []float64
}

type Config struct {
	Environment string
	DatabaseURL string
	EventsPath  string
	MaxCameras  int
	StatusAddr  string
	Engines     EngineConfig
	Recognition RecognitionConfig
}

// NewViper returns a viper instance reading VIGIL_* variables and an optional vigil.yaml.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("vigil")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")
	v.SetDefault("events_path", "./events")
	v.SetDefault("face_threshold", 0.50)
	v.SetDefault("plate_min_confidence", 0.5)
	v.SetDefault("plate_rotations", []float64{5, -5, 10, -10, 20, -20})
	v.SetDefault("plate_country", "eu")
	v.SetDefault("alpr_command", "alpr")
	v.SetDefault("python", "python3")
	v.SetDefault("python_worker", "python/worker.py")
	v.SetDefault("max_cameras", 4)
	return v
}

// Load reads the configuration from v. A missing config file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Environment: v.GetString("env"),
		DatabaseURL: v.GetString("db"),
		EventsPath:  v.GetString("events_path"),
		MaxCameras:  v.GetInt("max_cameras"),
		StatusAddr:  v.GetString("status_addr"),
		Engines: EngineConfig{
			Python:       v.GetString("python"),
			PythonWorker: v.GetString("python_worker"),
			ALPRCommand:  v.GetString("alpr_command"),
			ALPRConfig:   v.GetString("alpr_config"),
			PlateCountry: v.GetString("plate_country"),
		},
		Recognition: RecognitionConfig{
			FaceThreshold:      v.GetFloat64("face_threshold"),
			PlateMinConfidence: v.GetFloat64("plate_min_confidence"),
		},
	}

	rotations, err := floats(v.Get("plate_rotations"))
	if err != nil {
		return nil, err
	}
	cfg.Recognition.PlateRotations = rotations

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = databaseURLFromEnv()
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// databaseURLFromEnv builds a connection string from the POSTGRES_* variables,
// falling back to a local default.
func databaseURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/vigil"
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("db is required")
	}
	if t := cfg.Recognition.FaceThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("face_threshold must be in (0, 1], got %v", t)
	}
	if c := cfg.Recognition.PlateMinConfidence; c < 0 || c >= 1 {
		return fmt.Errorf("plate_min_confidence must be in [0, 1), got %v", c)
	}
	if cfg.MaxCameras <= 0 {
		return fmt.Errorf("max_cameras must be positive, got %d", cfg.MaxCameras)
	}
	if cfg.EventsPath == "" {
		return fmt.Errorf("events_path is required")
	}
	return nil
}

// floats accepts a YAML list or a comma/space separated string such as "5,-5,10".
func floats(raw any) ([]float64, error) {
	switch x := raw.(type) {
	case nil:
		return nil, nil
	case []float64:
		return x, nil
	case string:
		fields := strings.FieldsFunc(x, func(r rune) bool { return r == ',' || r == ' ' })
		out := make([]float64, 0, len(fields))
		for _, f := range fields {
			n, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("plate_rotations: %q is not a number", f)
			}
			out = append(out, n)
		}
		return out, nil
	case []any:
		out := make([]float64, 0, len(x))
		for _, e := range x {
			switch n := e.(type) {
			case int:
				out = append(out, float64(n))
			case float64:
				out = append(out, n)
			default:
				return nil, fmt.Errorf("plate_rotations: %v is not a number", e)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("plate_rotations: unsupported value %T", raw)
}
