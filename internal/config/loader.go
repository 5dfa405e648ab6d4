package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "DIFFUSIOND_"

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr" env:"ADDR"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir" env:"MODELS_DIR"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model" env:"DEFAULT_MODEL"`
	// LoadPolicy is latest (default) or reject.
	LoadPolicy    string `json:"load_policy" yaml:"load_policy" toml:"load_policy" env:"LOAD_POLICY"`
	ComputeUnits  string `json:"compute_units" yaml:"compute_units" toml:"compute_units" env:"COMPUTE_UNITS"`
	DisableSafety bool   `json:"disable_safety" yaml:"disable_safety" toml:"disable_safety" env:"DISABLE_SAFETY"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format" env:"LOG_FORMAT"`
	LogFile   string `json:"log_file" yaml:"log_file" toml:"log_file" env:"LOG_FILE"`

	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled" env:"CORS_ENABLED"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" env:"CORS_ORIGINS"`
	CORSMethods  []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods" env:"CORS_METHODS"`
	CORSHeaders  []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers" env:"CORS_HEADERS"`

	PrefsPath       string `json:"prefs_path" yaml:"prefs_path" toml:"prefs_path" env:"PREFS_PATH"`
	ExportDir       string `json:"export_dir" yaml:"export_dir" toml:"export_dir" env:"EXPORT_DIR"`
	GalleryCapacity int    `json:"gallery_capacity" yaml:"gallery_capacity" toml:"gallery_capacity" env:"GALLERY_CAPACITY"`

	ImageWidth  int `json:"image_width" yaml:"image_width" toml:"image_width" env:"IMAGE_WIDTH"`
	ImageHeight int `json:"image_height" yaml:"image_height" toml:"image_height" env:"IMAGE_HEIGHT"`
	StepDelayMS int `json:"step_delay_ms" yaml:"step_delay_ms" toml:"step_delay_ms" env:"STEP_DELAY_MS"`

	MaxSteps      int     `json:"max_steps" yaml:"max_steps" toml:"max_steps" env:"MAX_STEPS"`
	MaxImageCount int     `json:"max_image_count" yaml:"max_image_count" toml:"max_image_count" env:"MAX_IMAGE_COUNT"`
	MaxGuidance   float64 `json:"max_guidance" yaml:"max_guidance" toml:"max_guidance" env:"MAX_GUIDANCE"`

	ShutdownTimeoutSec int `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec" toml:"shutdown_timeout_sec" env:"SHUTDOWN_TIMEOUT_SEC"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Addr:               ":8080",
		ModelsDir:          "~/Diffusion/models",
		LoadPolicy:         "latest",
		ComputeUnits:       "cpu_and_gpu",
		LogLevel:           "info",
		MaxBodyBytes:       1 << 20,
		CORSMethods:        []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSHeaders:        []string{"Content-Type", "X-Log-Level"},
		PrefsPath:          "~/Diffusion/prefs.yaml",
		ExportDir:          "~/Diffusion/exports",
		GalleryCapacity:    64,
		ImageWidth:         512,
		ImageHeight:        512,
		MaxSteps:           300,
		MaxImageCount:      8,
		MaxGuidance:        15,
		ShutdownTimeoutSec: 10,
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FromEnv reads DIFFUSIOND_* variables through lookup (os.LookupEnv when nil).
// Lists are comma separated.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var cfg Config
	v := reflect.ValueOf(&cfg).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key := EnvPrefix + t.Field(i).Tag.Get("env")
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := setField(v.Field(i), strings.TrimSpace(raw)); err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
	}
	return cfg, nil
}

// Merge overlays every non-zero field of over onto base.
func Merge(base, over Config) Config {
	b := reflect.ValueOf(&base).Elem()
	o := reflect.ValueOf(over)
	for i := 0; i < o.NumField(); i++ {
		if !o.Field(i).IsZero() {
			b.Field(i).Set(o.Field(i))
		}
	}
	return base
}

// SplitCSV splits a comma-separated list, dropping empty items.
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setField(f reflect.Value, raw string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(n)
	case reflect.Slice:
		f.Set(reflect.ValueOf(SplitCSV(raw)))
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}
