package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultConfigPath = "~/.config/smartdip/config.json"
	defaultWorkers    = 2
	defaultMaxUpload  = 16 * 1024 * 1024
)

// EnvConfigPath names the environment variable that overrides the config file location.
const EnvConfigPath = "SMARTDIP_CONFIG"

// Config holds user-editable settings for the workbench.
type Config struct {
	Server     Server     `json:"server"`
	Uploads    Uploads    `json:"uploads"`
	Transfer   Transfer   `json:"transfer"`
	Processing Processing `json:"processing"`
	Storage    Storage    `json:"storage"`
	Logging    Logging    `json:"logging"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr            string   `json:"addr"`
	GRPCAddr        string   `json:"grpc_addr"` // empty disables the gRPC service
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// Uploads configures where uploaded images live and what is accepted.
type Uploads struct {
	Dir        string   `json:"dir"`
	MaxBytes   int64    `json:"max_bytes"`
	Extensions []string `json:"extensions"`
	Watch      bool     `json:"watch"` // keep the upload catalogue in sync with the directory
}

// Transfer controls how result images are encoded for transport.
type Transfer struct {
	OutputFormat   string `json:"output_format"` // png, jpeg, webp
	JPEGQuality    int    `json:"jpeg_quality"`
	WebPLossless   bool   `json:"webp_lossless"`
	PreviewMaxDim  int    `json:"preview_max_dim"` // 0 keeps full-size images in responses
	MagickFallback bool   `json:"magick_fallback"` // try ImageMagick for formats OpenCV cannot read
}

// Processing captures execution preferences for queued pipeline runs.
type Processing struct {
	Workers   int    `json:"workers"`
	QueueSize int    `json:"queue_size"`
	OutputDir string `json:"output_dir"`
}

// Storage selects the run/upload database.
type Storage struct {
	Driver string `json:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `json:"path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile decodes the file at path over the defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", expanded, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Transfer.OutputFormat) {
	case "png", "jpeg", "jpg", "webp":
	default:
		return fmt.Errorf("transfer.output_format %q is not one of png, jpeg, webp", c.Transfer.OutputFormat)
	}
	if c.Transfer.JPEGQuality < 1 || c.Transfer.JPEGQuality > 100 {
		return fmt.Errorf("transfer.jpeg_quality must be in 1..100, got %d", c.Transfer.JPEGQuality)
	}
	if c.Transfer.PreviewMaxDim < 0 {
		return errors.New("transfer.preview_max_dim must not be negative")
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver %q is not one of sqlite, sqlite3", c.Storage.Driver)
	}
	if c.Uploads.Dir == "" {
		return errors.New("uploads.dir must be set")
	}
	if c.Uploads.MaxBytes <= 0 {
		return errors.New("uploads.max_bytes must be positive")
	}
	if c.Processing.Workers < 1 {
		c.Processing.Workers = 1
	}
	if c.Processing.QueueSize < c.Processing.Workers {
		c.Processing.QueueSize = c.Processing.Workers * 2
	}
	return nil
}

// AllowedExtension reports whether a file extension (with or without the dot) is accepted for upload.
func (u Uploads) AllowedExtension(ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for _, allowed := range u.Extensions {
		if strings.TrimPrefix(strings.ToLower(allowed), ".") == ext {
			return true
		}
	}
	return false
}

func defaultConfig() *Config {
	return &Config{
		Server: Server{
			Addr:            ":5000",
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Uploads: Uploads{
			Dir:        filepath.Join("static", "uploads"),
			MaxBytes:   defaultMaxUpload,
			Extensions: []string{"png", "jpg", "jpeg", "bmp", "tif", "tiff", "webp", "gif"},
			Watch:      true,
		},
		Transfer: Transfer{
			OutputFormat:   "png",
			JPEGQuality:    90,
			WebPLossless:   true,
			MagickFallback: true,
		},
		Processing: Processing{
			Workers:   defaultWorkers,
			QueueSize: defaultWorkers * 4,
			OutputDir: filepath.Join("static", "results"),
		},
		Storage: Storage{
			Driver: "sqlite",
			Path:   filepath.Join(os.TempDir(), "smartdip.db"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
