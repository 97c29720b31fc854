package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the murmur configuration file (~/.config/murmur/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelsDir string `yaml:"models_dir"`
	Model     string `yaml:"model"`
	Backend   string `yaml:"backend"`
	Threads   *int64 `yaml:"threads"`

	// Decoding defaults
	Language *string `yaml:"language"`
	Workers  *int64  `yaml:"workers"`
	BeamSize *int64  `yaml:"beam_size"`

	// Output
	OutputFormats []string `yaml:"output_formats"`
	LogLevel      string   `yaml:"log_level"`
	LogFormat     string   `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	KeepAlive     string `yaml:"keep_alive"`
}

func configPath() string {
	if p := os.Getenv("MURMUR_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "murmur", "config.yaml")
}

// applyModelConfig applies config file defaults to the shared model flags
// when the corresponding flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.ModelsDir != "" && !c.IsSet("models-path") {
		modelsPath = cfg.ModelsDir
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
}

// applyTranscribeConfig applies decoding defaults from the config file.
func applyTranscribeConfig(c *cli.Command, cfg Config, opts *transcribeOptions) {
	applyModelConfig(c, cfg)
	if cfg.Language != nil && !c.IsSet("language") {
		opts.language = *cfg.Language
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		opts.workers = *cfg.Workers
	}
	if cfg.BeamSize != nil && !c.IsSet("beam-size") {
		opts.beamSize = *cfg.BeamSize
	}
	if len(cfg.OutputFormats) > 0 && !anySet(c, "output-txt", "output-srt", "output-vtt", "output-csv", "output-json") {
		opts.formats = cfg.OutputFormats
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, keepAlive *string) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.KeepAlive != "" && !c.IsSet("keep-alive") {
		*keepAlive = cfg.KeepAlive
	}
}

func anySet(c *cli.Command, names ...string) bool {
	for _, n := range names {
		if c.IsSet(n) {
			return true
		}
	}
	return false
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
