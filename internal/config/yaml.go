package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Queue   QueueYAMLConfig   `yaml:"queue"`
	Storage StorageYAMLConfig `yaml:"storage"`
	Relay   RelayYAMLConfig   `yaml:"relay"`
	Log     LogYAMLConfig     `yaml:"log"`
	Stats   StatsYAMLConfig   `yaml:"stats"`
	Memory  MemoryYAMLConfig  `yaml:"memory"`
}

// QueueYAMLConfig holds queue configuration.
type QueueYAMLConfig struct {
	Name            string   `yaml:"name"`
	Dimension       ByteSize `yaml:"dimension"`
	DirtyRatio      float64  `yaml:"dirty_ratio"`
	ScratchSize     ByteSize `yaml:"scratch_size"`
	VerifyChecksums *bool    `yaml:"verify_checksums"`
}

// StorageYAMLConfig holds storage medium configuration.
type StorageYAMLConfig struct {
	Kind          string `yaml:"kind"`           // file, memory, mmap
	Path          string `yaml:"path"`           // Medium file path (default: <checkpoint_dir>/<name>.bin)
	CheckpointDir string `yaml:"checkpoint_dir"` // Directory holding <name>.dump
}

// RelayYAMLConfig holds relay configuration.
type RelayYAMLConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	MaxRecordSize ByteSize `yaml:"max_record_size"`
}

// LogYAMLConfig holds logging configuration.
type LogYAMLConfig struct {
	Level string `yaml:"level"`
}

// StatsYAMLConfig holds the metrics endpoint configuration.
type StatsYAMLConfig struct {
	Address string `yaml:"address"`
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT (0.0-1.0)
	LimitRatio float64 `yaml:"limit_ratio"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi, Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	// Try integer first
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return b.Set(s)
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

// String implements flag.Value.
func (b ByteSize) String() string {
	return FormatByteSize(int64(b))
}

// Set implements flag.Value.
func (b *ByteSize) Set(s string) error {
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// ParseByteSize parses a human-readable byte size string.
// Accepted suffixes: Ki (1024), Mi (1048576), Gi (1073741824), Ti (1099511627776).
// Plain integers are treated as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	type suffix struct {
		name string
		mult int64
	}
	suffixes := []suffix{
		{"Ti", 1099511627776},
		{"Gi", 1073741824},
		{"Mi", 1048576},
		{"Ki", 1024},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			// Support float values like "1.5Gi"
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	// Plain integer; reject strings with non-numeric trailing characters (e.g. "256MB")
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes as a human-readable string with binary suffix.
func FormatByteSize(b int64) string {
	if b >= 1099511627776 && b%1099511627776 == 0 {
		return fmt.Sprintf("%dTi", b/1099511627776)
	}
	if b >= 1073741824 && b%1073741824 == 0 {
		return fmt.Sprintf("%dGi", b/1073741824)
	}
	if b >= 1048576 && b%1048576 == 0 {
		return fmt.Sprintf("%dMi", b/1048576)
	}
	if b >= 1024 && b%1024 == 0 {
		return fmt.Sprintf("%dKi", b/1024)
	}
	return fmt.Sprintf("%d", b)
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults sets default values for unspecified fields.
func (y *YAMLConfig) ApplyDefaults() {
	d := DefaultConfig()

	if y.Queue.Name == "" {
		y.Queue.Name = d.QueueName
	}
	if y.Queue.Dimension == 0 {
		y.Queue.Dimension = ByteSize(d.Dimension)
	}
	if y.Queue.DirtyRatio == 0 {
		y.Queue.DirtyRatio = d.DirtyRatio
	}
	if y.Queue.ScratchSize == 0 {
		y.Queue.ScratchSize = ByteSize(d.ScratchSize)
	}
	if y.Queue.VerifyChecksums == nil {
		v := d.VerifyChecksums
		y.Queue.VerifyChecksums = &v
	}

	if y.Storage.Kind == "" {
		y.Storage.Kind = d.Storage
	}
	if y.Storage.CheckpointDir == "" {
		y.Storage.CheckpointDir = d.CheckpointDir
	}

	if y.Relay.PollInterval == 0 {
		y.Relay.PollInterval = Duration(d.PollInterval)
	}
	if y.Relay.MaxRecordSize == 0 {
		y.Relay.MaxRecordSize = ByteSize(d.MaxRecordSize)
	}

	if y.Log.Level == "" {
		y.Log.Level = d.LogLevel
	}
	if y.Memory.LimitRatio == 0 {
		y.Memory.LimitRatio = d.MemoryLimitRatio
	}
}

// ToConfig converts YAMLConfig to the flat Config struct.
func (y *YAMLConfig) ToConfig() *Config {
	cfg := &Config{
		QueueName:        y.Queue.Name,
		Dimension:        int64(y.Queue.Dimension),
		DirtyRatio:       y.Queue.DirtyRatio,
		ScratchSize:      int64(y.Queue.ScratchSize),
		Storage:          y.Storage.Kind,
		StoragePath:      y.Storage.Path,
		CheckpointDir:    y.Storage.CheckpointDir,
		PollInterval:     time.Duration(y.Relay.PollInterval),
		MaxRecordSize:    int64(y.Relay.MaxRecordSize),
		LogLevel:         y.Log.Level,
		StatsAddr:        y.Stats.Address,
		MemoryLimitRatio: y.Memory.LimitRatio,
	}
	if y.Queue.VerifyChecksums != nil {
		cfg.VerifyChecksums = *y.Queue.VerifyChecksums
	}
	return cfg
}

// mergeYAMLIntoConfig overlays non-zero YAML-derived values onto a defaults-based config.
// This ensures fields not present in the YAML keep their defaults rather than zero values.
func mergeYAMLIntoConfig(dst, src *Config) {
	if src.QueueName != "" {
		dst.QueueName = src.QueueName
	}
	if src.Dimension != 0 {
		dst.Dimension = src.Dimension
	}
	if src.DirtyRatio != 0 {
		dst.DirtyRatio = src.DirtyRatio
	}
	if src.ScratchSize != 0 {
		dst.ScratchSize = src.ScratchSize
	}
	dst.VerifyChecksums = src.VerifyChecksums

	if src.Storage != "" {
		dst.Storage = src.Storage
	}
	if src.StoragePath != "" {
		dst.StoragePath = src.StoragePath
	}
	if src.CheckpointDir != "" {
		dst.CheckpointDir = src.CheckpointDir
	}

	if src.PollInterval != 0 {
		dst.PollInterval = src.PollInterval
	}
	if src.MaxRecordSize != 0 {
		dst.MaxRecordSize = src.MaxRecordSize
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.StatsAddr != "" {
		dst.StatsAddr = src.StatsAddr
	}
	if src.MemoryLimitRatio != 0 {
		dst.MemoryLimitRatio = src.MemoryLimitRatio
	}
}
