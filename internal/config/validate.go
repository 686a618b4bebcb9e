package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// ValidateFile loads a YAML config file and validates it, returning structured results.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{
		Valid: true,
		File:  path,
	}

	info, err := os.Stat(path)
	if err != nil {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			Field:    "file",
			Message:  fmt.Sprintf("cannot access file: %v", err),
		})
		return result
	}
	if info.IsDir() {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			Field:    "file",
			Message:  "path is a directory, expected a file",
		})
		return result
	}

	yamlCfg, err := LoadYAML(path)
	if err != nil {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityError,
			Field:    "yaml",
			Message:  fmt.Sprintf("YAML parse error: %v", err),
		})
		return result
	}

	// Start from defaults so fields not in YAML get valid default values.
	cfg := DefaultConfig()
	mergeYAMLIntoConfig(cfg, yamlCfg.ToConfig())
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		result.Valid = false
		msg := err.Error()
		prefix := "configuration validation failed:\n  - "
		if strings.HasPrefix(msg, prefix) {
			for _, item := range strings.Split(strings.TrimPrefix(msg, prefix), "\n  - ") {
				field, message := parseValidationError(item)
				result.Issues = append(result.Issues, ValidationIssue{
					Severity: SeverityError,
					Field:    field,
					Message:  message,
				})
			}
		} else {
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityError,
				Field:    "config",
				Message:  msg,
			})
		}
	}

	addWarnings(cfg, result)
	return result
}

// parseValidationError extracts field and message from a validation error string.
// e.g. "dirty-ratio must be between ..." → field="dirty-ratio", message=...
func parseValidationError(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{" must ", " is ", " should "} {
		if idx := strings.Index(s, sep); idx > 0 {
			field := s[:idx]
			if !strings.Contains(field, " ") {
				return field, s
			}
		}
	}
	return "config", s
}

// addWarnings checks for non-fatal issues that are worth flagging.
func addWarnings(cfg *Config, result *ValidationResult) {
	if cfg.Storage == "memory" || cfg.Storage == "mem" {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    "storage.kind",
			Message:  "memory storage keeps records only as long as checkpoints are written",
		})
	}
	if cfg.Storage == "memory" && cfg.StoragePath != "" {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    "storage.path",
			Message:  fmt.Sprintf("path %q is ignored by memory storage", cfg.StoragePath),
		})
	}
	if cfg.Dimension > 0 && cfg.ScratchSize > cfg.Dimension {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    "queue.scratch_size",
			Message:  fmt.Sprintf("scratch size %s exceeds dimension %s", FormatByteSize(cfg.ScratchSize), FormatByteSize(cfg.Dimension)),
		})
	}
	checkDirWarning(cfg.CheckpointDir, "storage.checkpoint_dir", result)
	if cfg.StoragePath != "" {
		checkDirWarning(filepath.Dir(cfg.StoragePath), "storage.path", result)
	}
}

func checkDirWarning(dir, field string, result *ValidationResult) {
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	if err != nil {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf("directory not found, it will be created: %s", dir),
		})
		return
	}
	if !info.IsDir() {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf("not a directory: %s", dir),
		})
	}
}
