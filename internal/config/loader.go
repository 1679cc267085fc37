package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

// LoadOptions controls how configs are loaded
type LoadOptions struct {
	// StrictVersion fails if config version doesn't match current
	StrictVersion bool

	// SkipEnv disables env.NAME and file() expressions; attributes must be
	// literals.
	SkipEnv bool
}

// DefaultLoadOptions returns sensible defaults for loading configs
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{}
}

// LoadResult contains the loaded config and metadata about the load
type LoadResult struct {
	Config   *Config
	Version  SchemaVersion
	Warnings []string
}

// LoadFile loads a config file (HCL or JSON) with version handling
func LoadFile(path string) (*Config, error) {
	result, err := LoadFileWithOptions(path, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadFileWithOptions loads a config file with explicit options
func LoadFileWithOptions(path string, opts LoadOptions) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".hcl":
		return LoadHCLWithOptions(data, path, opts)
	case ".json":
		return LoadJSONWithOptions(data, opts)
	default:
		// Try HCL first, fall back to JSON
		result, err := LoadHCLWithOptions(data, path, opts)
		if err != nil {
			if jres, jerr := LoadJSONWithOptions(data, opts); jerr == nil {
				return jres, nil
			}
			return nil, err
		}
		return result, nil
	}
}

var versionProbeSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{{Name: "schema_version"}},
}

// LoadHCL loads config from HCL bytes
func LoadHCL(data []byte, filename string) (*Config, error) {
	result, err := LoadHCLWithOptions(data, filename, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadHCLWithOptions loads HCL with explicit options
func LoadHCLWithOptions(data []byte, filename string, opts LoadOptions) (*LoadResult, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	// Check the version before decoding so a newer schema fails with a
	// version error rather than an unknown-attribute error.
	var schemaVersion string
	if content, _, _ := file.Body.PartialContent(versionProbeSchema); content != nil {
		if attr, ok := content.Attributes["schema_version"]; ok {
			_ = gohcl.DecodeExpression(attr.Expr, nil, &schemaVersion)
		}
	}
	version, err := checkVersion(schemaVersion, opts)
	if err != nil {
		return nil, err
	}

	ctx := evalContext()
	if opts.SkipEnv {
		ctx = nil
	}
	var cfg Config
	diags = gohcl.DecodeBody(file.Body, ctx, &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	cfg.ApplyDefaults()

	return &LoadResult{Config: &cfg, Version: version, Warnings: cfg.warnings()}, nil
}

// LoadJSON loads config from JSON bytes
func LoadJSON(data []byte) (*Config, error) {
	result, err := LoadJSONWithOptions(data, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadJSONWithOptions loads JSON with explicit options
func LoadJSONWithOptions(data []byte, opts LoadOptions) (*LoadResult, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}

	version, err := checkVersion(cfg.SchemaVersion, opts)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return &LoadResult{Config: &cfg, Version: version, Warnings: cfg.warnings()}, nil
}

func checkVersion(s string, opts LoadOptions) (SchemaVersion, error) {
	version, err := ParseVersion(s)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid schema version: %w", err)
	}
	if !IsSupportedVersion(version) {
		return SchemaVersion{}, fmt.Errorf("unsupported config schema version %s (current: %s)",
			version, CurrentSchemaVersion)
	}
	current, _ := ParseVersion(CurrentSchemaVersion)
	if opts.StrictVersion && version.Compare(current) != 0 {
		return SchemaVersion{}, fmt.Errorf("config version %s does not match current version %s",
			version, current)
	}
	return version, nil
}

// warnings lists settings that load but are probably mistakes.
func (c *Config) warnings() []string {
	var out []string
	if c.NFQueue == nil {
		out = append(out, "no nfqueue block: the pipeline receives no packets")
	}
	for _, v := range c.VPN {
		if len(v.Peers) == 0 && !v.FromDevice {
			out = append(out, fmt.Sprintf("vpn %q has no peers", v.Name))
		}
	}
	return out
}

// SaveFile saves config to a file (format determined by extension)
func SaveFile(cfg *Config, path string) error {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		data, err = GenerateHCL(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// Key material may be inline.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateHCL generates HCL bytes from Config
func GenerateHCL(cfg *Config) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return hclwrite.Format(f.Bytes()), nil
}
