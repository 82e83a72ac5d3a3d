package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	gateerrors "github.com/rcourtman/pulse-tokengate/internal/errors"
	"github.com/rcourtman/pulse-tokengate/internal/policy"
)

// PolicyFile is the on-disk shape of a policy table. Order in the file is
// registration order.
type PolicyFile struct {
	Policies []policy.Policy `json:"policies" yaml:"policies" toml:"policies" validate:"required,min=1"`
}

// LoadPolicies reads the policy table at path. The format follows the file
// extension: .yml/.yaml, .json/.jsonc (comments and trailing commas allowed)
// or .toml. An empty path returns the default gateway table.
func LoadPolicies(path string) (*policy.Table, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return policy.DefaultTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	table, err := ParsePolicies(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}

	log.Debug().
		Str("path", path).
		Int("policies", table.Len()).
		Msg("Loaded policy file")
	return table, nil
}

// ParsePolicies decodes a policy table in the format named by ext.
func ParsePolicies(data []byte, ext string) (*policy.Table, error) {
	var file PolicyFile

	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yml", "yaml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, gateerrors.WrapValidationError("parse yaml", err)
		}
	case "json", "jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
			return nil, gateerrors.WrapValidationError("parse json", err)
		}
	case "toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, gateerrors.WrapValidationError("parse toml", err)
		}
	default:
		return nil, gateerrors.WrapValidationError("parse policies",
			fmt.Errorf("unsupported policy file format %q", ext))
	}

	if err := validate.Struct(file); err != nil {
		return nil, gateerrors.WrapValidationError("validate policies", err)
	}
	table, err := policy.NewTable(file.Policies)
	if err != nil {
		return nil, gateerrors.WrapValidationError("validate policies", err)
	}
	return table, nil
}
