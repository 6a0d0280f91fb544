package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and normalizes the manifest at path. code_file
// entries are read relative to the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	m, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	if err := m.resolveCodeFiles(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFromReader is Load for stdin and other streams. code_file entries
// resolve against the working directory.
func LoadFromReader(r io.Reader, name string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := LoadFromBytes(data, name)
	if err != nil {
		return nil, err
	}
	if err := m.resolveCodeFiles("."); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFromBytes validates data against the schema, decodes it and applies
// defaults. path only selects the format; code_file entries are left
// unresolved.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	// Validate the raw document so unknown keys are caught before struct
	// decoding drops them.
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	m.ApplyDefaults()
	return &m, nil
}

func (m *Manifest) resolveCodeFiles(dir string) error {
	for i := range m.Jobs {
		j := &m.Jobs[i]
		if j.CodeFile == "" {
			continue
		}
		p := j.CodeFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("jobs[%d]: read code_file: %w", i, err)
		}
		j.Code = string(b)
		j.CodeFile = ""
	}
	return nil
}

// toJSON normalizes YAML or JSON input to JSON. Unknown extensions are
// parsed as YAML, which accepts JSON too.
func toJSON(data []byte, path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return out, nil
}
