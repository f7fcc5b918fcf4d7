package rules

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelstack.ai/internal/stack/model"
)

//go:embed schemas/settings.schema.json
var settingsSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func settingsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("settings.schema.json", settingsSchemaJSON)
	})
	return schema, schemaErr
}

type settingsDoc struct {
	Global   overrideDoc            `json:"global"`
	Subtypes map[string]overrideDoc `json:"subtypes"`
}

type overrideDoc struct {
	Enabled      *bool           `json:"enabled,omitempty"`
	MaxStackSize *uint32         `json:"max_stack_size,omitempty"`
	Conditions   map[string]bool `json:"conditions,omitempty"`
	MatchAttrs   []string        `json:"match_attrs,omitempty"`
}

// SettingsFile is the base name (without extension) of each kind's settings file.
var SettingsFile = map[model.Kind]string{
	model.KindEntity:  "entity_settings",
	model.KindItem:    "item_settings",
	model.KindBlock:   "block_settings",
	model.KindSpawner: "spawner_settings",
}

var extensions = []string{".yaml", ".yml", ".toml"}

// LoadDir reads every settings file under dir. Missing files fall back to
// the kind defaults. The result is a complete table ready to be swapped in.
func LoadDir(dir string) (*Ruleset, error) {
	rs := newRuleset()
	for _, kind := range model.Kinds() {
		path, raw, err := readSettings(dir, SettingsFile[kind])
		if err != nil {
			return nil, err
		}
		doc := settingsDoc{}
		if raw != nil {
			name := filepath.Base(path)
			doc, err = parseSettings(name, raw)
			if err != nil {
				return nil, err
			}
			ignored, err := checkDoc(kind, name, doc)
			if err != nil {
				return nil, err
			}
			if len(ignored) > 0 {
				rs.ignored[name] = ignored
			}
			sum := sha256.Sum256(raw)
			rs.digests[name] = hex.EncodeToString(sum[:])
		}
		rs.apply(kind, doc)
	}
	return rs, nil
}

func readSettings(dir, base string) (string, []byte, error) {
	for _, ext := range extensions {
		p := filepath.Join(dir, base+ext)
		b, err := os.ReadFile(p)
		if err == nil {
			return p, b, nil
		}
		if !os.IsNotExist(err) {
			return p, nil, err
		}
	}
	return "", nil, nil
}

// parseSettings decodes one settings document. The format is picked from the
// file extension; the document is validated against the embedded schema.
func parseSettings(name string, raw []byte) (settingsDoc, error) {
	var doc settingsDoc
	var generic any
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		m := map[string]any{}
		if _, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
			return doc, fmt.Errorf("%s: %w", name, err)
		}
		generic = m
	default:
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return doc, fmt.Errorf("%s: %w", name, err)
		}
	}
	if generic == nil {
		generic = map[string]any{}
	}

	// Normalize through JSON so the validator sees plain JSON types.
	b, err := json.Marshal(generic)
	if err != nil {
		return doc, fmt.Errorf("%s: %w", name, err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return doc, fmt.Errorf("%s: %w", name, err)
	}
	s, err := settingsSchema()
	if err != nil {
		return doc, fmt.Errorf("settings schema: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return doc, fmt.Errorf("%s: %w", name, err)
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("%s: %w", name, err)
	}
	return doc, nil
}

// checkDoc rejects condition toggles that do not apply and returns the
// subtypes it ignored because they have no registration.
func checkDoc(kind model.Kind, name string, doc settingsDoc) ([]string, error) {
	subtypes := make([]string, 0, len(doc.Subtypes))
	for s := range doc.Subtypes {
		subtypes = append(subtypes, s)
	}
	sort.Strings(subtypes)
	var ignored []string
	for _, s := range subtypes {
		def, ok := Lookup(kind, s)
		if !ok {
			ignored = append(ignored, s)
			continue
		}
		for c := range doc.Subtypes[s].Conditions {
			if !knownCondition(c) {
				return nil, fmt.Errorf("%s: %s: unknown condition %q", name, s, c)
			}
			if !containsString(def.Conditions, c) {
				return nil, fmt.Errorf("%s: %s: condition %q does not apply", name, s, c)
			}
		}
	}
	if len(doc.Global.Conditions) > 0 {
		return nil, fmt.Errorf("%s: global: conditions are per subtype", name)
	}
	return ignored, nil
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
