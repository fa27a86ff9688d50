package policy

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ocx/runtime/internal/core"
)

// policyFile is the on-disk shape: one YAML document holding a policy list.
type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadFile parses one policy YAML file.
func LoadFile(path string) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "read policy file %s", path)
	}
	var doc policyFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, core.Wrap(core.KindValidation, err, "parse policy file %s", path)
	}
	for i := range doc.Policies {
		if err := validatePolicy(&doc.Policies[i]); err != nil {
			return nil, err
		}
	}
	return doc.Policies, nil
}

// LoadDir loads every *.yaml / *.yml in dir, in lexical order so the result
// is stable, and rejects duplicate policy ids across files.
func LoadDir(dir string) ([]Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, core.Wrap(core.KindStorage, err, "read policy dir %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string)
	var out []Policy
	for _, name := range names {
		policies, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, p := range policies {
			if prev, dup := seen[p.ID]; dup {
				return nil, core.Errorf(core.KindValidation,
					"duplicate policy id %s in %s (already defined in %s)", p.ID, name, prev)
			}
			seen[p.ID] = name
		}
		out = append(out, policies...)
	}
	return out, nil
}

// LoadInto loads a directory and installs every policy into the engine.
func LoadInto(e *Engine, dir string) (int, error) {
	policies, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, p := range policies {
		if err := e.SetPolicy(p); err != nil {
			return 0, err
		}
	}
	return len(policies), nil
}
