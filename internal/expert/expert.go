// Package expert resolves configured experts: their instructions, the
// skills they may use and the experts they may delegate to.
package expert

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
	"github.com/vinayprograms/agentrun/internal/config"
)

// Definition is a resolved expert.
type Definition struct {
	Key         string
	Name        string
	Version     string
	Description string
	Instruction string
	Delegates   []string
	Skills      map[string]config.SkillConfig
	Tags        []string
}

// Ref is the identity recorded on checkpoints.
func (d *Definition) Ref() checkpoint.Expert {
	return checkpoint.Expert{Key: d.Key, Name: d.Name, Version: d.Version}
}

// SkillNames returns the declared skill names in a stable order.
func (d *Definition) SkillNames() []string {
	names := make([]string, 0, len(d.Skills))
	for n := range d.Skills {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseKey splits "name@version". A key without a version has an empty one.
func ParseKey(key string) (name, version string) {
	if i := strings.LastIndex(key, "@"); i > 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// Registry holds expert definitions by key.
type Registry struct {
	experts map[string]*Definition
}

// NewRegistry builds definitions from configuration. Relative instruction
// files are resolved against baseDir.
func NewRegistry(experts map[string]config.ExpertConfig, baseDir string) (*Registry, error) {
	r := &Registry{experts: make(map[string]*Definition, len(experts))}
	for key, ec := range experts {
		name, version := ParseKey(key)
		def := &Definition{
			Key:         key,
			Name:        name,
			Version:     version,
			Description: ec.Description,
			Instruction: ec.Instruction,
			Delegates:   ec.Delegates,
			Skills:      ec.Skills,
			Tags:        ec.Tags,
		}
		if ec.InstructionFile != "" {
			path := ec.InstructionFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			doc, err := LoadInstructionFile(path)
			if err != nil {
				return nil, fmt.Errorf("expert %s: %w", key, err)
			}
			doc.applyTo(def)
		}
		if ec.Name != "" {
			def.Name = ec.Name
		}
		if ec.Version != "" {
			def.Version = ec.Version
		}
		if def.Instruction == "" {
			return nil, fmt.Errorf("expert %s has no instruction", key)
		}
		if def.Skills == nil {
			def.Skills = map[string]config.SkillConfig{}
		}
		r.experts[key] = def
	}
	return r, nil
}

// Register adds or replaces a definition.
func (r *Registry) Register(def *Definition) {
	if r.experts == nil {
		r.experts = make(map[string]*Definition)
	}
	r.experts[def.Key] = def
}

// Get returns the definition for key.
func (r *Registry) Get(key string) (*Definition, bool) {
	d, ok := r.experts[key]
	return d, ok
}

// Keys returns all expert keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.experts))
	for k := range r.experts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve returns an expert and its delegates. A missing expert or an
// unresolved delegate reference is a configuration error.
func (r *Registry) Resolve(key string) (*Definition, []*Definition, error) {
	def, ok := r.experts[key]
	if !ok {
		return nil, nil, fmt.Errorf("expert %q not found", key)
	}
	delegates := make([]*Definition, 0, len(def.Delegates))
	for _, dk := range def.Delegates {
		if dk == key {
			return nil, nil, fmt.Errorf("expert %q lists itself as a delegate", key)
		}
		d, ok := r.experts[dk]
		if !ok {
			return nil, nil, fmt.Errorf("delegate %q of expert %q not found", dk, key)
		}
		delegates = append(delegates, d)
	}
	return def, delegates, nil
}
