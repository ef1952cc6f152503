package expert

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// InstructionFile is a markdown instruction document with YAML frontmatter.
type InstructionFile struct {
	// From frontmatter
	Name        string   `yaml:"name,omitempty"`
	Version     string   `yaml:"version,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Delegates   []string `yaml:"delegates,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`

	// From content
	Instruction string `yaml:"-"`
	Path        string `yaml:"-"`
}

// LoadInstructionFile reads and parses an instruction file.
func LoadInstructionFile(path string) (*InstructionFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruction file: %w", err)
	}
	doc, err := ParseInstruction(string(content))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

// ParseInstruction parses instruction file content. Frontmatter is optional;
// without it the whole document is the instruction.
func ParseInstruction(content string) (*InstructionFile, error) {
	if !strings.HasPrefix(strings.TrimPrefix(content, "\ufeff"), "---") {
		return &InstructionFile{Instruction: strings.TrimSpace(content)}, nil
	}
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}
	doc := &InstructionFile{}
	if err := yaml.Unmarshal([]byte(frontmatter), doc); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	doc.Instruction = strings.TrimSpace(body)
	if doc.Instruction == "" {
		return nil, fmt.Errorf("instruction body is empty")
	}
	return doc, nil
}

// splitFrontmatter extracts YAML frontmatter from markdown.
func splitFrontmatter(content string) (frontmatter, body string, err error) {
	lines := strings.Split(strings.TrimPrefix(content, "\ufeff"), "\n")

	var fmLines []string
	bodyStart := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			bodyStart = i + 1
			break
		}
		fmLines = append(fmLines, lines[i])
	}
	if bodyStart < 0 {
		return "", "", fmt.Errorf("unclosed frontmatter")
	}

	frontmatter = strings.Join(fmLines, "\n")
	if bodyStart < len(lines) {
		body = strings.Join(lines[bodyStart:], "\n")
	}
	return frontmatter, body, nil
}

// applyTo fills def from the document. Frontmatter name and version replace
// the ones derived from the key; the remaining fields only fill gaps.
func (f *InstructionFile) applyTo(def *Definition) {
	def.Instruction = f.Instruction
	if f.Name != "" {
		def.Name = f.Name
	}
	if f.Version != "" {
		def.Version = f.Version
	}
	if def.Description == "" {
		def.Description = f.Description
	}
	if len(def.Delegates) == 0 {
		def.Delegates = f.Delegates
	}
	if len(def.Tags) == 0 {
		def.Tags = f.Tags
	}
}
