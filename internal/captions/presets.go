package captions

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"adreel-backend/internal/runs"
)

//go:embed presets.yaml
var presetsYAML []byte

type presetFile struct {
	Default string                       `yaml:"default"`
	Presets map[string]runs.CaptionStyle `yaml:"presets"`
}

// Presets resolves caption style presets by name.
type Presets struct {
	def     string
	presets map[string]runs.CaptionStyle
}

// Load parses the built-in presets.
func Load() (*Presets, error) {
	return Parse(presetsYAML)
}

// Parse reads presets from YAML.
func Parse(raw []byte) (*Presets, error) {
	var f presetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse caption presets: %w", err)
	}
	if len(f.Presets) == 0 {
		return nil, fmt.Errorf("parse caption presets: no presets defined")
	}
	if _, ok := f.Presets[f.Default]; !ok {
		return nil, fmt.Errorf("parse caption presets: default %q is not defined", f.Default)
	}
	out := &Presets{def: f.Default, presets: make(map[string]runs.CaptionStyle, len(f.Presets))}
	for name, style := range f.Presets {
		style.Preset = name
		out.presets[strings.ToLower(name)] = style
	}
	return out, nil
}

// Resolve returns the named preset, falling back to the default for empty or
// unknown names. The second result reports whether name matched.
func (p *Presets) Resolve(name string) (runs.CaptionStyle, bool) {
	if style, ok := p.presets[strings.ToLower(strings.TrimSpace(name))]; ok {
		return style, true
	}
	return p.presets[p.def], false
}

// Names lists the available presets.
func (p *Presets) Names() []string {
	names := make([]string, 0, len(p.presets))
	for name := range p.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
