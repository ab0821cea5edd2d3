// Package indicator serves the built-in reference for the proprietary
// indicators that appear in tool output. Lookups are free and never touch
// the network.
package indicator

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

//go:embed guide.yaml
var guideYAML []byte

const usage = "Call indicator_guide('<name>') for full details on any indicator."

type Fields = orderedmap.OrderedMap[string, string]

type Entry struct {
	Name           string  `yaml:"name" json:"-"`
	Summary        string  `yaml:"summary" json:"-"`
	WhatItIs       string  `yaml:"what_it_is" json:"what_it_is"`
	KeyFields      *Fields `yaml:"key_fields" json:"key_fields,omitempty"`
	Thresholds     *Fields `yaml:"thresholds" json:"thresholds,omitempty"`
	Indicators     *Fields `yaml:"indicators" json:"indicators,omitempty"`
	HowToInterpret string  `yaml:"how_to_interpret" json:"how_to_interpret,omitempty"`
}

type Guide struct {
	entries []*Entry
}

type Listing struct {
	Usage      string  `json:"usage"`
	Indicators *Fields `json:"indicators"`
}

type NotFound struct {
	Error     string   `json:"error"`
	Available []string `json:"available"`
}

func Parse(data []byte) (*Guide, error) {
	var entries []*Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse indicator guide: %w", err)
	}
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e == nil || strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("indicator guide entry %d has no name", i)
		}
		key := strings.ToLower(e.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate indicator %q", e.Name)
		}
		seen[key] = struct{}{}
	}
	return &Guide{entries: entries}, nil
}

var (
	defaultGuide     *Guide
	defaultGuideOnce sync.Once
)

// Default returns the embedded guide. The data ships with the binary, so a
// parse failure is a build defect and panics.
func Default() *Guide {
	defaultGuideOnce.Do(func() {
		g, err := Parse(guideYAML)
		if err != nil {
			panic(err)
		}
		defaultGuide = g
	})
	return defaultGuide
}

func (g *Guide) Names() []string {
	names := make([]string, 0, len(g.entries))
	for _, e := range g.entries {
		names = append(names, e.Name)
	}
	return names
}

func (g *Guide) List() Listing {
	summaries := orderedmap.New[string, string](len(g.entries))
	for _, e := range g.entries {
		summaries.Set(e.Name, e.Summary)
	}
	return Listing{Usage: usage, Indicators: summaries}
}

func (g *Guide) All() *orderedmap.OrderedMap[string, *Entry] {
	all := orderedmap.New[string, *Entry](len(g.entries))
	for _, e := range g.entries {
		all.Set(e.Name, e)
	}
	return all
}

// Find matches case-insensitively: exact name first, then name prefix, then
// substring. The first entry in guide order wins at each stage.
func (g *Guide) Find(query string) (*Entry, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, false
	}
	matchers := []func(name string) bool{
		func(name string) bool { return name == q },
		func(name string) bool { return strings.HasPrefix(name, q) },
		func(name string) bool { return strings.Contains(name, q) },
	}
	for _, match := range matchers {
		for _, e := range g.entries {
			if match(strings.ToLower(e.Name)) {
				return e, true
			}
		}
	}
	return nil, false
}

// Lookup resolves a tool query to its response payload:
// "" or "list" for the compact listing, "all" for every entry, otherwise a
// single match. ok is false only when nothing matched.
func (g *Guide) Lookup(query string) (payload any, ok bool) {
	q := strings.TrimSpace(query)
	switch strings.ToLower(q) {
	case "", "list":
		return g.List(), true
	case "all":
		return g.All(), true
	}

	e, found := g.Find(q)
	if !found {
		return NotFound{
			Error:     fmt.Sprintf("Indicator '%s' not found.", q),
			Available: g.Names(),
		}, false
	}
	single := orderedmap.New[string, *Entry](1)
	single.Set(e.Name, e)
	return single, true
}
