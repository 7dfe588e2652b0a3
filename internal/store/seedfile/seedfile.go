// Package seedfile loads a YAML bootstrap file describing back-end MCP
// servers and namespace memberships, for populating the stores before the
// process starts serving traffic.
package seedfile

import (
	"fmt"
	"os"

	"metamcp/internal/filtercache"
	"metamcp/internal/serverconfig"

	"gopkg.in/yaml.v3"
)

// wireServer mirrors one entry under the top-level `servers` key.
type wireServer struct {
	UUID        string            `yaml:"uuid"`
	Name        string            `yaml:"name"`
	Kind        string            `yaml:"kind"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Cwd         string            `yaml:"cwd"`
	StderrMode  string            `yaml:"stderrMode"`
	URL         string            `yaml:"url"`
	BearerToken string            `yaml:"bearerToken"`
}

// wireNamespace mirrors one entry under the top-level `namespaces` key.
type wireNamespace struct {
	UUID    string   `yaml:"uuid"`
	Servers []string `yaml:"servers"`
	// Inactive lists serverUuids from Servers that start out INACTIVE;
	// every other listed server starts ACTIVE.
	Inactive []string `yaml:"inactive"`
}

type document struct {
	Servers    []wireServer    `yaml:"servers"`
	Namespaces []wireNamespace `yaml:"namespaces"`
}

// Seed is the parsed result of a bootstrap file.
type Seed struct {
	Servers    map[string]serverconfig.Config
	Namespaces map[string]map[string]filtercache.Status
}

// Load reads and parses path. A missing `kind` defaults to STDIO.
func Load(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading seed file: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Seed{}, fmt.Errorf("unmarshaling seed file: %w", err)
	}

	out := Seed{
		Servers:    make(map[string]serverconfig.Config, len(doc.Servers)),
		Namespaces: make(map[string]map[string]filtercache.Status, len(doc.Namespaces)),
	}
	for _, s := range doc.Servers {
		kind := serverconfig.Kind(s.Kind)
		if kind == "" {
			kind = serverconfig.KindSTDIO
		}
		out.Servers[s.UUID] = serverconfig.Config{
			UUID:        s.UUID,
			Name:        s.Name,
			Kind:        kind,
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			Cwd:         s.Cwd,
			StderrMode:  serverconfig.StderrMode(s.StderrMode),
			URL:         s.URL,
			BearerToken: s.BearerToken,
		}
	}
	for _, n := range doc.Namespaces {
		inactive := make(map[string]bool, len(n.Inactive))
		for _, uuid := range n.Inactive {
			inactive[uuid] = true
		}
		members := make(map[string]filtercache.Status, len(n.Servers))
		for _, uuid := range n.Servers {
			if inactive[uuid] {
				members[uuid] = filtercache.StatusInactive
			} else {
				members[uuid] = filtercache.StatusActive
			}
		}
		out.Namespaces[n.UUID] = members
	}
	return out, nil
}
