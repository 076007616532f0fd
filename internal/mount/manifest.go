package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/citizenfx/fxcore/internal/resource"
	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest file every resource directory carries.
const ManifestName = "resource.yaml"

// LoadManifest reads <dir>/resource.yaml. Every top-level key becomes a
// metadata entry; scalars are stored as one-element lists.
//
//	description: chat commands
//	server_scripts: [sv_chat.lua]
//	dependencies:
//	  - /onesync:true
//	  - base
func LoadManifest(dir string) (*resource.Metadata, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	entries := make(map[string][]string, len(raw))
	for key, node := range raw {
		values, err := nodeStrings(&node)
		if err != nil {
			return nil, fmt.Errorf("parse manifest %s: key %q: %w", path, key, err)
		}
		entries[key] = values
	}
	return resource.NewMetadata(entries), nil
}

func nodeStrings(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: list items must be scalars", item.Line)
			}
			out = append(out, item.Value)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("line %d: expected a scalar or a list", n.Line)
	}
}
