package resolver

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PackageMap maps package names to additional file-set prefixes, for example
// a ROS package whose files were uploaded under a different folder name.
type PackageMap map[string][]string

type packageFile struct {
	Packages map[string]packageEntry `yaml:"packages"`
}

// packageEntry accepts either a single prefix or a list.
type packageEntry []string

func (e *packageEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*e = []string{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*e = list
		return nil
	}
	return fmt.Errorf("line %d: package entry must be a string or list", node.Line)
}

// Prefixes returns the configured prefixes for name.
func (m PackageMap) Prefixes(name string) []string {
	if m == nil {
		return nil
	}
	return m[name]
}

// LoadPackageMap reads a package map from a YAML file.
func LoadPackageMap(filePath string) (PackageMap, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open package map: %w", err)
	}
	defer f.Close()
	return ParsePackageMap(f)
}

// ParsePackageMap decodes a package map document.
func ParsePackageMap(r io.Reader) (PackageMap, error) {
	var doc packageFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return PackageMap{}, nil
		}
		return nil, fmt.Errorf("failed to parse package map: %w", err)
	}
	out := make(PackageMap, len(doc.Packages))
	for name, prefixes := range doc.Packages {
		out[name] = []string(prefixes)
	}
	return out, nil
}
