package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the size and shape of a config file Load will accept,
// adapted from the teacher's pkg/security.SafeYAMLParser — the same
// gopkg.in/yaml.v3 dependency config.go already imports for Unmarshal, just
// with the teacher's resource limits applied first.
type YAMLLimits struct {
	MaxFileSize  int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
}

// DefaultYAMLLimits keeps the teacher's depth, node and key-length defaults
// and lowers the file-size limit to 1 MB, since a single-workspace config
// file has no reason to be larger or deeper than the teacher's.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1 * 1024 * 1024, // config files are tiny compared to the teacher's 10MB agent configs
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 1024,
	}
}

// safeUnmarshalYAML validates data against limits before unmarshaling it
// into v: the file size is checked before parsing, then data is parsed into
// a yaml.Node tree whose depth, node count and key lengths are checked, so a
// malformed or adversarial config file fails with a clear error before it
// is decoded into v.
func safeUnmarshalYAML(data []byte, limits YAMLLimits, v any) error {
	if int64(len(data)) > limits.MaxFileSize {
		return fmt.Errorf("config file size %d bytes exceeds maximum %d bytes", len(data), limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	val := &yamlValidator{limits: limits}
	if err := val.validate(&root, 0); err != nil {
		return err
	}

	return yaml.Unmarshal(data, v)
}

type yamlValidator struct {
	limits    YAMLLimits
	nodeCount int
}

func (val *yamlValidator) validate(node *yaml.Node, depth int) error {
	if depth > val.limits.MaxDepth {
		return fmt.Errorf("config nesting depth %d exceeds maximum %d", depth, val.limits.MaxDepth)
	}
	val.nodeCount++
	if val.nodeCount > val.limits.MaxNodes {
		return fmt.Errorf("config node count %d exceeds maximum %d", val.nodeCount, val.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := val.validate(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i < len(node.Content); i += 2 {
			key := node.Content[i]
			if len(key.Value) > val.limits.MaxKeyLength {
				return fmt.Errorf("config key length %d exceeds maximum %d", len(key.Value), val.limits.MaxKeyLength)
			}
			if err := val.validate(key, depth+1); err != nil {
				return err
			}
			if err := val.validate(node.Content[i+1], depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := val.validate(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			return val.validate(node.Alias, depth+1)
		}
	}
	return nil
}
