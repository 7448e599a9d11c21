// Package blueprintio loads and saves graph.Blueprint documents. JSON is
// the canonical wire format (spec §6); YAML is a convenience format for
// hand-authoring, decoded through the same field tags gopkg.in/yaml.v3
// resolves from a mirrored struct, then converted to the canonical type.
package blueprintio

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flowforge/flowforge/graph"
)

// DecodeJSON parses a blueprint from its canonical JSON wire form (spec
// §6) and validates its structural invariants before returning it.
func DecodeJSON(data []byte) (*graph.Blueprint, error) {
	var bp graph.Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("decode blueprint json: %w", err)
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return &bp, nil
}

// EncodeJSON serializes bp to its canonical JSON wire form.
func EncodeJSON(bp *graph.Blueprint) ([]byte, error) {
	return json.MarshalIndent(bp, "", "  ")
}

// yamlBlueprint mirrors graph.Blueprint with yaml tags, since the
// canonical type only carries json tags and yaml.v3 does not fall back
// to them.
type yamlBlueprint struct {
	ID    string     `yaml:"id"`
	Nodes []yamlNode `yaml:"nodes"`
	Edges []yamlEdge `yaml:"edges"`
}

type yamlNode struct {
	ID     string         `yaml:"id"`
	Uses   string         `yaml:"uses"`
	Params map[string]any `yaml:"params,omitempty"`
	Config yamlNodeConfig `yaml:"config,omitempty"`
}

type yamlNodeConfig struct {
	JoinStrategy string `yaml:"joinStrategy,omitempty"`
	MaxRetries   int    `yaml:"maxRetries,omitempty"`
	RetryDelayMs int    `yaml:"retryDelayMs,omitempty"`
	TimeoutMs    int    `yaml:"timeoutMs,omitempty"`
	FatalOnError bool   `yaml:"fatalOnError,omitempty"`
}

type yamlEdge struct {
	Source    string `yaml:"source"`
	Target    string `yaml:"target"`
	Action    string `yaml:"action,omitempty"`
	Condition string `yaml:"condition,omitempty"`
	Transform string `yaml:"transform,omitempty"`
}

// DecodeYAML parses a blueprint authored in the YAML convenience format
// and validates it before returning.
func DecodeYAML(data []byte) (*graph.Blueprint, error) {
	var y yamlBlueprint
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("decode blueprint yaml: %w", err)
	}

	bp := &graph.Blueprint{ID: y.ID}
	for _, n := range y.Nodes {
		bp.Nodes = append(bp.Nodes, graph.Node{
			ID:     n.ID,
			Uses:   n.Uses,
			Params: n.Params,
			Config: graph.NodeConfig{
				JoinStrategy: graph.JoinStrategy(n.Config.JoinStrategy),
				MaxRetries:   n.Config.MaxRetries,
				RetryDelayMs: n.Config.RetryDelayMs,
				TimeoutMs:    n.Config.TimeoutMs,
				FatalOnError: n.Config.FatalOnError,
			},
		})
	}
	for _, e := range y.Edges {
		bp.Edges = append(bp.Edges, graph.Edge{
			Source:    e.Source,
			Target:    e.Target,
			Action:    e.Action,
			Condition: e.Condition,
			Transform: e.Transform,
		})
	}

	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return bp, nil
}

// EncodeYAML serializes bp to the YAML convenience format.
func EncodeYAML(bp *graph.Blueprint) ([]byte, error) {
	y := yamlBlueprint{ID: bp.ID}
	for _, n := range bp.Nodes {
		y.Nodes = append(y.Nodes, yamlNode{
			ID:     n.ID,
			Uses:   n.Uses,
			Params: n.Params,
			Config: yamlNodeConfig{
				JoinStrategy: string(n.Config.JoinStrategy),
				MaxRetries:   n.Config.MaxRetries,
				RetryDelayMs: n.Config.RetryDelayMs,
				TimeoutMs:    n.Config.TimeoutMs,
				FatalOnError: n.Config.FatalOnError,
			},
		})
	}
	for _, e := range bp.Edges {
		y.Edges = append(y.Edges, yamlEdge{
			Source:    e.Source,
			Target:    e.Target,
			Action:    e.Action,
			Condition: e.Condition,
			Transform: e.Transform,
		})
	}
	return yaml.Marshal(&y)
}
