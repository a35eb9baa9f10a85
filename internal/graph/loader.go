package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"gopkg.in/yaml.v3"
)

const ChatGraphID = "chat"

const chatSystemPrompt = "You are a concise assistant inside a terminal chat. Answer in plain text or short markdown."

// Definition is the YAML form of a graph.
type Definition struct {
	ID          string             `yaml:"id"`
	Description string             `yaml:"description"`
	Entry       string             `yaml:"entry"`
	Channels    map[string]Reducer `yaml:"channels"`
	Nodes       []NodeDefinition   `yaml:"nodes"`
}

type NodeDefinition struct {
	Name        string         `yaml:"name"`
	Kind        string         `yaml:"kind"`
	System      string         `yaml:"system"`
	Prompt      string         `yaml:"prompt"`
	Text        string         `yaml:"text"`
	MessagesKey string         `yaml:"messages_key"`
	History     int            `yaml:"history"`
	Output      string         `yaml:"output"`
	AsMessage   bool           `yaml:"as_message"`
	Role        string         `yaml:"role"`
	JSON        bool           `yaml:"json"`
	Values      map[string]any `yaml:"values"`
	Next        string         `yaml:"next"`
	Route       *Route         `yaml:"route"`
}

// Builder turns definitions into graphs, binding llm nodes to one model.
type Builder struct {
	Model   llms.Model
	Options []llms.CallOption
}

func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	return def, nil
}

func (b Builder) Build(def Definition) (*Graph, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidGraph)
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("%w: %s has no nodes", ErrInvalidGraph, def.ID)
	}
	g := New(def.ID).Describe(def.Description)
	for key, reducer := range def.Channels {
		g.Channel(key, Reducer(strings.ToLower(string(reducer))))
	}
	for i, nodeDef := range def.Nodes {
		node, err := b.buildNode(def.ID, nodeDef)
		if err != nil {
			return nil, err
		}
		g.AddNode(nodeDef.Name, node)
		switch {
		case nodeDef.Route != nil:
			g.AddRoute(nodeDef.Name, *nodeDef.Route)
		case nodeDef.Next != "":
			g.AddEdge(nodeDef.Name, nodeDef.Next)
		case i+1 < len(def.Nodes):
			g.AddEdge(nodeDef.Name, def.Nodes[i+1].Name)
		default:
			g.AddEdge(nodeDef.Name, End)
		}
	}
	entry := def.Entry
	if entry == "" {
		entry = def.Nodes[0].Name
	}
	g.SetEntry(entry)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (b Builder) buildNode(graphID string, def NodeDefinition) (Node, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("%w: %s: node without a name", ErrInvalidGraph, graphID)
	}
	if def.Name == End {
		return nil, fmt.Errorf("%w: %s: %s is reserved", ErrInvalidGraph, graphID, End)
	}
	switch strings.ToLower(strings.TrimSpace(def.Kind)) {
	case "llm":
		if def.Output == "" {
			return nil, fmt.Errorf("%w: %s/%s: llm node needs an output", ErrInvalidGraph, graphID, def.Name)
		}
		node := &LLMNode{
			Model:       b.Model,
			System:      def.System,
			MessagesKey: def.MessagesKey,
			HistoryLen:  def.History,
			Output:      def.Output,
			AsMessage:   def.AsMessage,
			JSON:        def.JSON,
			Options:     b.Options,
		}
		if strings.TrimSpace(def.Prompt) != "" {
			tpl, err := ParseTemplate(graphID+"/"+def.Name, def.Prompt)
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidGraph, graphID, def.Name, err)
			}
			node.Prompt = tpl
		}
		return node, nil
	case "template":
		if def.Output == "" {
			return nil, fmt.Errorf("%w: %s/%s: template node needs an output", ErrInvalidGraph, graphID, def.Name)
		}
		tpl, err := ParseTemplate(graphID+"/"+def.Name, def.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidGraph, graphID, def.Name, err)
		}
		return &TemplateNode{Text: tpl, Output: def.Output, AsMessage: def.AsMessage, Role: def.Role}, nil
	case "set":
		return &SetNode{Values: def.Values}, nil
	default:
		return nil, fmt.Errorf("%w: %s/%s: unknown node kind %q", ErrInvalidGraph, graphID, def.Name, def.Kind)
	}
}

// LoadDir builds every *.yaml / *.yml definition in dir. A missing dir is
// not an error.
func (b Builder) LoadDir(dir string) ([]*Graph, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading graphs dir: %w", err)
	}
	names := []string{}
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	graphs := make([]*Graph, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		g, err := b.Build(def)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Debug().Str("graph_id", g.ID()).Str("path", path).Msg("graph loaded")
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// ChatGraph is the built-in single-node conversation graph.
func (b Builder) ChatGraph() *Graph {
	return New(ChatGraphID).
		Describe("single assistant turn over the message history").
		Channel("messages", ReducerAppend).
		AddNode("assistant", &LLMNode{
			Model:       b.Model,
			System:      chatSystemPrompt,
			MessagesKey: "messages",
			HistoryLen:  40,
			Output:      "messages",
			AsMessage:   true,
			Options:     b.Options,
		}).
		AddEdge("assistant", End).
		SetEntry("assistant")
}
