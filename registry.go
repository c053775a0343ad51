package minitime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/minitime/minitime/toolrpc"
)

// toolCaller is the slice of the toolrpc client the invoker needs.
type toolCaller interface {
	CallTool(ctx context.Context, tool string, args json.RawMessage) (toolrpc.CallResult, error)
}

// ProviderSpec describes one tool-provider subprocess to launch.
type ProviderSpec struct {
	Group   string
	Command string
	Args    []string
	Env     []string
}

// registeredTool is one tool in the flattened namespace.
type registeredTool struct {
	Group  string
	Def    ToolDefinition
	caller toolCaller
}

// Registry launches tool-provider subprocesses, collects their tool
// definitions, and flattens them into a single namespace. Duplicate
// tool names across providers are a startup error.
type Registry struct {
	logger  *slog.Logger
	clients []*toolrpc.Client
	tools   map[string]*registeredTool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = nopLogger
	}
	return &Registry{logger: logger, tools: make(map[string]*registeredTool)}
}

// Launch starts every provider in specs and lists its tools. A provider
// that fails to start or list is fatal; the platform does not run with
// a partial tool surface.
func (r *Registry) Launch(ctx context.Context, specs []ProviderSpec) error {
	for _, spec := range specs {
		client, err := toolrpc.Launch(spec.Group, spec.Command, spec.Args, spec.Env)
		if err != nil {
			return fmt.Errorf("launch provider %s: %w", spec.Group, err)
		}
		r.clients = append(r.clients, client)

		defs, err := client.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("list tools of %s: %w", spec.Group, err)
		}
		for _, def := range defs {
			if err := r.register(spec.Group, def, client); err != nil {
				return err
			}
		}
		r.logger.Info("tool provider ready", "group", spec.Group, "tools", len(defs))
	}
	return nil
}

func (r *Registry) register(group string, def toolrpc.ToolDefinition, caller toolCaller) error {
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("duplicate tool name %q from provider %s", def.Name, group)
	}
	r.tools[def.Name] = &registeredTool{
		Group: group,
		Def: ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		},
		caller: caller,
	}
	return nil
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns all tool names sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Groups maps each tool name to its provider group.
func (r *Registry) Groups() map[string]string {
	out := make(map[string]string, len(r.tools))
	for name, t := range r.tools {
		out[name] = t.Group
	}
	return out
}

func (r *Registry) lookup(name string) (*registeredTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Close shuts all provider subprocesses down.
func (r *Registry) Close() {
	for _, c := range r.clients {
		if err := c.Close(); err != nil {
			r.logger.Warn("provider shutdown", "group", c.Name(), "error", err)
		}
	}
}
