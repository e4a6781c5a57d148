package client

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/gosoa/soa"
)

// TypeKey is the body key marking an object as expandable. Its value
// names the object's type in the expansion configuration.
const TypeKey = "_type"

// defaultExpansionDepth bounds recursive expansion so cyclic object
// graphs terminate.
const defaultExpansionDepth = 10

// Route describes the batch action that resolves ids of one kind into
// full objects: the action receives the collected ids in RequestField and
// returns a map keyed by id in ResponseField.
type Route struct {
	Service       string `yaml:"service" validate:"required"`
	Action        string `yaml:"action" validate:"required"`
	RequestField  string `yaml:"request_field" validate:"required"`
	ResponseField string `yaml:"response_field" validate:"required"`
}

// Expansion describes one named expansion available on an object type:
// where to read the id, which route resolves it, and where to splice the
// resolved object.
type Expansion struct {
	// Type names the expanded object's own type, so its objects can
	// trigger further expansions. Empty disables recursion through this
	// expansion.
	Type             string `yaml:"type"`
	Route            string `yaml:"route" validate:"required"`
	SourceField      string `yaml:"source_field" validate:"required"`
	DestinationField string `yaml:"destination_field" validate:"required"`

	// RaiseActionErrors surfaces action errors from this expansion's
	// route call. By default they are suppressed and the destination is
	// simply left unset.
	RaiseActionErrors bool `yaml:"raise_action_errors"`
}

// ExpansionConfig is the client's expansion rule book, loaded once at
// construction.
type ExpansionConfig struct {
	// MaxDepth bounds recursive expansion. Zero means the default of 10.
	MaxDepth int `yaml:"max_depth" validate:"min=0,max=100"`

	// Routes maps route names to their batch actions.
	Routes map[string]*Route `yaml:"type_routes" validate:"required,dive,required"`

	// TypeExpansions maps object type names to the expansions available
	// on them, keyed by expansion name.
	TypeExpansions map[string]map[string]*Expansion `yaml:"type_expansions" validate:"required"`
}

// Validate checks structural constraints and that every expansion names a
// defined route.
func (c *ExpansionConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("op=client.ExpansionConfig.Validate: %w", err)
	}
	for typeName, expansions := range c.TypeExpansions {
		for name, exp := range expansions {
			if err := validator.New().Struct(exp); err != nil {
				return fmt.Errorf("op=client.ExpansionConfig.Validate: %s.%s: %w", typeName, name, err)
			}
			if _, ok := c.Routes[exp.Route]; !ok {
				return fmt.Errorf("op=client.ExpansionConfig.Validate: %s.%s names undefined route %q", typeName, name, exp.Route)
			}
		}
	}
	return nil
}

// expander walks response trees and resolves requested expansions in
// batches, one route call per (route, depth) group.
type expander struct {
	config *ExpansionConfig
	depth  int
}

func newExpander(config *ExpansionConfig) *expander {
	depth := config.MaxDepth
	if depth <= 0 {
		depth = defaultExpansionDepth
	}
	return &expander{config: config, depth: depth}
}

// visitKey identifies an already-expanded object so cyclic graphs are
// fetched once.
type visitKey struct {
	typeName string
	id       string
}

// pendingSplice records one destination awaiting a resolved object.
type pendingSplice struct {
	object    map[string]any
	expansion *Expansion
	id        any
}

// expand resolves the requested expansions in place. It is idempotent: a
// destination field already present is left untouched and not refetched.
func (e *expander) expand(ctx context.Context, c *Client, resp *soa.JobResponse, requested map[string][]string, o *callOptions) error {
	if resp == nil {
		return nil
	}
	candidates := make([]map[string]any, 0, len(resp.Actions))
	for i := range resp.Actions {
		if resp.Actions[i].Body != nil {
			candidates = append(candidates, collectTyped(resp.Actions[i].Body)...)
		}
	}
	visited := map[visitKey]struct{}{}

	for depth := 0; depth < e.depth && len(candidates) > 0; depth++ {
		// Group the wanted ids by route so each route is called once
		// per pass with the whole id batch.
		routeIDs := map[string][]any{}
		routeSplices := map[string][]pendingSplice{}
		for _, obj := range candidates {
			typeName, _ := obj[TypeKey].(string)
			expansions := e.config.TypeExpansions[typeName]
			for _, name := range requested[typeName] {
				exp, ok := expansions[name]
				if !ok {
					continue
				}
				if _, done := obj[exp.DestinationField]; done {
					continue
				}
				id, ok := obj[exp.SourceField]
				if !ok || id == nil {
					continue
				}
				key := visitKey{typeName: typeName + "." + name, id: fmt.Sprint(id)}
				if _, seen := visited[key]; seen {
					continue
				}
				visited[key] = struct{}{}
				routeIDs[exp.Route] = append(routeIDs[exp.Route], id)
				routeSplices[exp.Route] = append(routeSplices[exp.Route], pendingSplice{object: obj, expansion: exp, id: id})
			}
		}
		if len(routeIDs) == 0 {
			return nil
		}

		candidates = candidates[:0]
		for routeName, ids := range routeIDs {
			route := e.config.Routes[routeName]
			next, err := e.resolveRoute(ctx, c, route, ids, routeSplices[routeName], o)
			if err != nil {
				return err
			}
			candidates = append(candidates, next...)
		}
	}
	return nil
}

// resolveRoute performs one batch route call and splices the returned
// objects into their destinations, returning any newly typed objects for
// the next pass.
func (e *expander) resolveRoute(ctx context.Context, c *Client, route *Route, ids []any, splices []pendingSplice, o *callOptions) ([]map[string]any, error) {
	raiseActionErrors := false
	for _, s := range splices {
		if s.expansion.RaiseActionErrors {
			raiseActionErrors = true
		}
	}
	resp, err := c.CallAction(ctx, route.Service, route.Action,
		map[string]any{route.RequestField: ids},
		WithTimeout(o.timeout),
		WithContext(o.contextExtra),
		WithSwitches(o.switches...),
		RaiseActionErrors(raiseActionErrors),
	)
	if err != nil {
		return nil, fmt.Errorf("op=client.expander.resolveRoute: %s.%s: %w", route.Service, route.Action, err)
	}
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	objects, ok := resp.Body[route.ResponseField].(map[string]any)
	if !ok {
		return nil, nil
	}

	var next []map[string]any
	for _, s := range splices {
		resolved, ok := objects[fmt.Sprint(s.id)]
		if !ok {
			continue
		}
		s.object[s.expansion.DestinationField] = resolved
		if obj, ok := resolved.(map[string]any); ok && s.expansion.Type != "" {
			next = append(next, collectTyped(obj)...)
		}
	}
	return next, nil
}

// collectTyped walks a body tree and returns every map carrying a _type
// key, including the root.
func collectTyped(body map[string]any) []map[string]any {
	var out []map[string]any
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			if _, ok := t[TypeKey].(string); ok {
				out = append(out, t)
			}
			for _, nested := range t {
				walk(nested)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(body)
	return out
}
