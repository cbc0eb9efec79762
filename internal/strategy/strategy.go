// Package strategy hosts the trading strategy runtime.
//
// A strategy is a per-symbol state machine fed by market-data events and
// its own order fills, emitting trading signals onto the bus. Concrete
// strategies are a sealed set: each registers a factory and a parameter
// schema under its name at package init, and instances are built from
// configuration through New. The Base runner owns the bus subscriptions
// and the event loop so concrete strategies only implement callbacks.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tradeflow/internal/bus"
)

// Strategy is one trading algorithm bound to a set of symbols.
type Strategy interface {
	ID() string
	Name() string
	Symbols() []string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Params are raw per-strategy settings from configuration, validated
// against the registered schema before a factory sees them.
type Params map[string]any

// Float reads a numeric parameter. Validation has already coerced types,
// so a missing key simply yields the zero value.
func (p Params) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Int reads an integer parameter.
func (p Params) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// Bool reads a boolean parameter.
func (p Params) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// String reads a string parameter.
func (p Params) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// ParamKind is the declared type of one schema entry.
type ParamKind string

const (
	KindNumber ParamKind = "number"
	KindBool   ParamKind = "bool"
	KindString ParamKind = "string"
)

// ParamSpec declares one accepted parameter and its default.
type ParamSpec struct {
	Kind    ParamKind
	Default any
}

// ParamSchema maps parameter names to their specs.
type ParamSchema map[string]ParamSpec

// Deps are the runtime collaborators handed to every strategy instance.
type Deps struct {
	Bus      *bus.Bus
	Logger   *slog.Logger
	MarketTZ *time.Location // session boundaries; nil means UTC
}

// Factory builds a strategy instance from validated parameters.
type Factory func(id string, symbols []string, params Params, deps Deps) (Strategy, error)

type registryEntry struct {
	schema  ParamSchema
	factory Factory
}

var registry = map[string]registryEntry{}

// Register adds a strategy kind to the registry. Called from init.
func Register(name string, schema ParamSchema, factory Factory) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy: duplicate registration %q", name))
	}
	registry[name] = registryEntry{schema: schema, factory: factory}
}

// Names lists the registered strategy kinds, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds a strategy of the named kind. Parameters are checked against
// the kind's schema: unknown keys and type mismatches are errors, missing
// keys take the declared default.
func New(kind, id string, symbols []string, params Params, deps Deps) (Strategy, error) {
	entry, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown strategy kind %q (have %v)", kind, Names())
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("strategy %s: no symbols configured", id)
	}
	validated, err := validateParams(entry.schema, params)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", id, err)
	}
	return entry.factory(id, symbols, validated, deps)
}

func validateParams(schema ParamSchema, params Params) (Params, error) {
	out := make(Params, len(schema))
	for name, spec := range schema {
		out[name] = spec.Default
	}

	for name, value := range params {
		spec, ok := schema[name]
		if !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
		coerced, err := coerce(spec.Kind, value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

// coerce normalizes config values: numbers become float64 regardless of
// how the config layer decoded them.
func coerce(kind ParamKind, value any) (any, error) {
	switch kind {
	case KindNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, fmt.Errorf("want number, got %T", value)
	case KindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
		return nil, fmt.Errorf("want bool, got %T", value)
	case KindString:
		if v, ok := value.(string); ok {
			return v, nil
		}
		return nil, fmt.Errorf("want string, got %T", value)
	}
	return nil, fmt.Errorf("unknown parameter kind %q", kind)
}
