package tool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/getkin/kin-openapi/openapi3"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrRegistryFrozen = errors.New("tool registry is frozen")
	ErrDuplicateTool  = errors.New("tool already registered")

	toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
	Default     any
}

// Descriptor is what a tool advertises at registration.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
	Timeout     time.Duration
	Idempotent  bool
	// MaxAttempts overrides the dispatcher policy when > 0. Ignored for
	// non-idempotent tools, which always get a single attempt.
	MaxAttempts int
}

type Adapter interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

type AdapterFunc func(ctx context.Context, args map[string]any) (any, error)

func (f AdapterFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

type entry struct {
	desc    Descriptor
	adapter Adapter
	schema  *openapi3.Schema
}

// Registry is populated at startup and read-only once frozen.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	order  []string
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]*entry{}}
}

func (r *Registry) Register(desc Descriptor, adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("%w: adapter for tool=%s is nil", contractx.ErrValidation, desc.Name)
	}
	desc.Name = strings.TrimSpace(desc.Name)
	if !toolNamePattern.MatchString(desc.Name) {
		return fmt.Errorf("%w: invalid tool name %q", contractx.ErrValidation, desc.Name)
	}
	if err := validateParams(desc.Params); err != nil {
		return fmt.Errorf("tool=%s: %w", desc.Name, err)
	}
	if desc.Timeout <= 0 {
		desc.Timeout = DefaultTimeout
	}
	sc, err := paramsOneOf(desc.Params).ToOpenAPIV3()
	if err != nil {
		return fmt.Errorf("tool=%s: build schema: %w", desc.Name, err)
	}
	sc.WithoutAdditionalProperties()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.tools[desc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}
	r.tools[desc.Name] = &entry{desc: desc, adapter: adapter, schema: sc}
	r.order = append(r.order, desc.Name)
	return nil
}

func (r *Registry) MustRegister(desc Descriptor, adapter Adapter) {
	if err := r.Register(desc, adapter); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) Lookup(name string) (Descriptor, Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, nil, false
	}
	return e.desc, e.adapter, true
}

func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].desc)
	}
	return out
}

func (r *Registry) Specs() []contractx.ToolSpec {
	descs := r.Descriptors()
	out := make([]contractx.ToolSpec, 0, len(descs))
	for _, d := range descs {
		out = append(out, contractx.ToolSpec{Name: d.Name, Description: d.Description})
	}
	return out
}

// ToolInfos exports the registry for binding to a tool-calling chat model.
func (r *Registry) ToolInfos() []*schema.ToolInfo {
	descs := r.Descriptors()
	out := make([]*schema.ToolInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, &schema.ToolInfo{
			Name:        d.Name,
			Desc:        d.Description,
			ParamsOneOf: paramsOneOf(d.Params),
		})
	}
	return out
}

func paramsOneOf(params []Param) *schema.ParamsOneOf {
	infos := make(map[string]*schema.ParameterInfo, len(params))
	for _, p := range params {
		infos[p.Name] = &schema.ParameterInfo{
			Type:     toSchemaType(p.Type),
			Desc:     p.Description,
			Required: p.Required,
			Enum:     p.Enum,
		}
	}
	return schema.NewParamsOneOfByParams(infos)
}

// Validate checks args against the tool's JSON schema and returns a
// normalized copy with defaults filled in. The input map is never modified.
func (r *Registry) Validate(name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", contractx.ErrUnknownTool, name)
	}
	return validateArgs(e.desc, e.schema, args)
}

func validateArgs(desc Descriptor, sc *openapi3.Schema, args map[string]any) (map[string]any, error) {
	in := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			in[k] = v
		}
	}

	if err := sc.VisitJSON(in, openapi3.MultiErrors(), openapi3.SetSchemaErrorMessageCustomizer(schemaMessage)); err != nil {
		return nil, fmt.Errorf("%w: tool=%s: %v", contractx.ErrValidation, desc.Name, err)
	}

	out := make(map[string]any, len(desc.Params))
	for _, p := range desc.Params {
		v, ok := in[p.Name]
		if !ok {
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		out[p.Name] = normalize(p.Type, v)
	}
	return out, nil
}

func schemaMessage(err *openapi3.SchemaError) string {
	if path := err.JSONPointer(); len(path) > 0 {
		return fmt.Sprintf("argument %q: %s", strings.Join(path, "/"), err.Reason)
	}
	return err.Reason
}

// normalize maps JSON numbers onto the Go types adapters expect. The schema
// has already rejected fractional integers.
func normalize(t ParamType, v any) any {
	switch t {
	case TypeInteger:
		switch n := v.(type) {
		case float64:
			return int(n)
		case int32:
			return int(n)
		case int64:
			return int(n)
		}
	case TypeNumber:
		switch n := v.(type) {
		case int:
			return float64(n)
		case int32:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	return v
}

func validateParams(params []Param) error {
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: parameter name is empty", contractx.ErrValidation)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%w: duplicate parameter %q", contractx.ErrValidation, p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		default:
			return fmt.Errorf("%w: parameter %q has unsupported type %q", contractx.ErrValidation, p.Name, p.Type)
		}
	}
	return nil
}

func toSchemaType(t ParamType) schema.DataType {
	switch t {
	case TypeInteger:
		return schema.Integer
	case TypeNumber:
		return schema.Number
	case TypeBoolean:
		return schema.Boolean
	case TypeArray:
		return schema.Array
	case TypeObject:
		return schema.Object
	default:
		return schema.String
	}
}
