package model

import (
	"sort"
	"time"

	"github.com/cloudwego/eino/schema"
)

// Field formats understood by the argument validator.
const (
	FormatE164    = "e164"
	FormatEmail   = "email"
	FormatRFC3339 = "rfc3339"
)

// FieldSpec declares one argument field of a tool schema. The set of field
// types is closed; the registry document is validated against it at load time
// so an unknown type is a load error, not a runtime surprise.
type FieldSpec struct {
	Type        string   `json:"type"` // string | number | integer | boolean
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Format      string   `json:"format,omitempty"` // e164 | email | rfc3339
	Enum        []string `json:"enum,omitempty"`
	MinLen      int      `json:"min_len,omitempty"`
	MaxLen      int      `json:"max_len,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
}

// ArgumentSchema is the declared argument shape of a capability.
// DatetimeRanges lists [start, end] field pairs that must satisfy start < end.
type ArgumentSchema struct {
	Fields         map[string]FieldSpec `json:"fields"`
	DatetimeRanges [][2]string          `json:"datetime_ranges,omitempty"`
}

// ToolDescriptor describes one callable capability from the registry.
type ToolDescriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Endpoint     string         `json:"endpoint"`
	Idempotent   bool           `json:"idempotent"`
	RequiresAuth bool           `json:"requires_auth"`
	Schema       ArgumentSchema `json:"schema"`
}

// ToolInfo exports the descriptor in the chat-model tool vocabulary.
func (d ToolDescriptor) ToolInfo() *schema.ToolInfo {
	params := make(map[string]*schema.ParameterInfo, len(d.Schema.Fields))
	for name, f := range d.Schema.Fields {
		params[name] = &schema.ParameterInfo{
			Type:     schema.DataType(f.Type),
			Desc:     f.Description,
			Required: f.Required,
			Enum:     f.Enum,
		}
	}
	return &schema.ToolInfo{
		Name:        d.Name,
		Desc:        d.Description,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

// ManifestSnapshot is an immutable view of the registry at FetchedAt.
// Snapshots are replaced wholesale on refresh, never mutated, so concurrent
// turns can read them without locking.
type ManifestSnapshot struct {
	Tools     map[string]ToolDescriptor
	FetchedAt time.Time
	Stale     bool
}

// Lookup returns the descriptor for name, if present.
func (s *ManifestSnapshot) Lookup(name string) (ToolDescriptor, bool) {
	if s == nil {
		return ToolDescriptor{}, false
	}
	d, ok := s.Tools[name]
	return d, ok
}

// Names returns the tool names in deterministic order.
func (s *ManifestSnapshot) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Tools))
	for name := range s.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Age reports how old the snapshot is at now.
func (s *ManifestSnapshot) Age(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return now.Sub(s.FetchedAt)
}
