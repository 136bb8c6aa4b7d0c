// Package validate checks proposed tool-call arguments against the manifest
// schema before dispatch. Everything here is a pure function of its inputs:
// no I/O, no clock, no logging, so the whole surface is table-testable.
package validate

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	errx "github.com/pubx-real-estate/orchestrator/internal/core/error"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
)

var (
	e164Re  = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	emailRe = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

	// characters people type into phone numbers that E.164 forbids
	phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// Arguments validates raw arguments for toolName against the manifest and
// returns a normalized copy: strings trimmed, emails lowercased, phones in
// canonical E.164, datetimes reserialized as RFC3339 UTC. Fields not declared
// in the schema are dropped.
func Arguments(toolName string, raw map[string]any, snap *model.ManifestSnapshot) (map[string]any, error) {
	desc, ok := snap.Lookup(toolName)
	if !ok {
		return nil, errx.UnknownTool(toolName)
	}

	if raw == nil {
		raw = map[string]any{}
	}

	normalized := make(map[string]any, len(desc.Schema.Fields))
	for field, spec := range desc.Schema.Fields {
		value, present := raw[field]
		if !present || value == nil {
			if spec.Required {
				return nil, errx.Validation(nil, fmt.Sprintf("missing required argument %q", field))
			}
			continue
		}
		out, err := normalizeField(field, value, spec)
		if err != nil {
			return nil, err
		}
		normalized[field] = out
	}

	for _, pair := range desc.Schema.DatetimeRanges {
		if err := checkRange(normalized, pair[0], pair[1]); err != nil {
			return nil, err
		}
	}

	return normalized, nil
}

func normalizeField(field string, value any, spec model.FieldSpec) (any, error) {
	switch spec.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return nil, errx.Validation(nil, fmt.Sprintf("argument %q must be a string, got %T", field, value))
		}
		return normalizeString(field, s, spec)
	case "number":
		f, ok := asFloat(value)
		if !ok {
			return nil, errx.Validation(nil, fmt.Sprintf("argument %q must be a number, got %T", field, value))
		}
		return f, checkNumberBounds(field, f, spec)
	case "integer":
		f, ok := asFloat(value)
		if !ok || math.Trunc(f) != f {
			return nil, errx.Validation(nil, fmt.Sprintf("argument %q must be an integer", field))
		}
		return int(f), checkNumberBounds(field, f, spec)
	case "boolean":
		b, ok := value.(bool)
		if !ok {
			return nil, errx.Validation(nil, fmt.Sprintf("argument %q must be a boolean, got %T", field, value))
		}
		return b, nil
	default:
		// manifest load validation makes this unreachable for cached snapshots
		return nil, errx.Validation(nil, fmt.Sprintf("argument %q has unsupported schema type %q", field, spec.Type))
	}
}

func normalizeString(field, s string, spec model.FieldSpec) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" && spec.Required {
		return "", errx.Validation(nil, fmt.Sprintf("argument %q is empty", field))
	}
	if spec.MinLen > 0 && len(s) < spec.MinLen {
		return "", errx.Validation(nil, fmt.Sprintf("argument %q shorter than %d characters", field, spec.MinLen))
	}
	if spec.MaxLen > 0 && len(s) > spec.MaxLen {
		return "", errx.Validation(nil, fmt.Sprintf("argument %q longer than %d characters", field, spec.MaxLen))
	}
	if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
		return "", errx.Validation(nil, fmt.Sprintf("argument %q must be one of %s", field, strings.Join(spec.Enum, ", ")))
	}

	switch spec.Format {
	case model.FormatE164:
		s = phoneSeparators.Replace(s)
		if !e164Re.MatchString(s) {
			return "", errx.Validation(nil, fmt.Sprintf("argument %q is not a valid E.164 phone number", field))
		}
	case model.FormatEmail:
		s = strings.ToLower(s)
		if !emailRe.MatchString(s) {
			return "", errx.Validation(nil, fmt.Sprintf("argument %q is not a valid email address", field))
		}
	case model.FormatRFC3339:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return "", errx.Validation(err, fmt.Sprintf("argument %q is not a valid RFC3339 datetime", field))
		}
		s = t.UTC().Format(time.RFC3339)
	}
	return s, nil
}

func checkNumberBounds(field string, f float64, spec model.FieldSpec) error {
	if spec.Min != nil && f < *spec.Min {
		return errx.Validation(nil, fmt.Sprintf("argument %q below minimum %v", field, *spec.Min))
	}
	if spec.Max != nil && f > *spec.Max {
		return errx.Validation(nil, fmt.Sprintf("argument %q above maximum %v", field, *spec.Max))
	}
	return nil
}

func checkRange(args map[string]any, startField, endField string) error {
	startRaw, okS := args[startField].(string)
	endRaw, okE := args[endField].(string)
	if !okS || !okE {
		// one side absent: nothing to compare (requiredness is checked per field)
		return nil
	}
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return errx.Validation(err, fmt.Sprintf("argument %q is not a valid RFC3339 datetime", startField))
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return errx.Validation(err, fmt.Sprintf("argument %q is not a valid RFC3339 datetime", endField))
	}
	if !start.Before(end) {
		return errx.Validation(nil, fmt.Sprintf("%q must be before %q", startField, endField))
	}
	return nil
}

// IsE164 reports whether s is already in canonical E.164 form.
func IsE164(s string) bool {
	return e164Re.MatchString(s)
}

// IsEmail reports whether s looks like a deliverable email address.
func IsEmail(s string) bool {
	return emailRe.MatchString(s)
}

// asFloat accepts the numeric shapes JSON decoding produces.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
