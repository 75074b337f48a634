package activity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	tenantPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)
	typePattern   = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

	errNotObject = errors.New("details must be a JSON object")
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// FieldErrors aggregates validation failures for one draft.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, e := range fe {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

// Map flattens the failures keyed by field.
func (fe FieldErrors) Map() map[string]string {
	out := make(map[string]string, len(fe))
	for _, e := range fe {
		out[e.Field] = e.Msg
	}
	return out
}

// ValidTenantID reports whether id is an acceptable tenant identifier.
func ValidTenantID(id string) bool {
	return len(id) <= MaxTenantIDLen && tenantPattern.MatchString(id)
}

// Validate checks the draft's shape and size.
func Validate(d Draft) FieldErrors {
	var errs FieldErrors

	switch {
	case d.TenantID == "":
		errs = append(errs, FieldError{"tenant_id", "required"})
	case len(d.TenantID) > MaxTenantIDLen:
		errs = append(errs, FieldError{"tenant_id", fmt.Sprintf("max length %d", MaxTenantIDLen)})
	case !tenantPattern.MatchString(d.TenantID):
		errs = append(errs, FieldError{"tenant_id", "must be lowercase alphanumeric with hyphens or underscores"})
	}

	switch {
	case d.Type == "":
		errs = append(errs, FieldError{"type", "required"})
	case len(d.Type) > MaxTypeLen:
		errs = append(errs, FieldError{"type", fmt.Sprintf("max length %d", MaxTypeLen)})
	case !typePattern.MatchString(d.Type):
		errs = append(errs, FieldError{"type", "must be a lowercase tag"})
	}

	switch d.Severity {
	case "", SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		errs = append(errs, FieldError{"severity", "must be one of info, warning, error, critical"})
	}

	if len(d.Details) > MaxDetailsBytes {
		errs = append(errs, FieldError{"details", fmt.Sprintf("serialized size exceeds %d bytes", MaxDetailsBytes)})
	}

	if d.TTL < 0 {
		errs = append(errs, FieldError{"ttl", "must not be negative"})
	}

	return errs
}
