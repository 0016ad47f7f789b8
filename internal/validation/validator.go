// Package validation checks heartbeat payloads, session host ids and start
// requests before they reach the heartbeat state machine or a runner.
//
// It uses go-playground/validator for struct-level constraints declared as
// tags on the models, plus a few business rules that tags cannot express
// (backend-specific required fields, one port list per instance).
//
// # Usage Example
//
//	v := validation.New()
//	if result := v.ValidateHeartbeat(&info); !result.Valid {
//	    for _, err := range result.Errors {
//	        fmt.Printf("%s: %s\n", err.Field, err.Message)
//	    }
//	}
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"evalgo.org/sessionagent/models"
)

// maxSessionHostIDLength bounds ids taken from request paths.
const maxSessionHostIDLength = 128

var sessionHostIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validator validates agent payloads.
type Validator struct {
	// structValidator validates Go struct constraints and tags
	structValidator *validator.Validate
}

// ValidationError represents a single validation error with field-level details.
type ValidationError struct {
	// Field is the name of the field that failed validation
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`

	// Value is the invalid value that caused the error (optional)
	Value interface{} `json:"value,omitempty"`
}

// ValidationResult represents the complete result of a validation operation.
type ValidationResult struct {
	// Valid is true if validation passed, false otherwise
	Valid bool `json:"valid"`

	// Errors contains all validation errors found (empty if Valid is true)
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the messages of all errors.
func (r *ValidationResult) Error() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(parts, "; ")
}

// New creates a new Validator with the custom session host id tag registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("sessionhostid", func(fl validator.FieldLevel) bool {
		return sessionHostIDPattern.MatchString(fl.Field().String())
	})
	return &Validator{structValidator: v}
}

func newResult(errors []ValidationError) *ValidationResult {
	return &ValidationResult{
		Valid:  len(errors) == 0,
		Errors: errors,
	}
}

// ValidateSessionHostID checks an id taken from a request path.
func (v *Validator) ValidateSessionHostID(id string) *ValidationResult {
	err := v.structValidator.Var(id, fmt.Sprintf("required,max=%d,sessionhostid", maxSessionHostIDLength))
	if err == nil {
		return newResult(nil)
	}
	return newResult([]ValidationError{{
		Field:   "sessionHostId",
		Message: "Session host id must be 1-128 characters of letters, digits, '.', '_' or '-'",
		Value:   id,
	}})
}

// ValidateHeartbeat validates a heartbeat request in the current shape.
// Game server SDKs may omit the state or send players without ids; both are
// accepted, a missing state reads as Invalid.
func (v *Validator) ValidateHeartbeat(info *models.SessionHostHeartbeatInfo) *ValidationResult {
	return newResult(v.structErrors(info))
}

// ValidateLegacyHeartbeat validates a heartbeat request in the legacy shape.
func (v *Validator) ValidateLegacyHeartbeat(info *models.LegacyGameInfo) *ValidationResult {
	return newResult(v.structErrors(info))
}

// ValidateStartInfo validates a start request for instances session hosts.
func (v *Validator) ValidateStartInfo(info *models.SessionHostsStartInfo, instances int) *ValidationResult {
	errors := v.structErrors(info)

	switch info.SessionHostType {
	case models.SessionHostTypeContainer:
		if info.ImageDetails.ImageName == "" {
			errors = append(errors, ValidationError{
				Field:   "imageDetails.imageName",
				Message: "Image name is required for container session hosts",
			})
		}
	case models.SessionHostTypeProcess, "":
		if strings.TrimSpace(info.StartGameCommand) == "" {
			errors = append(errors, ValidationError{
				Field:   "startGameCommand",
				Message: "Start game command is required for process session hosts",
			})
		}
	}

	if len(info.PortMappingsList) > 0 && len(info.PortMappingsList) < instances {
		errors = append(errors, ValidationError{
			Field:   "portMappingsList",
			Message: fmt.Sprintf("Expected port mappings for %d instances, got %d", instances, len(info.PortMappingsList)),
			Value:   len(info.PortMappingsList),
		})
	}

	validProtocols := map[string]bool{"tcp": true, "udp": true}
	for i, mappings := range info.PortMappingsList {
		for j, m := range mappings {
			field := fmt.Sprintf("portMappingsList[%d][%d]", i, j)
			if m.GamePort.Name == "" {
				errors = append(errors, ValidationError{
					Field:   field + ".gamePort.name",
					Message: "Port name is required",
				})
			}
			if m.GamePort.Number < 0 || m.GamePort.Number > 65535 {
				errors = append(errors, ValidationError{
					Field:   field + ".gamePort.number",
					Message: "Port must be between 0 and 65535",
					Value:   m.GamePort.Number,
				})
			}
			if m.GamePort.Protocol != "" && !validProtocols[strings.ToLower(m.GamePort.Protocol)] {
				errors = append(errors, ValidationError{
					Field:   field + ".gamePort.protocol",
					Message: "Protocol must be 'TCP' or 'UDP'",
					Value:   m.GamePort.Protocol,
				})
			}
		}
	}

	return newResult(errors)
}

// structErrors runs the tag-based checks and converts their failures.
func (v *Validator) structErrors(s interface{}) []ValidationError {
	err := v.structValidator.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Field: "document", Message: err.Error()}}
	}

	errors := make([]ValidationError, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		errors = append(errors, ValidationError{
			Field:   fieldName(fe),
			Message: fieldMessage(fe),
			Value:   fe.Value(),
		})
	}
	return errors
}

// fieldName strips the top-level struct name from a validator namespace.
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed the '%s' check", fe.Field(), fe.Tag())
	}
}
