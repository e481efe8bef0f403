package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shiftwire/shiftwire/internal/types"
)

// Validation constants.
const (
	MaxIdentifierLength = 140
	MaxBatchSize        = 200
)

// ValidEventKinds defines the allowed kind values.
var ValidEventKinds = []string{
	string(types.KindClockIn),
	string(types.KindClockOut),
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// ValidateEvent validates a single attendance event and returns all errors.
// The index parameter prefixes field names for batch submissions; pass -1 for
// single submissions.
func ValidateEvent(index int, e types.AttendanceEvent) []ValidationError {
	c := &Collector{}
	prefix := ""
	if index >= 0 {
		prefix = fmt.Sprintf("records[%d].", index)
	}

	c.Add(ValidateRequired(prefix+"employee_id", e.EmployeeID))
	c.Add(ValidateMaxLength(prefix+"employee_id", e.EmployeeID, MaxIdentifierLength))
	c.Add(ValidateUTF8(prefix+"employee_id", e.EmployeeID))
	c.Add(ValidateNoNullBytes(prefix+"employee_id", e.EmployeeID))
	if strings.Contains(e.EmployeeID, "\x1f") {
		c.Add(&ValidationError{Field: prefix + "employee_id", Message: "must not contain the ASCII unit separator"})
	}

	if e.Timestamp.IsZero() {
		c.Add(&ValidationError{Field: prefix + "timestamp", Message: "is required"})
	}

	c.Add(ValidateRequired(prefix+"kind", string(e.Kind)))
	c.Add(ValidateEnum(prefix+"kind", string(e.Kind), ValidEventKinds))

	if e.DeviceID != "" {
		c.Add(ValidateMaxLength(prefix+"device_id", e.DeviceID, MaxIdentifierLength))
		if strings.Contains(e.DeviceID, "\x1f") {
			c.Add(&ValidationError{Field: prefix + "device_id", Message: "must not contain the ASCII unit separator"})
		}
	}
	if e.SiteID != "" {
		c.Add(ValidateMaxLength(prefix+"site_id", e.SiteID, MaxIdentifierLength))
	}
	if e.ClientRecordID != "" {
		c.Add(ValidateMaxLength(prefix+"client_record_id", e.ClientRecordID, MaxIdentifierLength))
		c.Add(ValidateNoNullBytes(prefix+"client_record_id", e.ClientRecordID))
	}

	if e.Latitude != nil {
		c.Add(ValidateRange(prefix+"latitude", *e.Latitude, -90.0, 90.0))
	}
	if e.Longitude != nil {
		c.Add(ValidateRange(prefix+"longitude", *e.Longitude, -180.0, 180.0))
	}

	return c.Errors()
}

// ValidateBatchRequest validates request-level fields (not individual records).
func ValidateBatchRequest(req types.BatchRequest) []ValidationError {
	c := &Collector{}
	if len(req.Records) == 0 {
		c.Add(&ValidationError{Field: "records", Message: "is required and must not be empty"})
	} else if len(req.Records) > MaxBatchSize {
		c.Add(&ValidationError{Field: "records", Message: fmt.Sprintf("exceeds maximum batch size of %d", MaxBatchSize)})
	}
	if req.BatchID != "" {
		c.Add(ValidateMaxLength("batch_id", req.BatchID, MaxIdentifierLength))
	}
	return c.Errors()
}
