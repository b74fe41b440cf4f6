package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// Size limits (in bytes)
const (
	MaxJSONSize    = 1 * 1024 * 1024 // request bodies
	MaxParamsSize  = 64 * 1024       // diagnostic stage parameters
	MaxMessageSize = 16 * 1024       // event message text
	MaxParamsDepth = 16
)

// MaxNameLength bounds stage names.
const MaxNameLength = 64

// StageNamePattern allows lowercase identifiers.
var StageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// JSONSizeValidator validates JSON size limits
type JSONSizeValidator struct {
	maxSize int
}

// NewJSONSizeValidator creates a new validator with the specified max size
func NewJSONSizeValidator(maxSize int) *JSONSizeValidator {
	return &JSONSizeValidator{maxSize: maxSize}
}

// ValidateSize checks if the data size is within limits
func (v *JSONSizeValidator) ValidateSize(data []byte) error {
	if size := len(data); size > v.maxSize {
		return fmt.Errorf("JSON size %d bytes exceeds maximum %d bytes", size, v.maxSize)
	}
	return nil
}

// ValidateJSONDepth checks if JSON nesting depth is within limits
func ValidateJSONDepth(data interface{}, maxDepth int) error {
	return checkDepth(data, 0, maxDepth)
}

func checkDepth(data interface{}, currentDepth int, maxDepth int) error {
	if currentDepth > maxDepth {
		return fmt.Errorf("JSON nesting depth %d exceeds maximum %d", currentDepth, maxDepth)
	}

	switch v := data.(type) {
	case map[string]interface{}:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	}

	return nil
}

// ValidateParams checks diagnostic stage parameters for size and depth.
func ValidateParams(params map[string]interface{}) error {
	if params == nil {
		return nil
	}
	data, err := sonic.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := NewJSONSizeValidator(MaxParamsSize).ValidateSize(data); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if err := ValidateJSONDepth(map[string]interface{}(params), MaxParamsDepth); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if value == "" {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateStageName validates a stage name from a URL or definition file.
func ValidateStageName(name string) error {
	if err := ValidateString(name, "stage", 1, MaxNameLength, true); err != nil {
		return err
	}
	if !StageNamePattern.MatchString(name) {
		return fmt.Errorf("stage %q must be a lowercase identifier", name)
	}
	return nil
}

// TruncateMessage bounds free-text event messages.
func TruncateMessage(message string) string {
	if len(message) <= MaxMessageSize {
		return message
	}
	cut := MaxMessageSize
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + "…"
}
