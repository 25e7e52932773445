package sails

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const validationErrorCode = "E_VALIDATION"

type AttributeRuleViolation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// server-side validation failure for a create or update,
// decoded from the blueprint error body
type ValidationError struct {
	Code              string                              `json:"code"`
	InvalidAttributes map[string][]AttributeRuleViolation `json:"invalidAttributes"`
}

func (self *ValidationError) Error() string {
	parts := []string{}
	for attribute, violations := range self.InvalidAttributes {
		for _, violation := range violations {
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", attribute, violation.Message, violation.Rule))
		}
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(parts, "; "))
}

func IsValidation(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (self *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", self.StatusCode, self.Body)
}

// wraps an error response body into the validation error type when the
// payload matches the known shape, otherwise a generic status error
func parseApiError(statusCode int, body []byte) error {
	validationError := &ValidationError{}
	if err := json.Unmarshal(body, validationError); err == nil {
		if validationError.Code == validationErrorCode && 0 < len(validationError.InvalidAttributes) {
			return validationError
		}
	}
	return &StatusError{
		StatusCode: statusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

func isCsrfRejection(statusCode int, body []byte) bool {
	if statusCode != 403 {
		return false
	}
	return strings.Contains(strings.ToLower(string(body)), "csrf")
}
