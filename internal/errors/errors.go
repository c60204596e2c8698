// Package errors provides the error kinds shared by the chat session manager and the conversation view.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per error kind.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTransport       = errors.New("transport failure")
	ErrBusy            = errors.New("a reply is still streaming")
)

// ConfigurationError represents a missing or invalid credential or provider setting. It is terminal for
// the lifetime of the session.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Message == "" {
		return "configuration error: API key is not set"
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Is allows comparison with ErrConfiguration
func (e *ConfigurationError) Is(target error) bool {
	if target == ErrConfiguration {
		return true
	}
	_, ok := target.(*ConfigurationError)
	return ok
}

// NewConfigurationError creates a new ConfigurationError
func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{Message: message}
}

// InvalidArgumentError represents a rejected call, such as an empty message or an absent session.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Message)
}

// Is allows comparison with ErrInvalidArgument
func (e *InvalidArgumentError) Is(target error) bool {
	if target == ErrInvalidArgument {
		return true
	}
	_, ok := target.(*InvalidArgumentError)
	return ok
}

// NewInvalidArgumentError creates a new InvalidArgumentError
func NewInvalidArgumentError(message string) *InvalidArgumentError {
	return &InvalidArgumentError{Message: message}
}

// TransportError represents a failed or interrupted call to the model service.
type TransportError struct {
	Provider   string
	StatusCode int
	// Quota is set when the provider rejected the call because a usage limit was reached.
	Quota bool
	Err   error
}

func (e *TransportError) Error() string {
	var prefix string
	switch {
	case e.Quota:
		prefix = fmt.Sprintf("%s quota exceeded", e.Provider)
	case e.StatusCode > 0:
		prefix = fmt.Sprintf("%s request failed [%d]", e.Provider, e.StatusCode)
	default:
		prefix = fmt.Sprintf("%s request failed", e.Provider)
	}
	if e.Err == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is allows comparison with ErrTransport
func (e *TransportError) Is(target error) bool {
	if target == ErrTransport {
		return true
	}
	_, ok := target.(*TransportError)
	return ok
}

// NewTransportError creates a new TransportError
func NewTransportError(provider string, statusCode int, err error) *TransportError {
	return &TransportError{
		Provider:   provider,
		StatusCode: statusCode,
		Quota:      statusCode == 429,
		Err:        err,
	}
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsTransport checks if the error is a transport failure
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// Describe returns the text shown to the user for err. Transport failures are described without the
// wrapped chain so provider internals stay out of the conversation.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.Quota {
			return "The model service rejected the request because a usage limit was reached. Please try again later."
		}
		if te.Err != nil {
			return te.Err.Error()
		}
	}
	return err.Error()
}
