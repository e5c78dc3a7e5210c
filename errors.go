package bridge

import (
	"errors"
	"fmt"
)

// ErrServiceUnavailable is reported by [DBusManager.CallMethod] when
// the target service has no owner on the bus. Callers can match it
// with [errors.Is].
var ErrServiceUnavailable = errors.New("service not available")

// ServiceError is the error returned when a method call is gated
// because its destination is absent from the bus.
type ServiceError struct {
	// Service is the well-known name that has no current owner.
	Service string
}

func (e ServiceError) Error() string {
	return fmt.Sprintf("service %s not available", e.Service)
}

func (e ServiceError) Unwrap() error { return ErrServiceUnavailable }

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	// Field is a dotted path to the offending field, e.g.
	// "mappings.dbus_to_mqtt[2].topic".
	Field string
	// Message explains what is wrong with the value.
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}
