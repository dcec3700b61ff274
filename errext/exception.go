// Package errext contains extensions for Go errors used across k6web: exit
// codes, hints and script exceptions.
package errext

// Exception is an error thrown by a script, with the stack trace that led
// to it.
type Exception interface {
	error
	StackTrace() string
}
