package agent

import (
	"fmt"

	"github.com/hostbridge-go/agent/code"
)

// Error is the concrete error type a Sync or Async handler may return to
// control both the reported error code and an optional free-text message
// recorded in the agent's logs (the wire reply carries only the code,
// matching §6's error object shape).
type Error struct {
	Code    code.Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.Error()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf returns an *Error with the given code and formatted message.
func Errorf(c code.Code, msg string, args ...any) *Error {
	return &Error{Code: c, Message: fmt.Sprintf(msg, args...)}
}
