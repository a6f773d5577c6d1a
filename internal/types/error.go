package types

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is the sentinel matched by errors.Is for any
// permission failure. It is the only error class the runtime surfaces to
// external callers; everything else is absorbed or returned as a
// structured result.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionError carries the full denial context.
type PermissionError struct {
	User   string
	Role   string
	Target string
	Op     string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: op=%s target=%s user=%s role=%s",
		e.Op, e.Target, e.User, e.Role)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// ScriptError reports a failed user-script fragment. Fragment is the
// zero-based index in the composed chain; Output holds whatever the
// script printed before failing.
type ScriptError struct {
	Method   string
	Fragment int
	Output   string
	Err      error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("method %s fragment %d: %v", e.Method, e.Fragment, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }
