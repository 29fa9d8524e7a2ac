package errs

// Common, reused error values. Components add their own narrower ones
// near the code that raises them; this file holds only the handful
// referenced from more than one package.
var (
	ErrNotFound  = New(KindValidation, "common.not_found", "resource not found")
	ErrCorrupted = New(KindCorruption, "common.corrupted", "content hash mismatch")
	ErrClosed    = New(KindOS, "common.closed", "component is closed")
)
