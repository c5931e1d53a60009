package sandbox

import "errors"

// ErrSandboxMissing is returned when the driver has no record of a
// sandbox handle anymore -- it was removed externally. The scheduler
// treats this as a SupervisionError, distinct from a non-zero exit.
var ErrSandboxMissing = errors.New("sandbox: handle not found")
