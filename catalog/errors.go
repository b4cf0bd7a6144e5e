package catalog

import "errors"

// ErrNotFound is returned when a user, project, or extraction is absent.
// Pipeline stages treat it as fatal for the job: there is nothing to
// retry against.
var ErrNotFound = errors.New("catalog: not found")
