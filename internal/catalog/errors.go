package catalog

import "errors"

var (
	// ErrDuplicateStatus is returned when registering a status code that
	// already exists.
	ErrDuplicateStatus = errors.New("duplicate status")

	// ErrNotFound is returned for unknown status codes or categories.
	ErrNotFound = errors.New("not found")

	// ErrOrphanStatus is returned by Table.Validate when a registered status
	// is not the target of any rule, making it unreachable.
	ErrOrphanStatus = errors.New("orphan status")
)
