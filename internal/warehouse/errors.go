package warehouse

import (
	"errors"
	"fmt"
)

var (
	ErrPackageNotFound   = errors.New("warehouse: package not found")
	ErrDuplicatePackage  = errors.New("warehouse: duplicate package")
	ErrInvalidTransition = errors.New("warehouse: invalid transition")
)

// InvalidTransitionError carries the diagnostic detail for a rejected status
// change. It matches ErrInvalidTransition under errors.Is.
type InvalidTransitionError struct {
	PackageID string
	Current   Status
	Expected  Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf(
		"warehouse: invalid transition for %s: expected %s, got %s",
		e.PackageID, e.Expected, e.Current,
	)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
