package domain

import "errors"

var (
	// ErrNotFoundOrganization is returned when a request carries an empty or
	// unknown organization scope.
	ErrNotFoundOrganization = errors.New("organization not found")

	ErrNotFoundRecord    = errors.New("record not found")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrUnknownOperation  = errors.New("unknown operation")
)
