package app

import "errors"

var (
	// ErrInvalidCredentials deliberately covers both unknown email and wrong
	// password so responses cannot be used for account enumeration.
	ErrInvalidCredentials = errors.New("incorrect email address or password")

	ErrNameTaken        = errors.New("display name already in use")
	ErrEmailTaken       = errors.New("email already registered")
	ErrInvalidName      = errors.New("display name must be 3-25 characters")
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrWeakPassword     = errors.New("password must be at least 6 characters")
	ErrPasswordMismatch = errors.New("password confirmation does not match")

	ErrMissingRequiredField = errors.New("title and author are required")
	ErrUnsupportedFileType  = errors.New("unsupported cover file type")

	ErrInvalidDate      = errors.New("date must be formatted YYYY-MM-DD")
	ErrStartDateMissing = errors.New("start date is required")
	ErrInvalidDateRange = errors.New("end date must not precede start date")

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("access denied")
)
