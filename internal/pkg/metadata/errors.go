package metadata

import "errors"

// Error kinds every other package surfaces. The POSIX adapter in
// internal/app/beholdfs maps these to syscall errno values.
var (
	ErrMalformedPath = errors.New("beholdfs: malformed path")
	ErrNotFound      = errors.New("beholdfs: not found")
	ErrHidden        = errors.New("beholdfs: hidden by filter")
	ErrExists        = errors.New("beholdfs: already exists")
	ErrIO            = errors.New("beholdfs: metadata i/o error")
	ErrVersionTooNew = errors.New("beholdfs: metadata version too new")
	ErrInternal      = errors.New("beholdfs: internal invariant violated")
)
