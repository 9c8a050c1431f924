package pool

import "errors"

// Sentinel errors surfaced at the allocator boundary. Every allocator and
// index failure is one of these, optionally wrapped with
// github.com/pkg/errors.WithStack; callers should compare with errors.Is.
// The "already freed" error of a box's second Free and the report returned
// by Validate are not among them.
var (
	ErrNoSuchRegion         = errors.New("pool: no such region")
	ErrNoIndexAvailable     = errors.New("pool: no index slot available")
	ErrNoFittingRegion      = errors.New("pool: no region fits the request")
	ErrOutOfMemory          = errors.New("pool: address lies in no region")
	ErrRegionTooThin        = errors.New("pool: region too thin to split")
	ErrEmptyPtr             = errors.New("pool: pointer-to-reference conversion produced null")
	ErrIndexAlreadyBorrowed = errors.New("pool: index already borrowed")
)
