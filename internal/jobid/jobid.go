// Package jobid generates and checks the tokens that name conversion jobs.
// A job id doubles as the artifact's file name, so anything that is not a
// bare token is rejected before it gets near the filesystem.
package jobid

import (
	"errors"

	"github.com/google/uuid"
)

// MaxLen bounds accepted ids. Generated ids are 36 characters.
const MaxLen = 64

// ErrInvalid is returned by Validate for ids that are not bare tokens.
var ErrInvalid = errors.New("invalid job id")

// Generator hands out job ids.
type Generator interface {
	New() string
}

// UUID generates random (version 4) UUIDs.
type UUID struct{}

func (UUID) New() string { return uuid.NewString() }

// Validate accepts only ASCII letters, digits, '-' and '_'. That excludes
// path separators, dots and therefore "." and ".." segments.
func Validate(id string) error {
	if id == "" || len(id) > MaxLen {
		return ErrInvalid
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return ErrInvalid
		}
	}
	return nil
}
