package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is returned when a backing store cannot grow any further, and by allocators
// that needed that growth to satisfy a request
var ErrOutOfMemory error = errors.New("out of memory")
