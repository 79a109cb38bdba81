package wire

import "errors"

var errInvalidFrame = errors.New("wire: not a chunk frame")

// ErrMalformed is returned when a datagram fails both chunk-envelope and
// raw-envelope parsing (Malformed error kind).
var ErrMalformed = errors.New("wire: malformed datagram")
