// Package validation holds small input-validation helpers used by the
// cluster's configuration loading.
package validation

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrInvalidAddr = errors.New("invalid peer address")
	ErrEmptyString = errors.New("value must not be empty")
	ErrOutOfRange  = errors.New("value out of range")
)

// ValidateAddr checks that addr resolves as a UDP endpoint, since the
// cluster transport is a datagram channel, not TCP.
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}
