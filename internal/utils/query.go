// Package utils provides small, generic helpers for reading query string
// parameters. They are independent of the gateway's domain.
package utils

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidParam is returned when a non-empty parameter cannot be parsed.
var ErrInvalidParam = errors.New("invalid parameter value")

// ParseBool reads a boolean parameter. An empty value yields def; anything
// strconv.ParseBool rejects yields ErrInvalidParam.
func ParseBool(s string, def bool) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def, ErrInvalidParam
	}
	return b, nil
}

// ParseLimit reads a positive integer parameter. An empty value yields def.
// Zero, negatives and non-numbers yield ErrInvalidParam.
func ParseLimit(s string, def int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def, ErrInvalidParam
	}
	return n, nil
}
