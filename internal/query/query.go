// Package query extracts the command token from an ajax query string.
package query

import (
	"errors"
	"strings"
)

// MaxTokenLength is the longest accepted token, in bytes.
const MaxTokenLength = 100

var ErrQueryTooLong = errors.New("query token too long")

// Parse returns the command token carried by a raw (undecoded) query string.
// The token ends at the first '&'; anything after it is ignored. An empty
// string is a valid, if unknown, token.
func Parse(raw string) (string, error) {
	token := raw
	if i := strings.IndexByte(raw, '&'); i >= 0 {
		token = raw[:i]
	}
	if len(token) > MaxTokenLength {
		return "", ErrQueryTooLong
	}
	return token, nil
}
