package device

import (
	"errors"
	"strings"
)

var (
	// ErrValueMissing means the response has no "val=" token.
	ErrValueMissing = errors.New("device: response has no val= token")
	// ErrValueMalformed means "val=" is present but nothing follows it.
	ErrValueMalformed = errors.New("device: val= token has no payload")
)

const valueToken = "val="

// ExtractValue returns the payload following "val=" in resp, up to the next
// whitespace.
func ExtractValue(resp string) (string, error) {
	_, after, found := strings.Cut(resp, valueToken)
	if !found {
		return "", ErrValueMissing
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return "", ErrValueMalformed
	}
	return fields[0], nil
}
