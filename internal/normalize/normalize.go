// Package normalize turns a request body into log records.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	// JSONContentType is the only content type that is parsed. The match is
	// exact: parameters such as "; charset=utf-8" make a body raw.
	JSONContentType = "application/json"

	// AnyContentType stands in for a missing Content-Type header.
	AnyContentType = "*/*"

	// UnknownPrefix marks records that hold a raw, unparsed body.
	UnknownPrefix = "UNKNOWN: "
)

// ErrInvalidUTF8 is wrapped by the *ParseError returned for a JSON body that
// is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("body is not valid UTF-8")

// ParseError is returned when a JSON body cannot be parsed.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid JSON body: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ContentType returns the first Content-Type value of h, or */* if there is
// none.
func ContentType(h http.Header) string {
	values := h.Values("Content-Type")
	if len(values) == 0 {
		return AnyContentType
	}
	return values[0]
}

// Normalize converts body into zero or more single-line records.
//
// A JSON array yields one compact record per element, any other JSON value
// yields one compact record. Bodies of other content types yield a single
// UNKNOWN record. A JSON body that does not parse, or is not valid UTF-8,
// yields no records and a *ParseError.
func Normalize(contentType string, body []byte) ([]string, error) {
	if contentType != JSONContentType {
		return []string{UnknownPrefix + strings.ToValidUTF8(string(body), "�")}, nil
	}

	// encoding/json passes invalid bytes inside strings through unchanged.
	if !utf8.Valid(body) {
		return nil, &ParseError{Err: ErrInvalidUTF8}
	}

	var value json.RawMessage
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, &ParseError{Err: err}
	}

	if !isArray(value) {
		record, err := compact(value)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		return []string{record}, nil
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(value, &elements); err != nil {
		return nil, &ParseError{Err: err}
	}

	records := make([]string, 0, len(elements))
	for _, element := range elements {
		record, err := compact(element)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		records = append(records, record)
	}
	return records, nil
}

func isArray(value json.RawMessage) bool {
	trimmed := bytes.TrimLeft(value, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func compact(value json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return "", err
	}
	return buf.String(), nil
}
