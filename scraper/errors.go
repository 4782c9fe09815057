package scraper

import (
	"errors"
	"fmt"
)

// FetchError indicates the upstream page could not be retrieved:
// a transport failure or a non-2xx response.
type FetchError struct {
	Err        error
	URL        string
	StatusCode int // 0 for transport failures
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NotFoundError indicates the current-edition marker or its link is missing from the index page.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.What
}

// TableNotFoundError indicates no table introduced by the employment marker exists on the page.
type TableNotFoundError struct {
	Marker string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("could not find the table marked %q in the bulletin page", e.Marker)
}

// ParseError indicates fetched HTML, or a link in it, could not be interpreted.
type ParseError struct {
	Err  error
	What string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsFetchError checks if an error is an upstream fetch failure.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsStructureError checks if an error means the expected page structure was absent.
func IsStructureError(err error) bool {
	var nf *NotFoundError
	var tnf *TableNotFoundError
	var pe *ParseError
	return errors.As(err, &nf) || errors.As(err, &tnf) || errors.As(err, &pe)
}
