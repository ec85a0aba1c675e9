package throttleproxy

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// The request did not name a target.
	ErrInvalidRequest = errors.New("invalid request")
	// The target matched a blocked domain term.
	ErrDomainBlocked = errors.New("domain blocked")
	// The fetched body matched a blocked keyword.
	ErrContentBlocked = errors.New("content blocked")
	// The target could not be fetched.
	ErrUpstream = errors.New("upstream failure")
)

// RequestError is a terminal outcome of a proxy request.
// It carries the status code and the message sent to the caller.
type RequestError struct {
	Status  int
	Message string
	// Rule is the blocked domain term or keyword for policy violations.
	Rule string
	kind error
	err  error
}

func (e *RequestError) Error() string {
	return e.Message
}

// Is matches the error against the sentinel errors of this package.
func (e *RequestError) Is(target error) bool {
	return target == e.kind
}

func (e *RequestError) Unwrap() error {
	return e.err
}

func invalidRequest() *RequestError {
	return &RequestError{
		Status:  http.StatusBadRequest,
		Message: "Please provide a URL using ?url=<target>",
		kind:    ErrInvalidRequest,
	}
}

func domainBlocked(domain string) *RequestError {
	return &RequestError{
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("Access to %s is blocked by the proxy.", domain),
		Rule:    domain,
		kind:    ErrDomainBlocked,
	}
}

func contentBlocked(keyword string) *RequestError {
	return &RequestError{
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("Blocked due to filtered content: '%s'", keyword),
		Rule:    keyword,
		kind:    ErrContentBlocked,
	}
}

func upstreamFailure(target string, err error) *RequestError {
	return &RequestError{
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("Error fetching %s: %s", target, err),
		kind:    ErrUpstream,
		err:     err,
	}
}
