package mdns

import "github.com/pkg/errors"

var (
	ErrInsufficientBuffer    = errors.New("message does not fit in the send buffer")
	ErrMalformedMessage      = errors.New("malformed mDNS message")
	ErrInvalidDomainName     = errors.New("invalid domain name")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrProbeInProgress       = errors.New("a probe for this name is already in progress")
	ErrProbeNotFound         = errors.New("no probe in progress for this name")
	ErrProbeAttemptsExceeded = errors.New("too many conflicts while probing")
	ErrNameNotClaimed        = errors.New("name has not been claimed by probing")
	ErrDuplicateRecord       = errors.New("record already registered")
	ErrRecordNotFound        = errors.New("record not registered")
	ErrRecordMismatch        = errors.New("records differ in name, type or class")
	ErrQueryNotFound         = errors.New("no such query")
	ErrClosed                = errors.New("service closed")
)
