package dnssd

import "github.com/pkg/errors"

var (
	ErrInvalidInstance       = errors.New("invalid instance")
	ErrInvalidServiceType    = errors.New("invalid service type")
	ErrNoAddresses           = errors.New("no addresses to advertise")
	ErrDuplicateRegistration = errors.New("instance already registered")
	ErrNotPublished          = errors.New("instance not published")
	ErrNotRegistered         = errors.New("instance not registered")
	ErrHostNameUnavailable   = errors.New("host name could not be claimed")
	ErrClosed                = errors.New("publisher closed")
)
