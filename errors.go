package lockagent

import "errors"

var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrClosed           = errors.New("closed")
	ErrUnknownTimer     = errors.New("unknown timer")
	ErrEmptyPassword    = errors.New("empty password")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")
	ErrInvalidOption    = errors.New("invalid option")
	ErrNilCollaborator  = errors.New("nil collaborator")
	ErrUnknownDirective = errors.New("unknown directive")
)
