package domain

import "github.com/pkg/errors"

// ErrInvalidEvent marks an unparseable or incomplete payload. The event is dropped.
var ErrInvalidEvent = errors.New("invalid event")
