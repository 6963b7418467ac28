package pipeline

import (
	"errors"

	"github.com/latoulicious/audiograph/pkg/element"
)

var (
	ErrDuplicateTag  = errors.New("tag already registered")
	ErrUnknownTag    = errors.New("tag not registered")
	ErrAlreadyLinked = errors.New("element already linked")
	ErrEmptyLink     = errors.New("empty link")
	ErrInvalidTag    = errors.New("invalid tag")

	// ErrInvalidState is shared with the element package so callers can match
	// either layer with one sentinel.
	ErrInvalidState = element.ErrInvalidState
)
