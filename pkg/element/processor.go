package element

import (
	"context"
	"errors"

	"github.com/latoulicious/audiograph/pkg/event"
)

// Processor supplies the data behaviour of an element. The worker calls Open
// once, Process until it returns an error, then Close. Process moves one chunk
// of data through the element's ports; returning io.EOF finishes the element.
type Processor interface {
	Open(ctx context.Context, el *Element) error
	Process(ctx context.Context, el *Element) error
	Close(el *Element) error
}

// Destroyer is implemented by processors holding resources released by
// Deinit.
type Destroyer interface {
	Destroy(el *Element) error
}

// URISetter is implemented by processors that react to SetURI.
type URISetter interface {
	SetURI(el *Element, uri string) error
}

// TransformFunc adapts a stateless byte transformation to a Processor.
type TransformFunc func(in []byte) ([]byte, error)

func (f TransformFunc) Open(context.Context, *Element) error { return nil }

func (f TransformFunc) Process(_ context.Context, el *Element) error {
	buf := el.Buffer()
	n, err := el.Input().Read(buf)
	if n > 0 {
		out, terr := f(buf[:n])
		if terr != nil {
			return WithCause(event.StatusErrorProcess, terr)
		}
		if len(out) > 0 {
			if _, werr := el.Output().Write(out); werr != nil {
				return werr
			}
		}
	}
	return err
}

func (f TransformFunc) Close(*Element) error { return nil }

// CauseError attaches the status reported on the event bus when an element
// fails.
type CauseError struct {
	Status event.Status
	Err    error
}

func (e *CauseError) Error() string {
	return e.Status.String() + ": " + e.Err.Error()
}

func (e *CauseError) Unwrap() error {
	return e.Err
}

// WithCause wraps err with status. A nil err stays nil.
func WithCause(status event.Status, err error) error {
	if err == nil {
		return nil
	}
	var ce *CauseError
	if errors.As(err, &ce) {
		return err
	}
	return &CauseError{Status: status, Err: err}
}

// CauseOf returns the status err was wrapped with, or StatusErrorProcess.
func CauseOf(err error) event.Status {
	var ce *CauseError
	if errors.As(err, &ce) {
		return ce.Status
	}
	return event.StatusErrorProcess
}
