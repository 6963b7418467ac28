// Package file provides reader and writer elements backed by local files.
//
// The element URI names the file, with or without a file:// prefix. A reader
// resumes from Info.BytePos, so an element paused by a pipeline switch and
// run again later continues where it stopped.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

const scheme = "file://"

// ErrNoURI is returned by Open when the element has no URI.
var ErrNoURI = errors.New("file element has no uri")

// Path strips the file:// scheme from uri.
func Path(uri string) string {
	return strings.TrimPrefix(uri, scheme)
}

// CodecOf guesses the codec from the file extension.
func CodecOf(uri string) element.Codec {
	switch strings.ToLower(filepath.Ext(Path(uri))) {
	case ".mp3":
		return element.CodecMP3
	case ".wav":
		return element.CodecWAV
	case ".aac", ".m4a":
		return element.CodecAAC
	case ".pcm", ".raw":
		return element.CodecPCM
	default:
		return element.CodecUnknown
	}
}

type reader struct {
	f *os.File
}

// NewReader creates a reader element streaming the file named by cfg.Info.URI
// or a later SetURI.
func NewReader(cfg element.Config) (*element.Element, error) {
	cfg.Type = element.TypeReader
	return element.New(cfg, &reader{})
}

func (r *reader) Open(_ context.Context, el *element.Element) error {
	info := el.Info()
	if info.URI == "" {
		return ErrNoURI
	}
	path := Path(info.URI)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.BytePos > 0 {
		if _, err := f.Seek(info.BytePos, io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("failed to seek %s to %d: %w", path, info.BytePos, err)
		}
	}
	r.f = f
	el.SetTotalBytes(st.Size())
	if info.Codec == element.CodecUnknown {
		el.SetCodec(CodecOf(info.URI))
	}
	el.Logger().Debug("Opened file",
		logging.String("path", path),
		logging.Int64("size", st.Size()),
		logging.Int64("offset", info.BytePos))
	return nil
}

func (r *reader) Process(_ context.Context, el *element.Element) error {
	buf := el.Buffer()
	n, err := r.f.Read(buf)
	if n > 0 {
		if _, werr := el.Output().Write(buf[:n]); werr != nil {
			return werr
		}
		el.UpdateBytePos(n)
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if err != nil {
		return element.WithCause(event.StatusErrorInput, err)
	}
	return nil
}

func (r *reader) Close(*element.Element) error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Destroy releases a file left open by a worker that never reached Close.
func (r *reader) Destroy(el *element.Element) error {
	return r.Close(el)
}

type writer struct {
	f *os.File
}

// NewWriter creates a writer element that stores its input in the file named
// by the element URI. Existing files are truncated.
func NewWriter(cfg element.Config) (*element.Element, error) {
	cfg.Type = element.TypeWriter
	return element.New(cfg, &writer{})
}

func (w *writer) Open(_ context.Context, el *element.Element) error {
	uri := el.URI()
	if uri == "" {
		return ErrNoURI
	}
	f, err := os.Create(Path(uri))
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

func (w *writer) Process(_ context.Context, el *element.Element) error {
	buf := el.Buffer()
	n, err := el.Input().Read(buf)
	if n > 0 {
		if _, werr := w.f.Write(buf[:n]); werr != nil {
			return element.WithCause(event.StatusErrorOutput, werr)
		}
		el.UpdateBytePos(n)
	}
	return err
}

func (w *writer) Close(*element.Element) error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *writer) Destroy(el *element.Element) error {
	return w.Close(el)
}
