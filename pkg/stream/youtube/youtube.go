// Package youtube provides a reader element streaming the audio track of a
// YouTube video.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/kkdai/youtube/v2"
	"github.com/latoulicious/audiograph/pkg/element"
	"github.com/latoulicious/audiograph/pkg/event"
	"github.com/latoulicious/audiograph/pkg/logging"
)

// DefaultMimeType selects AAC in MP4, the audio-only format every video
// carries.
const DefaultMimeType = "audio/mp4"

// ErrNoAudio is returned when a video has no audio-only format of the
// requested type.
var ErrNoAudio = errors.New("no matching audio format")

// Client resolves videos and opens their streams. *youtube.Client implements
// it.
type Client interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

// Option customizes the reader.
type Option func(*reader)

// WithClient replaces the default client.
func WithClient(c Client) Option {
	return func(r *reader) { r.client = c }
}

// WithMimeType selects the audio container, e.g. "audio/webm".
func WithMimeType(mime string) Option {
	return func(r *reader) { r.mime = mime }
}

type reader struct {
	client Client
	mime   string
	body   io.ReadCloser
	title  string
}

// NewReader creates a reader element. The element URI is a video URL or id.
func NewReader(cfg element.Config, opts ...Option) (*element.Element, error) {
	r := &reader{client: &youtube.Client{}, mime: DefaultMimeType}
	for _, opt := range opts {
		opt(r)
	}
	cfg.Type = element.TypeReader
	return element.New(cfg, r)
}

// SetURI rejects URIs that do not name a video.
func (r *reader) SetURI(_ *element.Element, uri string) error {
	_, err := youtube.ExtractVideoID(uri)
	return err
}

// Title returns the title of the video el last opened.
func Title(el *element.Element) string {
	if r, ok := el.Processor().(*reader); ok {
		return r.title
	}
	return ""
}

func (r *reader) Open(ctx context.Context, el *element.Element) error {
	info := el.Info()
	if info.URI == "" {
		return errors.New("youtube reader has no uri")
	}
	video, err := r.client.GetVideoContext(ctx, info.URI)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", info.URI, err)
	}
	format, err := pickFormat(video.Formats, r.mime)
	if err != nil {
		return fmt.Errorf("video %s: %w", video.ID, err)
	}
	body, size, err := r.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return fmt.Errorf("failed to open stream of %s: %w", video.ID, err)
	}
	if info.BytePos > 0 {
		if _, err := io.CopyN(io.Discard, body, info.BytePos); err != nil {
			body.Close()
			return fmt.Errorf("failed to skip to %d: %w", info.BytePos, err)
		}
	}
	r.body = body
	r.title = video.Title

	rate, _ := strconv.Atoi(format.AudioSampleRate)
	info = el.Info()
	info.SampleRate = rate
	info.Channels = format.AudioChannels
	info.Bitrate = format.Bitrate
	info.Codec = codecOf(format.MimeType)
	info.TotalBytes = size
	info.Duration = video.Duration
	el.SetInfo(info)

	el.Logger().Info("Streaming YouTube audio",
		logging.String("video_id", video.ID),
		logging.String("title", video.Title),
		logging.String("author", video.Author),
		logging.Int("itag", format.ItagNo),
		logging.Int64("size", size))
	if err := el.ReportInfo(); err != nil && !errors.Is(err, event.ErrDetached) {
		el.Logger().Warn("Failed to report music info", logging.Error(err))
	}
	return nil
}

func (r *reader) Process(_ context.Context, el *element.Element) error {
	buf := el.Buffer()
	n, err := r.body.Read(buf)
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
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}

// pickFormat returns the audio-only format of the given mime type with the
// highest bitrate.
func pickFormat(formats youtube.FormatList, mime string) (*youtube.Format, error) {
	var audio []youtube.Format
	for _, f := range formats.Type(mime).WithAudioChannels() {
		if strings.HasPrefix(f.MimeType, "audio/") {
			audio = append(audio, f)
		}
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAudio, mime)
	}
	best := slices.MaxFunc(audio, func(a, b youtube.Format) int {
		return a.Bitrate - b.Bitrate
	})
	return &best, nil
}

func codecOf(mime string) element.Codec {
	switch {
	case strings.Contains(mime, "mp4a"):
		return element.CodecAAC
	case strings.HasPrefix(mime, "audio/mpeg"):
		return element.CodecMP3
	default:
		return element.CodecUnknown
	}
}
