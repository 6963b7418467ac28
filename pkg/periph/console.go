package periph

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/latoulicious/audiograph/pkg/logging"
)

// LineButton clicks a Button for every line read from an input stream,
// typically os.Stdin.
type LineButton struct {
	*Button

	r    io.Reader
	once sync.Once
}

// NewLineButton creates a console button reading r.
func NewLineButton(id string, r io.Reader, logger logging.Logger) *LineButton {
	return &LineButton{Button: NewButton(id, 0, logger), r: r}
}

// Start begins reading lines. The reader goroutine runs until the stream ends;
// lines read while stopped are ignored.
func (l *LineButton) Start(ctx context.Context) error {
	if err := l.Button.Start(ctx); err != nil {
		return err
	}
	l.once.Do(func() { go l.scan() })
	return nil
}

func (l *LineButton) scan() {
	sc := bufio.NewScanner(l.r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if err := l.Click(); err != nil {
			if !errors.Is(err, ErrNotStarted) {
				l.Logger().Warn("Console click not delivered", logging.Error(err))
			}
			continue
		}
		l.Logger().Debug("Console input", logging.String("line", line))
	}
	if err := sc.Err(); err != nil {
		l.Logger().Warn("Console input failed", logging.Error(err))
	}
}
