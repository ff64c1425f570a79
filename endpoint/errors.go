package endpoint

import (
	"errors"
	"strings"
)

var (
	ErrNotRunning = errors.New("endpoint is not running")
	ErrPollerFull = errors.New("poller has reached its registration limit")
	ErrNoHandler  = errors.New("no handler configured")
	ErrBufferPool = errors.New("buffer pool returned an unexpected item")
)

type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}
