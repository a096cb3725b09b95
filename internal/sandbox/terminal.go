package sandbox

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// Terminalize rewrites line endings to CRLF, which is what terminal
// clients on the other side of the gateway render correctly.
func Terminalize(line string) string {
	line = strings.ReplaceAll(line, "\r\n", "\n")
	return strings.ReplaceAll(line, "\n", "\r\n")
}

type lineStream struct {
	reader *bufio.Reader
	closer io.Closer

	closeOnce sync.Once
	closeErr  error
}

// NewLineStream splits rc into terminalized lines. A trailing fragment
// without a newline is returned as its own chunk before io.EOF.
func NewLineStream(rc io.ReadCloser) LogStream {
	return &lineStream{reader: bufio.NewReader(rc), closer: rc}
}

func (s *lineStream) Next() (string, error) {
	line, err := s.reader.ReadString('\n')
	if line != "" {
		return Terminalize(line), nil
	}
	return "", err
}

func (s *lineStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closer.Close()
	})
	return s.closeErr
}
