package classad

import (
	"bufio"
	"io"
	"strings"
)

// BannerPrefix starts the marker line that terminates a record in history
// files, e.g. "*** ProcId = 0 ClusterId = 12 CompletionDate = 1700000000".
const BannerPrefix = "***"

const maxLineSize = 4 * 1024 * 1024

// Scanner splits a stream of long-format records. A record ends at a banner
// line, a blank line or the end of the stream. Empty records are skipped.
type Scanner struct {
	sc      *bufio.Scanner
	record  strings.Builder
	current string
	err     error
}

// NewScanner returns a record scanner over r
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Scanner{sc: sc}
}

// Scan advances to the next record
func (s *Scanner) Scan() bool {
	s.record.Reset()
	lines := 0
	for s.sc.Scan() {
		line := s.sc.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, BannerPrefix) || trimmed == "" {
			if lines == 0 {
				continue
			}
			s.current = s.record.String()
			return true
		}
		s.record.WriteString(line)
		s.record.WriteByte('\n')
		lines++
	}
	if err := s.sc.Err(); err != nil {
		s.err = err
		return false
	}
	if lines > 0 {
		s.current = s.record.String()
		return true
	}
	return false
}

// Text returns the body of the current record
func (s *Scanner) Text() string {
	return s.current
}

// Err returns the first I/O error encountered
func (s *Scanner) Err() error {
	return s.err
}

// SplitRecords reads every record from r
func SplitRecords(r io.Reader) ([]string, error) {
	s := NewScanner(r)
	var records []string
	for s.Scan() {
		records = append(records, s.Text())
	}
	return records, s.Err()
}
