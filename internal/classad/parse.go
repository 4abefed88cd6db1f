// Package classad parses ad records in the long text format and in the JSON
// form served by the HTCondor REST daemon.
package classad

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/adstash/internal/models"
)

// ErrEmptyRecord is returned when a record contains no attributes
var ErrEmptyRecord = errors.New("record has no attributes")

// SyntaxError reports a malformed line in a long-format record
type SyntaxError struct {
	Line int
	Text string
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// Parse parses one long-format record: one "Name = value" assignment per line.
// Blank lines, comments and "***" banner lines are ignored.
func Parse(text string) (models.Ad, error) {
	var attrs []models.Attribute
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, BannerPrefix) {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			return models.Ad{}, &SyntaxError{Line: i + 1, Text: line, Msg: "missing assignment"}
		}
		name := strings.TrimSpace(line[:eq])
		if !validName(name) {
			return models.Ad{}, &SyntaxError{Line: i + 1, Text: line, Msg: "invalid attribute name"}
		}
		value, err := ParseValue(strings.TrimSpace(line[eq+1:]))
		if err != nil {
			return models.Ad{}, &SyntaxError{Line: i + 1, Text: line, Msg: err.Error()}
		}
		attrs = append(attrs, models.Attribute{Name: name, Value: value})
	}
	if len(attrs) == 0 {
		return models.Ad{}, ErrEmptyRecord
	}
	return models.NewAd(attrs...), nil
}

// ParseValue classifies a literal. Anything that is not a plain literal is
// kept as an expression.
func ParseValue(s string) (models.Value, error) {
	if s == "" {
		return models.Value{}, errors.New("empty value")
	}

	switch strings.ToLower(s) {
	case "true":
		return models.BooleanValue(true), nil
	case "false":
		return models.BooleanValue(false), nil
	case "undefined":
		return models.UndefinedValue(), nil
	}

	if s[0] == '"' {
		if str, ok := unquote(s); ok {
			return models.StringValue(str), nil
		}
		return models.ExpressionValue(s), nil
	}

	if looksNumeric(s) {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return models.IntegerValue(i), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return models.RealValue(f), nil
		}
	}

	return models.ExpressionValue(s), nil
}

// unquote decodes a string literal that spans the whole value
func unquote(s string) (string, bool) {
	if len(s) < 2 || s[0] != '"' {
		return "", false
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return "", false
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
		case '"':
			// closing quote must end the value
			if i != len(s)-1 {
				return "", false
			}
			return b.String(), true
		default:
			b.WriteByte(c)
		}
	}
	return "", false
}

func looksNumeric(s string) bool {
	c := s[0]
	if c == '-' || c == '+' {
		if len(s) == 1 {
			return false
		}
		c = s[1]
	}
	return (c >= '0' && c <= '9') || c == '.'
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && ((r >= '0' && r <= '9') || r == '.'):
		default:
			return false
		}
	}
	return true
}
