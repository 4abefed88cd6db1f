package classad

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/adstash/internal/models"
)

// UnmarshalJSON decodes a JSON object into an ad, keeping attribute order.
// Strings of the form "/Expr(...)/" become expressions, null becomes
// undefined and nested objects or arrays are kept as expression text.
func UnmarshalJSON(data []byte) (models.Ad, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return models.Ad{}, fmt.Errorf("read ad object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return models.Ad{}, fmt.Errorf("ad must be a JSON object")
	}

	var attrs []models.Attribute
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return models.Ad{}, fmt.Errorf("read attribute name: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return models.Ad{}, fmt.Errorf("unexpected token %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return models.Ad{}, fmt.Errorf("read attribute %s: %w", name, err)
		}
		value, err := jsonValue(raw)
		if err != nil {
			return models.Ad{}, fmt.Errorf("attribute %s: %w", name, err)
		}
		attrs = append(attrs, models.Attribute{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return models.Ad{}, fmt.Errorf("read ad object end: %w", err)
	}
	if len(attrs) == 0 {
		return models.Ad{}, ErrEmptyRecord
	}
	return models.NewAd(attrs...), nil
}

func jsonValue(raw json.RawMessage) (models.Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return models.Value{}, fmt.Errorf("empty value")
	}
	switch trimmed[0] {
	case 'n':
		return models.UndefinedValue(), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return models.Value{}, err
		}
		return models.BooleanValue(b), nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return models.Value{}, err
		}
		if strings.HasPrefix(s, "/Expr(") && strings.HasSuffix(s, ")/") {
			return models.ExpressionValue(s[len("/Expr(") : len(s)-len(")/")]), nil
		}
		return models.StringValue(s), nil
	case '{', '[':
		return models.ExpressionValue(string(trimmed)), nil
	default:
		return ParseValue(string(trimmed))
	}
}
