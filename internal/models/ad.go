package models

import (
	"fmt"
	"strconv"
)

// ValueKind identifies the type carried by an attribute value
type ValueKind int

const (
	KindUndefined ValueKind = iota
	KindString
	KindInteger
	KindReal
	KindBoolean
	KindExpression
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindBoolean:
		return "boolean"
	case KindExpression:
		return "expression"
	default:
		return "undefined"
	}
}

// Value is a typed attribute value. Expressions keep their source text.
type Value struct {
	Kind ValueKind
	Str  string
	Int  int64
	Real float64
	Bool bool
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func IntegerValue(i int64) Value { return Value{Kind: KindInteger, Int: i} }

func RealValue(f float64) Value { return Value{Kind: KindReal, Real: f} }

func BooleanValue(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

func ExpressionValue(e string) Value { return Value{Kind: KindExpression, Str: e} }

func UndefinedValue() Value { return Value{Kind: KindUndefined} }

// IsUndefined reports whether the value is the undefined literal
func (v Value) IsUndefined() bool { return v.Kind == KindUndefined }

// Interface returns the JSON-compatible form of the value.
// Undefined maps to nil, expressions to their text.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString, KindExpression:
		return v.Str
	case KindInteger:
		return v.Int
	case KindReal:
		return v.Real
	case KindBoolean:
		return v.Bool
	default:
		return nil
	}
}

// Float returns the numeric value as float64
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case KindInteger:
		return float64(v.Int), true
	case KindReal:
		return v.Real, true
	}
	return 0, false
}

// String renders the value in long-format syntax
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.Str)
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindReal:
		return strconv.FormatFloat(v.Real, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindExpression:
		return v.Str
	default:
		return "undefined"
	}
}

// Attribute is a single named value of an ad
type Attribute struct {
	Name  string
	Value Value
}

// Ad is an ordered set of attributes describing a job, machine or epoch record.
// Attribute names are case-sensitive. A missing attribute means unknown.
type Ad struct {
	attrs []Attribute
	index map[string]int
}

// NewAd builds an ad from attributes. A repeated name keeps its first position
// and takes the last value, matching how later assignments win in a record.
func NewAd(attrs ...Attribute) Ad {
	ad := Ad{index: make(map[string]int, len(attrs))}
	for _, a := range attrs {
		if i, ok := ad.index[a.Name]; ok {
			ad.attrs[i].Value = a.Value
			continue
		}
		ad.index[a.Name] = len(ad.attrs)
		ad.attrs = append(ad.attrs, a)
	}
	return ad
}

// Len returns the number of attributes
func (a Ad) Len() int {
	return len(a.attrs)
}

// Get looks up an attribute by exact name
func (a Ad) Get(name string) (Value, bool) {
	i, ok := a.index[name]
	if !ok {
		return Value{}, false
	}
	return a.attrs[i].Value, true
}

// GetString returns the attribute rendered as a plain string
func (a Ad) GetString(name string) (string, bool) {
	v, ok := a.Get(name)
	if !ok || v.IsUndefined() {
		return "", false
	}
	switch v.Kind {
	case KindString, KindExpression:
		return v.Str, true
	default:
		return fmt.Sprint(v.Interface()), true
	}
}

// Attributes returns a copy of the attributes in record order
func (a Ad) Attributes() []Attribute {
	out := make([]Attribute, len(a.attrs))
	copy(out, a.attrs)
	return out
}
