package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type ValueKind int

const (
	KindAbsent ValueKind = iota
	KindText
	KindNumber
	KindBoolean
	KindAttachments
	KindJSON
)

func (k ValueKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindAttachments:
		return "attachments"
	case KindJSON:
		return "json"
	default:
		return "absent"
	}
}

// Attachment is one file in an attachment cell.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Type     string `json:"type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Value is a single cell. The zero Value is absent.
type Value struct {
	kind        ValueKind
	text        string
	number      float64
	boolean     bool
	attachments []Attachment
	raw         json.RawMessage
}

func Text(s string) Value    { return Value{kind: KindText, text: s} }
func Number(n float64) Value { return Value{kind: KindNumber, number: n} }
func Bool(b bool) Value      { return Value{kind: KindBoolean, boolean: b} }
func Absent() Value          { return Value{} }

func Attachments(items ...Attachment) Value {
	return Value{kind: KindAttachments, attachments: append([]Attachment(nil), items...)}
}

// JSON wraps an arbitrary nested JSON document. Invalid JSON yields an absent value.
func JSON(raw []byte) Value {
	if !json.Valid(raw) {
		return Value{}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Value{}
	}
	return Value{kind: KindJSON, raw: buf.Bytes()}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsAbsent() bool  { return v.kind == KindAbsent }

func (v Value) Text() (string, bool)     { return v.text, v.kind == KindText }
func (v Value) Number() (float64, bool)  { return v.number, v.kind == KindNumber }
func (v Value) Boolean() (bool, bool)    { return v.boolean, v.kind == KindBoolean }
func (v Value) Raw() (json.RawMessage, bool) {
	return append(json.RawMessage(nil), v.raw...), v.kind == KindJSON
}

func (v Value) Attachments() ([]Attachment, bool) {
	if v.kind != KindAttachments {
		return nil, false
	}
	return append([]Attachment(nil), v.attachments...), true
}

// FirstAttachmentURL returns the URL of the first attachment when the value is a
// non-empty attachment list whose first element has a URL.
func (v Value) FirstAttachmentURL() (string, bool) {
	if v.kind != KindAttachments || len(v.attachments) == 0 {
		return "", false
	}
	url := strings.TrimSpace(v.attachments[0].URL)
	return url, url != ""
}

// String renders the value the way it is substituted into prompts and exports.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.boolean)
	case KindAttachments:
		urls := make([]string, 0, len(v.attachments))
		for _, a := range v.attachments {
			urls = append(urls, a.URL)
		}
		return strings.Join(urls, ",")
	case KindJSON:
		return string(v.raw)
	default:
		return ""
	}
}

func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindAttachments:
		if len(v.attachments) != len(other.attachments) {
			return false
		}
		for i := range v.attachments {
			if v.attachments[i] != other.attachments[i] {
				return false
			}
		}
		return true
	case KindJSON:
		return bytes.Equal(v.raw, other.raw)
	default:
		return v.text == other.text && v.number == other.number && v.boolean == other.boolean
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindText:
		return json.Marshal(v.text)
	case KindNumber:
		return json.Marshal(v.number)
	case KindBoolean:
		return json.Marshal(v.boolean)
	case KindAttachments:
		return json.Marshal(v.attachments)
	case KindJSON:
		return append([]byte(nil), v.raw...), nil
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode text value: %w", err)
		}
		*v = Text(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("decode boolean value: %w", err)
		}
		*v = Bool(b)
	case '[':
		if items, ok := decodeAttachments(data); ok {
			*v = Attachments(items...)
			return nil
		}
		*v = JSON(data)
	case '{':
		*v = JSON(data)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decode number value: %w", err)
		}
		*v = Number(n)
	}
	return nil
}

// decodeAttachments accepts a non-empty array whose elements are all objects with
// a string url. An empty array is an empty attachment list.
func decodeAttachments(data []byte) ([]Attachment, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, false
	}
	out := make([]Attachment, 0, len(elems))
	for _, elem := range elems {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(elem, &probe); err != nil {
			return nil, false
		}
		rawURL, ok := probe["url"]
		if !ok {
			return nil, false
		}
		var url string
		if err := json.Unmarshal(rawURL, &url); err != nil {
			return nil, false
		}
		var a Attachment
		if err := json.Unmarshal(elem, &a); err != nil {
			return nil, false
		}
		out = append(out, a)
	}
	return out, true
}
