package object

import "fmt"

// Tag is an annotated tag: a named, optionally signed pointer at
// another object.
type Tag struct {
	Object     Hash
	ObjectKind Kind
	Name       string

	// Tagger may be zero; very old tags carry no tagger header.
	Tagger Signature

	Message string
}

// Kind implements Object.
func (t *Tag) Kind() Kind { return KindTag }

// Encode implements Object.
func (t *Tag) Encode() ([]byte, error) {
	if t.Object.IsZero() {
		return nil, fmt.Errorf("%w: tag has no object", ErrDecode)
	}
	if !t.ObjectKind.Valid() {
		return nil, fmt.Errorf("%w: tag has invalid object kind", ErrDecode)
	}
	if t.Name == "" {
		return nil, fmt.Errorf("%w: tag has no name", ErrDecode)
	}
	out := "object " + t.Object.String() + "\n" +
		"type " + t.ObjectKind.String() + "\n" +
		"tag " + t.Name + "\n"
	if !t.Tagger.IsZero() {
		out += "tagger " + t.Tagger.encode() + "\n"
	}
	out += "\n" + t.Message
	return []byte(out), nil
}

// DecodeTag parses a canonical tag payload.
func DecodeTag(payload []byte) (*Tag, error) {
	headers, message, err := splitHeaders(payload)
	if err != nil {
		return nil, err
	}
	t := &Tag{Message: message}
	for _, h := range headers {
		switch h.Key {
		case "object":
			t.Object, err = ParseHash(h.Value)
		case "type":
			t.ObjectKind, err = ParseKind(h.Value)
		case "tag":
			t.Name = h.Value
		case "tagger":
			t.Tagger, err = parseSignature([]byte(h.Value))
		default:
			// Tags may carry trailing signature headers; tolerated
			// but not modeled separately.
		}
		if err != nil {
			return nil, fmt.Errorf("tag %s header: %w", h.Key, err)
		}
	}
	if t.Object.IsZero() || !t.ObjectKind.Valid() || t.Name == "" {
		return nil, fmt.Errorf("%w: tag missing object, type, or tag header", ErrDecode)
	}
	return t, nil
}
