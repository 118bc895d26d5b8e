package object

import (
	"bytes"
	"fmt"
	"strings"
)

// Header is a commit header that this package does not interpret, such
// as gpgsig or mergetag. Continuation lines are stored joined by "\n"
// without the leading space; encoding restores it.
type Header struct {
	Key   string
	Value string
}

// Commit points at a tree and zero or more parent commits.
type Commit struct {
	Tree      Hash
	Parents   []Hash
	Author    Signature
	Committer Signature

	// Extra carries uninterpreted headers in their original order so
	// the encoding round-trips byte-for-byte.
	Extra []Header

	Message string
}

// Kind implements Object.
func (c *Commit) Kind() Kind { return KindCommit }

// Encode implements Object. The canonical layout is:
//
//	tree <hex>
//	parent <hex>        (one line per parent)
//	author <signature>
//	committer <signature>
//	<extra headers>
//
//	<message>
func (c *Commit) Encode() ([]byte, error) {
	if c.Tree.IsZero() {
		return nil, fmt.Errorf("%w: commit has no tree", ErrDecode)
	}
	var buf bytes.Buffer
	buf.WriteString("tree ")
	buf.WriteString(c.Tree.String())
	buf.WriteByte('\n')
	for _, p := range c.Parents {
		buf.WriteString("parent ")
		buf.WriteString(p.String())
		buf.WriteByte('\n')
	}
	buf.WriteString("author ")
	buf.WriteString(c.Author.encode())
	buf.WriteByte('\n')
	buf.WriteString("committer ")
	buf.WriteString(c.Committer.encode())
	buf.WriteByte('\n')
	for _, h := range c.Extra {
		buf.WriteString(h.Key)
		buf.WriteByte(' ')
		buf.WriteString(strings.ReplaceAll(h.Value, "\n", "\n "))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes(), nil
}

// DecodeCommit parses a canonical commit payload.
func DecodeCommit(payload []byte) (*Commit, error) {
	headers, message, err := splitHeaders(payload)
	if err != nil {
		return nil, err
	}
	c := &Commit{Message: message}
	for _, h := range headers {
		switch h.Key {
		case "tree":
			if !c.Tree.IsZero() {
				return nil, fmt.Errorf("%w: duplicate tree header", ErrDecode)
			}
			c.Tree, err = ParseHash(h.Value)
		case "parent":
			var p Hash
			p, err = ParseHash(h.Value)
			c.Parents = append(c.Parents, p)
		case "author":
			c.Author, err = parseSignature([]byte(h.Value))
		case "committer":
			c.Committer, err = parseSignature([]byte(h.Value))
		default:
			c.Extra = append(c.Extra, h)
		}
		if err != nil {
			return nil, fmt.Errorf("commit %s header: %w", h.Key, err)
		}
	}
	if c.Tree.IsZero() {
		return nil, fmt.Errorf("%w: commit has no tree", ErrDecode)
	}
	if c.Author.IsZero() || c.Committer.IsZero() {
		return nil, fmt.Errorf("%w: commit missing author or committer", ErrDecode)
	}
	return c, nil
}

// splitHeaders parses the "<key> <value>\n" header block terminated by a
// blank line, folding " "-prefixed continuation lines into the previous
// header. The remainder after the blank line is the message.
func splitHeaders(payload []byte) ([]Header, string, error) {
	var headers []Header
	rest := payload
	for {
		if len(rest) == 0 {
			// No blank line: empty message is encoded with the
			// separator present, so this is truncation.
			return nil, "", fmt.Errorf("%w: missing header terminator", ErrDecode)
		}
		if rest[0] == '\n' {
			return headers, string(rest[1:]), nil
		}
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, "", fmt.Errorf("%w: unterminated header line", ErrDecode)
		}
		line := rest[:nl]
		rest = rest[nl+1:]
		if line[0] == ' ' {
			if len(headers) == 0 {
				return nil, "", fmt.Errorf("%w: continuation line without header", ErrDecode)
			}
			last := &headers[len(headers)-1]
			last.Value += "\n" + string(line[1:])
			continue
		}
		sp := bytes.IndexByte(line, ' ')
		if sp <= 0 {
			return nil, "", fmt.Errorf("%w: malformed header line %q", ErrDecode, line)
		}
		headers = append(headers, Header{Key: string(line[:sp]), Value: string(line[sp+1:])})
	}
}
