package object

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Signature is an author/committer/tagger stamp.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// IsZero reports whether the signature is unset.
func (s Signature) IsZero() bool {
	return s.Name == "" && s.Email == "" && s.When.IsZero()
}

// encode renders the canonical form: "Name <email> 1234567890 +0100".
// The timestamp is unix seconds plus a numeric zone offset; the zone
// must round-trip exactly, so When's location offset is preserved.
func (s Signature) encode() string {
	_, offset := s.When.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s <%s> %d %s%02d%02d",
		s.Name, s.Email, s.When.Unix(), sign, offset/3600, (offset/60)%60)
}

// parseSignature parses the canonical signature form. The email is
// taken from the last <...> pair, so stray angle brackets in the name
// do not shift the split point.
func parseSignature(b []byte) (Signature, error) {
	open := bytes.LastIndexByte(b, '<')
	close := bytes.LastIndexByte(b, '>')
	if open < 0 || close < open {
		return Signature{}, fmt.Errorf("%w: signature missing email in %q", ErrDecode, b)
	}
	var sig Signature
	sig.Name = string(bytes.TrimRight(b[:open], " "))
	sig.Email = string(b[open+1 : close])

	rest := bytes.TrimLeft(b[close+1:], " ")
	fields := bytes.Fields(rest)
	if len(fields) != 2 {
		return Signature{}, fmt.Errorf("%w: signature missing timestamp in %q", ErrDecode, b)
	}
	secs, err := strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: bad signature timestamp %q", ErrDecode, fields[0])
	}
	zone := fields[1]
	if len(zone) != 5 || (zone[0] != '+' && zone[0] != '-') {
		return Signature{}, fmt.Errorf("%w: bad signature zone %q", ErrDecode, zone)
	}
	hours, err := strconv.Atoi(string(zone[1:3]))
	if err != nil {
		return Signature{}, fmt.Errorf("%w: bad signature zone %q", ErrDecode, zone)
	}
	mins, err := strconv.Atoi(string(zone[3:5]))
	if err != nil {
		return Signature{}, fmt.Errorf("%w: bad signature zone %q", ErrDecode, zone)
	}
	offset := hours*3600 + mins*60
	if zone[0] == '-' {
		offset = -offset
	}
	sig.When = time.Unix(secs, 0).In(time.FixedZone("", offset))
	return sig, nil
}
