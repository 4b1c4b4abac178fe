package mdns

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	maxLabelLength  = 63
	maxDomainLength = 255
)

// DomainName is an immutable sequence of labels, compared
// case-insensitively. Use Key() when a map key is needed.
type DomainName struct {
	labels []string
}

// NewDomainName builds a name from raw (unescaped) labels.
func NewDomainName(labels ...string) (DomainName, error) {
	wireLen := 1
	for _, l := range labels {
		if len(l) == 0 {
			return DomainName{}, errors.Wrapf(ErrInvalidDomainName, "empty label in %q", strings.Join(labels, "."))
		}
		if len(l) > maxLabelLength {
			return DomainName{}, errors.Wrapf(ErrInvalidDomainName, "label %q longer than %d bytes", l, maxLabelLength)
		}
		wireLen += len(l) + 1
	}
	if wireLen > maxDomainLength {
		return DomainName{}, errors.Wrapf(ErrInvalidDomainName, "name longer than %d bytes", maxDomainLength)
	}
	return DomainName{labels: append([]string(nil), labels...)}, nil
}

// MustDomainName is NewDomainName for names known to be valid.
func MustDomainName(labels ...string) DomainName {
	d, err := NewDomainName(labels...)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDomainName reads the presentation form, as printed by String() or
// by miekg/dns ("printer\ \(2\)._http._tcp.local."). The trailing dot is
// optional.
func ParseDomainName(s string) (DomainName, error) {
	var (
		labels []string
		cur    []byte
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '.':
			if len(cur) == 0 {
				if i == len(s)-1 && len(labels) > 0 || s == "." {
					continue
				}
				return DomainName{}, errors.Wrapf(ErrInvalidDomainName, "empty label in %q", s)
			}
			labels = append(labels, string(cur))
			cur = cur[:0]
		case '\\':
			if i+1 >= len(s) {
				return DomainName{}, errors.Wrapf(ErrInvalidDomainName, "dangling escape in %q", s)
			}
			if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
				v, _ := strconv.Atoi(s[i+1 : i+4])
				if v > 255 {
					return DomainName{}, errors.Wrapf(ErrInvalidDomainName, "bad escape in %q", s)
				}
				cur = append(cur, byte(v))
				i += 3
			} else {
				cur = append(cur, s[i+1])
				i++
			}
		default:
			cur = append(cur, c)
		}
	}
	if len(cur) > 0 {
		labels = append(labels, string(cur))
	}
	return NewDomainName(labels...)
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// Labels returns a copy of the raw labels.
func (d DomainName) Labels() []string {
	return append([]string(nil), d.labels...)
}

func (d DomainName) LabelCount() int { return len(d.labels) }

func (d DomainName) IsEmpty() bool { return len(d.labels) == 0 }

// FirstLabel is the instance label of a service instance name, or the
// host label of a host name.
func (d DomainName) FirstLabel() string {
	if len(d.labels) == 0 {
		return ""
	}
	return d.labels[0]
}

// String returns the escaped presentation form without the trailing dot.
func (d DomainName) String() string {
	escaped := make([]string, len(d.labels))
	for i, l := range d.labels {
		escaped[i] = escapeLabel(l)
	}
	return strings.Join(escaped, ".")
}

// FQDN is the form miekg/dns expects in record headers.
func (d DomainName) FQDN() string {
	return d.String() + "."
}

// Key is a case-folded representation: two names are Equal iff their keys are.
func (d DomainName) Key() string {
	return asciiLower(d.String())
}

func (d DomainName) Equal(o DomainName) bool {
	if len(d.labels) != len(o.labels) {
		return false
	}
	for i := range d.labels {
		if asciiLower(d.labels[i]) != asciiLower(o.labels[i]) {
			return false
		}
	}
	return true
}

// HasSuffix reports whether the trailing labels of d are suffix.
func (d DomainName) HasSuffix(suffix DomainName) bool {
	if len(suffix.labels) > len(d.labels) {
		return false
	}
	tail := DomainName{labels: d.labels[len(d.labels)-len(suffix.labels):]}
	return tail.Equal(suffix)
}

// Prepend returns label.d
func (d DomainName) Prepend(label string) (DomainName, error) {
	return NewDomainName(append([]string{label}, d.labels...)...)
}

// Parent drops the first label.
func (d DomainName) Parent() DomainName {
	if len(d.labels) == 0 {
		return d
	}
	return DomainName{labels: d.labels[1:]}
}

var renameSuffix = regexp.MustCompile(`^(.*) \(([0-9]+)\)$`)

// Rename gives the next candidate after a naming conflict: only the first
// label changes, "printer" becoming "printer (2)", then "printer (3)". The
// label is shortened so that the whole name still fits in 255 bytes.
func (d DomainName) Rename() (DomainName, error) {
	if len(d.labels) == 0 {
		return d, errors.Wrap(ErrInvalidDomainName, "renaming the root")
	}
	base, n := d.labels[0], 2
	if m := renameSuffix.FindStringSubmatch(base); m != nil {
		if prev, err := strconv.Atoi(m[2]); err == nil {
			base, n = m[1], prev+1
		}
	}
	suffix := fmt.Sprintf(" (%d)", n)
	room := maxDomainLength - 1
	for _, l := range d.labels[1:] {
		room -= len(l) + 1
	}
	room-- // length byte of the first label
	if room > maxLabelLength {
		room = maxLabelLength
	}
	if room < len(suffix) {
		return DomainName{}, errors.Wrapf(ErrInvalidDomainName, "no room to rename %s", d)
	}
	labels := d.Labels()
	labels[0] = truncateLabel(base, room-len(suffix)) + suffix
	return NewDomainName(labels...)
}

// truncateLabel cuts l to at most n bytes without splitting a UTF-8
// sequence.
func truncateLabel(l string, n int) string {
	if len(l) <= n {
		return l
	}
	for n > 0 && !utf8.RuneStart(l[n]) {
		n--
	}
	return l[:n]
}

func escapeLabel(l string) string {
	var b strings.Builder
	for i := 0; i < len(l); i++ {
		c := l[i]
		switch {
		case isLabelSpecial(c):
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < ' ' || c > '~':
			fmt.Fprintf(&b, "\\%03d", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// same set miekg/dns escapes when unpacking names
func isLabelSpecial(c byte) bool {
	switch c {
	case '.', ' ', '\'', '@', ';', '(', ')', '"', '\\':
		return true
	}
	return false
}

func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}
