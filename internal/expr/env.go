package expr

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Field names a value of the evaluation environment.
type Field int

const (
	FieldRemoteIP Field = iota + 1
	FieldSender
	FieldSenderDomain
	FieldRcpt
	FieldRcptDomain
	FieldHeloDomain
)

var fieldNames = map[string]Field{
	"remote_ip":     FieldRemoteIP,
	"sender":        FieldSender,
	"sender_domain": FieldSenderDomain,
	"rcpt":          FieldRcpt,
	"rcpt_domain":   FieldRcptDomain,
	"helo_domain":   FieldHeloDomain,
}

// ParseField returns the Field called name.
func ParseField(name string) (Field, error) {
	f, ok := fieldNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown field %q", name)
	}
	return f, nil
}

// String returns the string representation of a Field
func (f Field) String() string {
	for name, v := range fieldNames {
		if v == f {
			return name
		}
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// IsRecipient reports whether the field is bound per recipient.
func (f Field) IsRecipient() bool {
	return f == FieldRcpt || f == FieldRcptDomain
}

// Env is the context a predicate is evaluated against. Rcpt holds a single
// recipient; callers that care about every recipient evaluate once per
// recipient.
type Env struct {
	RemoteIP netip.Addr
	Sender   string
	Rcpt     string
	Helo     string
}

// WithRcpt returns a copy of e bound to rcpt.
func (e Env) WithRcpt(rcpt string) Env {
	e.Rcpt = rcpt
	return e
}

// Value returns the normalized value of f.
func (e Env) Value(f Field) string {
	switch f {
	case FieldRemoteIP:
		if !e.RemoteIP.IsValid() {
			return ""
		}
		return e.RemoteIP.Unmap().String()
	case FieldSender:
		return NormalizeAddress(e.Sender)
	case FieldSenderDomain:
		return Domain(e.Sender)
	case FieldRcpt:
		return NormalizeAddress(e.Rcpt)
	case FieldRcptDomain:
		return Domain(e.Rcpt)
	case FieldHeloDomain:
		return strings.ToLower(strings.TrimSuffix(e.Helo, "."))
	}
	return ""
}

// NormalizeAddress lowercases and NFC-normalizes a mailbox address so that
// equivalent spellings compare and key identically.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(norm.NFC.String(addr))
}

// Domain returns the normalized domain part of addr, or an empty string.
func Domain(addr string) string {
	addr = NormalizeAddress(addr)
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return strings.TrimSuffix(addr[i+1:], ".")
}
