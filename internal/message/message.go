// Package message holds the candidate message: a transmitted message that has
// not yet been durably admitted to the queue.
package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message/textproto"
)

// ErrMalformed is returned by Parse when the header block cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Envelope is the SMTP envelope of a candidate.
type Envelope struct {
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
}

// Candidate is a message between end of DATA and queue admission.
type Candidate struct {
	ID       string
	Envelope Envelope
	Header   textproto.Header
	Body     []byte
	// Size is the size of the message as received, before any header was
	// added. Quotas are charged with this value.
	Size int64
}

// Parse reads a complete message and splits it into header and body. A
// message with no parsable header fields is rejected with ErrMalformed.
func Parse(env Envelope, raw []byte) (*Candidate, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if hdr.Len() == 0 {
		return nil, fmt.Errorf("%w: no header fields", ErrMalformed)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return &Candidate{
		Envelope: Envelope{
			Sender:     env.Sender,
			Recipients: append([]string(nil), env.Recipients...),
		},
		Header: hdr,
		Body:   body,
		Size:   int64(len(raw)),
	}, nil
}

// Bytes serializes the header and body as they will be stored.
func (c *Candidate) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(c.Size) + 1024)
	if err := textproto.WriteHeader(&buf, c.Header); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	buf.Write(c.Body)
	return buf.Bytes(), nil
}

// CountFields returns the number of header fields named key.
func (c *Candidate) CountFields(key string) int {
	n := 0
	for f := c.Header.FieldsByKey(key); f.Next(); {
		n++
	}
	return n
}
