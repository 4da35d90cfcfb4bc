package message

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "From: john@doe.org\r\n" +
	"To: bill@foobar.org\r\n" +
	"Received: from a by b; Mon, 1 Jan 2024 00:00:00 +0000\r\n" +
	"Received: from c by d; Mon, 1 Jan 2024 00:00:00 +0000\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"Body line\r\n"

func TestParse(t *testing.T) {
	env := Envelope{Sender: "john@doe.org", Recipients: []string{"bill@foobar.org"}}
	c, err := Parse(env, []byte(sample))
	require.NoError(t, err)

	assert.Equal(t, int64(len(sample)), c.Size)
	assert.Equal(t, "hello", c.Header.Get("Subject"))
	assert.Equal(t, 2, c.CountFields("Received"))
	assert.Equal(t, 0, c.CountFields("Message-Id"))
	assert.Equal(t, "Body line\r\n", string(c.Body))

	env.Recipients[0] = "changed@foobar.org"
	assert.Equal(t, "bill@foobar.org", c.Envelope.Recipients[0])
}

func TestParseMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"no colon":  "invalid\r\n",
		"empty":     "",
		"no header": "\r\nbody only\r\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(Envelope{}, []byte(raw))
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestBytesRoundTripsPrependedHeader(t *testing.T) {
	c, err := Parse(Envelope{}, []byte(sample))
	require.NoError(t, err)

	c.Header.Add("X-Test", "1")
	out, err := c.Bytes()
	require.NoError(t, err)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, "X-Test: 1\r\n"), s)
	assert.True(t, strings.HasSuffix(s, "\r\n\r\nBody line\r\n"), s)
}
