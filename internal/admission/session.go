package admission

import (
	"net/netip"
	"sync"
	"time"

	"github.com/busybox42/mailgate/internal/expr"
	"github.com/busybox42/mailgate/internal/headers"
)

// Session is the admission context of one connection. It lives from
// connect to disconnect; Reset clears the transaction but keeps the count
// of accepted messages.
type Session struct {
	mu sync.RWMutex

	id        string
	remoteIP  netip.Addr
	helo      string
	rdns      string
	proto     string
	verdicts  headers.Verdicts
	startTime time.Time

	sender     string
	recipients []string
	accepted   int64
}

// NewSession creates the context for a connection from remoteIP.
func NewSession(id string, remoteIP netip.Addr) *Session {
	return &Session{
		id:         id,
		remoteIP:   remoteIP.Unmap(),
		proto:      "ESMTP",
		startTime:  time.Now(),
		recipients: make([]string, 0),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// SetHelo records the HELO/EHLO name.
func (s *Session) SetHelo(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.helo = name
}

// SetRDNS records the reverse DNS name of the client.
func (s *Session) SetRDNS(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rdns = name
}

// SetProto records the protocol name used in Received, e.g. "ESMTPS".
func (s *Session) SetProto(proto string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proto = proto
}

// SetVerdicts records authentication results computed by other checks.
func (s *Session) SetVerdicts(v headers.Verdicts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = v
}

// Mail starts a transaction. Any previous recipients are dropped.
func (s *Session) Mail(from string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = from
	s.recipients = s.recipients[:0]
}

// Rcpt adds a recipient to the current transaction.
func (s *Session) Rcpt(to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients = append(s.recipients, to)
}

// Reset clears the current transaction.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = ""
	s.recipients = s.recipients[:0]
}

// Sender returns the envelope sender of the current transaction.
func (s *Session) Sender() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sender
}

// Recipients returns a copy of the current recipients.
func (s *Session) Recipients() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.recipients...)
}

// Accepted returns how many messages were admitted in this session.
func (s *Session) Accepted() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepted
}

func (s *Session) incAccepted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted++
}

// Env returns the evaluation environment with no recipient bound.
func (s *Session) Env() expr.Env {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return expr.Env{
		RemoteIP: s.remoteIP,
		Sender:   s.sender,
		Helo:     s.helo,
	}
}

func (s *Session) headerInfo() headers.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return headers.Info{
		Env: expr.Env{
			RemoteIP: s.remoteIP,
			Sender:   s.sender,
			Helo:     s.helo,
		},
		RDNS:     s.rdns,
		Proto:    s.proto,
		Verdicts: s.verdicts,
	}
}
