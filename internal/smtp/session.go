package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/busybox42/mailgate/internal/admission"
	"github.com/busybox42/mailgate/internal/headers"
	"github.com/busybox42/mailgate/internal/smtperr"
)

const rdnsTimeout = 5 * time.Second

// session adapts one go-smtp connection to an admission session.
type session struct {
	server *Server
	conn   *gosmtp.Conn
	sess   *admission.Session
	logger *slog.Logger
}

func newSession(s *Server, c *gosmtp.Conn, remote netip.Addr) *session {
	id := uuid.NewString()
	sess := admission.NewSession(id, remote)
	sess.SetHelo(c.Hostname())
	if _, isTLS := c.TLSConnectionState(); isTLS {
		sess.SetProto("ESMTPS")
	}

	if s.cfg.RDNSLookup && remote.IsValid() {
		ctx, cancel := context.WithTimeout(s.ctx, rdnsTimeout)
		rdns, result := checkIPRev(ctx, s.lookupAddr, s.lookupIP, remote)
		cancel()
		if rdns != "" {
			sess.SetRDNS(rdns)
		}
		sess.SetVerdicts(headers.Verdicts{IPRev: result})
	}

	return &session{
		server: s,
		conn:   c,
		sess:   sess,
		logger: s.logger.With("session_id", id, "remote_addr", remote.String()),
	}
}

// Mail starts a transaction. The null sender is passed as an empty string.
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	// The client may have sent EHLO again since the session was created.
	s.sess.SetHelo(s.conn.Hostname())
	s.sess.Mail(from)
	return nil
}

// Rcpt refuses recipients once the session cap is reached, since go-smtp
// sends 354 before Data runs.
func (s *session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	if err := s.server.controller.CheckRcpt(s.sess, to); err != nil {
		s.logger.Info("recipient_rejected", "reason", smtperr.From(err).Reason)
		return toSMTPError(err)
	}
	s.sess.Rcpt(to)
	return nil
}

// Data reads the message and runs admission. go-smtp has already sent 354
// at this point, so early rejections let the library discard the rest.
// A DATA without recipients never gets here: go-smtp answers it with
// 502 5.5.1 itself.
func (s *session) Data(r io.Reader) error {
	if err := s.server.controller.Precheck(s.sess); err != nil {
		return toSMTPError(err)
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		if errors.Is(err, gosmtp.ErrDataTooLarge) {
			return gosmtp.ErrDataTooLarge
		}
		s.logger.Warn("Failed to read message data", "error", err)
		return toSMTPError(smtperr.New(smtperr.Storage, err))
	}

	id, err := s.server.controller.Data(s.server.ctx, s.sess, raw)
	if err != nil {
		return toSMTPError(err)
	}
	s.logger.Debug("message_queued", "queue_id", id)
	return nil
}

func (s *session) Reset() {
	s.sess.Reset()
}

func (s *session) Logout() error {
	s.server.metrics.ActiveSessions.Dec()
	s.logger.Debug("session_ended", "accepted", s.sess.Accepted())
	return nil
}

// toSMTPError converts admission errors to the reply go-smtp writes.
func toSMTPError(err error) *gosmtp.SMTPError {
	se := smtperr.From(err)
	return &gosmtp.SMTPError{
		Code:         se.Code,
		EnhancedCode: gosmtp.EnhancedCode(se.EnhancedCode),
		Message:      se.Message,
	}
}
