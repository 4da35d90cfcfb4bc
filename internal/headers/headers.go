// Package headers stamps trace and authentication header fields onto a
// candidate message according to the configured policy.
package headers

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-msgauth/authres"
	"github.com/google/uuid"

	"github.com/busybox42/mailgate/internal/expr"
	"github.com/busybox42/mailgate/internal/message"
)

// Policy selects, per session, which fields are added. Every rule set
// defaults to false when left empty.
type Policy struct {
	Received    expr.Rules[bool]
	ReceivedSPF expr.Rules[bool]
	AuthResults expr.Rules[bool]
	MessageID   expr.Rules[bool]
	Date        expr.Rules[bool]
	ReturnPath  expr.Rules[bool]
}

// Verdicts are authentication results computed outside the admission
// pipeline. Missing verdicts are reported as "none".
type Verdicts struct {
	SPF       authres.ResultValue
	SPFReason string
	DKIM      []*authres.DKIMResult
	DMARC     authres.ResultValue
	// IPRev is the forward-confirmed reverse DNS result of the client.
	IPRev authres.ResultValue
}

// Info is the session data the fields are built from.
type Info struct {
	Env      expr.Env
	RDNS     string
	Proto    string
	Verdicts Verdicts
}

// Applier adds header fields to candidates.
type Applier struct {
	hostname string
	policy   Policy

	now   func() time.Time
	newID func() string
}

// NewApplier creates an applier stamping fields as hostname.
func NewApplier(hostname string, policy Policy) *Applier {
	return &Applier{
		hostname: hostname,
		policy:   policy,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

type decision struct {
	received, spf, authRes, msgID, date, returnPath bool
}

func evalRule(r expr.Rules[bool], env expr.Env) (bool, error) {
	if r.IsZero() {
		return false, nil
	}
	return r.Eval(env)
}

func (a *Applier) decide(env expr.Env) (decision, error) {
	var (
		d   decision
		err error
	)
	rules := []struct {
		r   expr.Rules[bool]
		dst *bool
	}{
		{a.policy.Received, &d.received},
		{a.policy.ReceivedSPF, &d.spf},
		{a.policy.AuthResults, &d.authRes},
		{a.policy.MessageID, &d.msgID},
		{a.policy.Date, &d.date},
		{a.policy.ReturnPath, &d.returnPath},
	}
	for _, rule := range rules {
		if *rule.dst, err = evalRule(rule.r, env); err != nil {
			return decision{}, err
		}
	}
	return d, nil
}

// Apply prepends the selected fields to cand's header. Nothing is changed
// when a rule fails to evaluate. From top to bottom the result reads
// Return-Path, Authentication-Results, Received-SPF, Received, then the
// original header, preceded by Message-ID and Date when they were missing.
func (a *Applier) Apply(info Info, cand *message.Candidate) error {
	env := info.Env
	if len(cand.Envelope.Recipients) > 0 {
		env = env.WithRcpt(cand.Envelope.Recipients[0])
	}
	d, err := a.decide(env)
	if err != nil {
		return err
	}

	now := a.now()
	h := &cand.Header

	if d.date && !h.Has("Date") {
		h.Add("Date", now.Format(time.RFC1123Z))
	}
	if d.msgID && !h.Has("Message-Id") {
		h.Add("Message-Id", "<"+a.newID()+"@"+a.hostname+">")
	}
	if d.received {
		h.Add("Received", a.received(info, cand, now))
	}
	if d.spf {
		h.Add("Received-SPF", a.receivedSPF(info))
	}
	if d.authRes {
		h.Add("Authentication-Results", authres.Format(a.hostname, a.authResults(info)))
	}
	if d.returnPath {
		h.Del("Return-Path")
		h.Add("Return-Path", "<"+sanitize(info.Env.Sender)+">")
	}
	return nil
}

// received builds the Received field value (RFC 5321 Section 4.4).
func (a *Applier) received(info Info, cand *message.Candidate, now time.Time) string {
	var b strings.Builder
	b.Grow(256)

	helo := sanitize(info.Env.Helo)
	if helo == "" {
		helo = "unknown"
	}
	b.WriteString("from ")
	b.WriteString(helo)

	if info.Env.RemoteIP.IsValid() {
		b.WriteString(" (")
		if info.RDNS != "" {
			b.WriteString(sanitize(info.RDNS))
			b.WriteRune(' ')
		}
		b.WriteRune('[')
		b.WriteString(info.Env.RemoteIP.Unmap().String())
		b.WriteString("])")
	}

	b.WriteString(" by ")
	b.WriteString(sanitize(a.hostname))
	b.WriteString(" (envelope-sender <")
	b.WriteString(sanitize(info.Env.Sender))
	b.WriteString(">)")

	proto := info.Proto
	if proto == "" {
		proto = "ESMTP"
	}
	b.WriteString(" with ")
	b.WriteString(proto)
	if cand.ID != "" {
		b.WriteString(" id ")
		b.WriteString(cand.ID)
	}
	if len(cand.Envelope.Recipients) == 1 {
		b.WriteString(" for <")
		b.WriteString(sanitize(cand.Envelope.Recipients[0]))
		b.WriteRune('>')
	}
	b.WriteString("; ")
	b.WriteString(now.Format(time.RFC1123Z))
	return b.String()
}

// receivedSPF builds the Received-SPF field value (RFC 7208 Section 9.1).
func (a *Applier) receivedSPF(info Info) string {
	result := info.Verdicts.SPF
	if result == "" {
		result = authres.ResultNone
	}
	ip := ""
	if info.Env.RemoteIP.IsValid() {
		ip = info.Env.RemoteIP.Unmap().String()
	}
	sender := sanitize(info.Env.Sender)

	comment := info.Verdicts.SPFReason
	if comment == "" {
		switch result {
		case authres.ResultPass:
			comment = fmt.Sprintf("domain of %s designates %s as permitted sender", sender, ip)
		case authres.ResultFail, authres.ResultSoftFail:
			comment = fmt.Sprintf("domain of %s does not designate %s as permitted sender", sender, ip)
		case authres.ResultNone:
			comment = fmt.Sprintf("domain of %s does not publish an SPF record", sender)
		default:
			comment = fmt.Sprintf("%s is neither permitted nor denied by domain of %s", ip, sender)
		}
	}

	return fmt.Sprintf("%s (%s: %s) client-ip=%s; envelope-from=%s; helo=%s;",
		result, sanitize(a.hostname), sanitize(comment), ip, quoteString(sender), sanitize(info.Env.Helo))
}

func (a *Applier) authResults(info Info) []authres.Result {
	v := info.Verdicts
	spf := v.SPF
	if spf == "" {
		spf = authres.ResultNone
	}
	results := []authres.Result{
		&authres.SPFResult{
			Value: spf,
			From:  expr.Domain(info.Env.Sender),
			Helo:  sanitize(info.Env.Helo),
		},
	}
	if len(v.DKIM) == 0 {
		results = append(results, &authres.DKIMResult{Value: authres.ResultNone})
	}
	for _, r := range v.DKIM {
		results = append(results, r)
	}
	dmarc := v.DMARC
	if dmarc == "" {
		dmarc = authres.ResultNone
	}
	results = append(results, &authres.DMARCResult{Value: dmarc})
	if v.IPRev != "" && info.Env.RemoteIP.IsValid() {
		results = append(results, &authres.IPRevResult{
			Value: v.IPRev,
			IP:    info.Env.RemoteIP.Unmap().String(),
		})
	}
	return results
}

// quoteString renders s as an RFC 5322 quoted-string. UTF-8 text is kept
// as is (RFC 6532); control characters are dropped.
func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\t' || r == ' ':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f || r == utf8.RuneError:
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// sanitize drops characters that would break out of a header field.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == 0 {
			return -1
		}
		return r
	}, s)
}
