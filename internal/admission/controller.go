// Package admission decides, at the end of DATA, whether a message enters
// the queue. It runs the session limits, the loop check and the quota
// reservation in that order, stamps the configured header fields and hands
// the message to the queue.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/mailgate/internal/expr"
	"github.com/busybox42/mailgate/internal/headers"
	"github.com/busybox42/mailgate/internal/message"
	"github.com/busybox42/mailgate/internal/metrics"
	"github.com/busybox42/mailgate/internal/quota"
	"github.com/busybox42/mailgate/internal/smtperr"
)

// State is the position of one DATA command in the admission pipeline.
type State int

const (
	Idle State = iota
	AwaitingLimitsCheck
	AwaitingLoopCheck
	AwaitingQuota
	Admitted
	Rejected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case AwaitingLimitsCheck:
		return "LIMITS"
	case AwaitingLoopCheck:
		return "LOOP"
	case AwaitingQuota:
		return "QUOTA"
	case Admitted:
		return "ADMITTED"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Limits are the per-session DATA limits.
type Limits struct {
	// Messages caps the messages accepted per session. Zero or an empty
	// rule set means no cap.
	Messages expr.Rules[int64]
	// ReceivedHeaders is the loop-detection ceiling; zero disables it.
	ReceivedHeaders int
	// Size caps the message size in bytes. Zero means no cap.
	Size expr.Rules[int64]
}

// Queue accepts admitted messages.
type Queue interface {
	Enqueue(ctx context.Context, cand *message.Candidate, tokens []quota.Token) error
}

// Config wires a Controller.
type Config struct {
	Limits  Limits
	Quota   *quota.Enforcer
	Headers *headers.Applier
	Queue   Queue
	Logger  *slog.Logger
}

// Controller runs the admission pipeline. It is shared by all sessions.
type Controller struct {
	limits  Limits
	quota   *quota.Enforcer
	headers *headers.Applier
	queue   Queue
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewController creates a controller. Quota and Headers are optional.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		limits:  cfg.Limits,
		quota:   cfg.Quota,
		headers: cfg.Headers,
		queue:   cfg.Queue,
		logger:  logger.With("component", "admission"),
		metrics: metrics.Get(),
	}
}

func evalLimit(r expr.Rules[int64], env expr.Env) (int64, error) {
	if r.IsZero() {
		return 0, nil
	}
	return r.Eval(env)
}

func ruleEnv(sess *Session, rcpts []string) expr.Env {
	env := sess.Env()
	if len(rcpts) > 0 {
		env = env.WithRcpt(rcpts[0])
	}
	return env
}

// Precheck runs the checks that do not need the message: a recipient must
// have been accepted and the session cap must not be reached. Protocol
// layers call it when DATA is issued so they can refuse before reading
// the message.
func (c *Controller) Precheck(sess *Session) error {
	_, err := c.precheck(sess, sess.Recipients())
	return err
}

// CheckRcpt runs the session cap before rcpt is added to the transaction,
// with the same rule environment DATA will use. Protocol layers whose DATA
// reply is sent before the message handler runs call it at RCPT time.
func (c *Controller) CheckRcpt(sess *Session, rcpt string) error {
	_, err := c.precheck(sess, append(sess.Recipients(), rcpt))
	if err != nil {
		c.metrics.Rejections.WithLabelValues(smtperr.From(err).Reason).Inc()
	}
	return err
}

func (c *Controller) precheck(sess *Session, rcpts []string) (State, error) {
	if len(rcpts) == 0 {
		return Idle, smtperr.New(smtperr.NoRecipients, nil)
	}

	limit, err := evalLimit(c.limits.Messages, ruleEnv(sess, rcpts))
	if err != nil {
		return AwaitingLimitsCheck, smtperr.New(smtperr.Config, err)
	}
	if limit > 0 && sess.Accepted() >= limit {
		return AwaitingLimitsCheck, smtperr.New(smtperr.SessionLimit, nil)
	}
	return AwaitingLimitsCheck, nil
}

// Data runs the admission pipeline for raw, the message as transmitted
// after DATA. On success it returns the queue ID. Every error is an
// *smtperr.Error. Whatever the outcome, quota capacity reserved for a
// message that was not queued is released before Data returns, even when
// ctx is cancelled.
func (c *Controller) Data(ctx context.Context, sess *Session, raw []byte) (id string, err error) {
	start := time.Now()
	rcpts := sess.Recipients()
	state := Idle

	defer func() {
		c.metrics.AdmissionTime.Observe(time.Since(start).Seconds())
		if err == nil {
			c.metrics.Admissions.Inc()
			return
		}
		se := smtperr.From(err)
		err = se
		c.metrics.Rejections.WithLabelValues(se.Reason).Inc()
		c.logger.InfoContext(ctx, "message_rejected",
			"session_id", sess.ID(),
			"state", state.String(),
			"reason", se.Reason,
			"code", se.Code,
			"enhanced_code", se.EnhancedCode.String(),
			"from_envelope", sess.Sender(),
			"to_count", len(rcpts),
			"message_size", len(raw),
			"error", se.Err,
		)
	}()

	state, err = c.precheck(sess, rcpts)
	if err != nil {
		return "", err
	}
	c.metrics.MessageSize.Observe(float64(len(raw)))

	env := ruleEnv(sess, rcpts)
	maxSize, err := evalLimit(c.limits.Size, env)
	if err != nil {
		return "", smtperr.New(smtperr.Config, err)
	}
	if maxSize > 0 && int64(len(raw)) > maxSize {
		return "", smtperr.New(smtperr.TooBig, nil)
	}

	cand, err := message.Parse(message.Envelope{Sender: sess.Sender(), Recipients: rcpts}, raw)
	if err != nil {
		return "", smtperr.New(smtperr.Malformed, err)
	}

	state = AwaitingLoopCheck
	if hops := CountHops(cand); IsLoop(hops, c.limits.ReceivedHeaders) {
		c.logger.WarnContext(ctx, "Possible mail loop",
			"session_id", sess.ID(),
			"hops", hops,
			"limit", c.limits.ReceivedHeaders,
		)
		return "", smtperr.New(smtperr.Loop, nil)
	}

	state = AwaitingQuota
	var res *quota.Reservation
	if c.quota != nil {
		res, err = c.quota.Reserve(ctx, quota.Request{
			Env:        sess.Env(),
			Recipients: rcpts,
			Size:       cand.Size,
		})
		var exceeded *quota.ExceededError
		switch {
		case errors.As(err, &exceeded):
			c.logger.InfoContext(ctx, "Quota exceeded",
				"session_id", sess.ID(),
				"quota", exceeded.QuotaID,
				"limit", string(exceeded.Limit),
			)
			return "", smtperr.New(smtperr.QuotaExceeded, err)
		case err != nil:
			return "", smtperr.New(smtperr.Storage, err)
		}
	}
	defer func() {
		if state != Admitted {
			res.Release(context.WithoutCancel(ctx))
		}
	}()

	cand.ID = uuid.NewString()
	if c.headers != nil {
		if err := c.headers.Apply(sess.headerInfo(), cand); err != nil {
			return "", smtperr.New(smtperr.Config, err)
		}
	}

	if err := c.queue.Enqueue(ctx, cand, res.Tokens()); err != nil {
		return "", smtperr.New(smtperr.Storage, err)
	}
	res.Detach()
	state = Admitted
	sess.incAccepted()

	c.logger.InfoContext(ctx, "message_accepted",
		"session_id", sess.ID(),
		"queue_id", cand.ID,
		"from_envelope", cand.Envelope.Sender,
		"to_count", len(rcpts),
		"message_size", cand.Size,
	)
	return cand.ID, nil
}
