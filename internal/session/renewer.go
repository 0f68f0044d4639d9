package session

import (
	"context"
	"time"

	"github.com/l1jgo/netplay/internal/sched"
	"go.uber.org/zap"
)

// Renewer answers the manager's scheduled authenticating transition by
// refreshing the session off the scheduler thread and posting the outcome
// back as Renew or Fail.
type Renewer struct {
	mgr     *Manager
	auth    Authenticator
	sched   sched.Scheduler
	timeout time.Duration
	log     *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	detach   func()
	inFlight bool
}

func NewRenewer(mgr *Manager, auth Authenticator, s sched.Scheduler, timeout time.Duration, log *zap.Logger) *Renewer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Renewer{mgr: mgr, auth: auth, sched: s, timeout: timeout, log: log.Named("renewer")}
}

// Start subscribes to the manager. Calling it twice is a no-op.
func (r *Renewer) Start() {
	if r.detach != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.detach = r.mgr.OnChange(r.onChange)
}

// Stop unsubscribes and abandons an in-flight refresh. Idempotent.
func (r *Renewer) Stop() {
	if r.detach == nil {
		return
	}
	r.detach()
	r.detach = nil
	r.cancel()
}

func (r *Renewer) onChange(state State, s *PlayerSession) {
	if state != StateAuthenticating || s == nil || r.inFlight {
		return
	}
	r.inFlight = true
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	go func() {
		defer cancel()
		next, err := r.auth.Refresh(ctx, s)
		r.sched.Post(func() { r.complete(s, next, err) })
	}()
}

func (r *Renewer) complete(prev, next *PlayerSession, err error) {
	r.inFlight = false
	if r.detach == nil || r.mgr.Current() != prev {
		return
	}
	if err != nil {
		r.mgr.Fail(err)
		return
	}
	r.log.Debug("session renewed", zap.String("session", next.ID))
	r.mgr.Renew(next)
}
