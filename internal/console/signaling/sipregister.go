package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// registration keeps one REGISTER binding alive.
type registration struct {
	s *SIPStack

	mu         sync.Mutex
	callID     string
	cseq       uint32
	registered bool
	granted    time.Duration
	cancel     context.CancelFunc
}

func newRegistration(s *SIPStack) *registration {
	return &registration{s: s, callID: uuid.New().String()}
}

func (r *registration) buildRegister(expiry time.Duration) (*sip.Request, error) {
	var registrar sip.Uri
	host := r.s.cfg.Registrar
	if host == "" {
		host = r.s.cfg.Domain
	}
	if err := sip.ParseUri("sip:"+host, &registrar); err != nil {
		return nil, fmt.Errorf("invalid registrar %q: %w", host, err)
	}

	req := sip.NewRequest(sip.REGISTER, registrar)
	aor := r.s.localURI()

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.New().String()[:8])
	req.AppendHeader(&sip.FromHeader{DisplayName: r.s.cfg.DisplayName, Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	r.mu.Lock()
	r.cseq++
	seq := r.cseq
	r.mu.Unlock()

	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(r.s.contact.Clone())
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expiry/time.Second))))
	return req, nil
}

// send performs one REGISTER exchange, answering a single digest challenge.
func (r *registration) send(ctx context.Context, expiry time.Duration) (time.Duration, error) {
	req, err := r.buildRegister(expiry)
	if err != nil {
		return 0, err
	}

	resp, err := r.s.request(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("register: %w", err)
	}
	if resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired {
		retry, aerr := r.s.authorize(req, resp)
		if aerr != nil {
			return 0, fmt.Errorf("register: %w", aerr)
		}
		r.mu.Lock()
		r.cseq++
		r.mu.Unlock()
		resp, err = r.s.request(ctx, retry)
		if err != nil {
			return 0, fmt.Errorf("register: %w", err)
		}
	}
	if resp.StatusCode != sip.StatusOK {
		return 0, &DialError{Target: r.s.cfg.Registrar, Method: "REGISTER", SIPCode: int(resp.StatusCode), SIPReason: resp.Reason}
	}
	return grantedExpiry(resp, expiry), nil
}

// grantedExpiry reads the registrar's granted lifetime, preferring the
// Contact expires parameter over the Expires header.
func grantedExpiry(resp *sip.Response, requested time.Duration) time.Duration {
	if c := resp.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	if h := resp.GetHeader("Expires"); h != nil {
		if secs, err := strconv.Atoi(h.Value()); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return requested
}

func refreshAfter(granted time.Duration) time.Duration {
	d := granted * 9 / 10
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (r *registration) start(ctx context.Context) error {
	granted, err := r.send(ctx, r.s.cfg.RegisterExpiry)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.registered = true
	r.granted = granted
	r.mu.Unlock()

	aor := r.s.localURI()
	slog.Info("[SIP] Registered", "aor", aor.String(), "expires", granted)
	go r.refreshLoop(loopCtx, granted)
	return nil
}

func (r *registration) refreshLoop(ctx context.Context, granted time.Duration) {
	timer := time.NewTimer(refreshAfter(granted))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		next, err := r.send(reqCtx, r.s.cfg.RegisterExpiry)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("[SIP] Registration refresh failed", "error", err)
			r.mu.Lock()
			r.registered = false
			r.mu.Unlock()
			r.s.emitTransport(false, err)
			return
		}
		slog.Debug("[SIP] Registration refreshed", "expires", next)
		timer.Reset(refreshAfter(next))
	}
}

func (r *registration) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.registered = false
}

func (r *registration) isRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// Register implements Stack
func (s *SIPStack) Register(ctx context.Context) error {
	if s.closing.IsBroken() {
		return ErrClosed
	}
	return s.reg.start(ctx)
}

// Unregister implements Stack
func (s *SIPStack) Unregister(ctx context.Context) error {
	wasRegistered := s.reg.isRegistered()
	s.reg.stop()
	if !wasRegistered {
		return nil
	}
	if _, err := s.reg.send(ctx, 0); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	aor := s.localURI()
	slog.Info("[SIP] Unregistered", "aor", aor.String())
	return nil
}

func (s *SIPStack) isRegistered() bool {
	return s.reg.isRegistered()
}
