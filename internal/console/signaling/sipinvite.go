package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// errInviteCancelled ends the response loop after a local CANCEL.
var errInviteCancelled = errors.New("invite cancelled")

// targetURI turns a dial string into a SIP URI in the configured domain.
func (s *SIPStack) targetURI(target string) (sip.Uri, error) {
	var uri sip.Uri
	raw := strings.TrimSpace(target)
	if raw == "" {
		return uri, fmt.Errorf("empty target")
	}
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		if !strings.Contains(raw, "@") {
			raw = raw + "@" + s.cfg.Domain
		}
		raw = "sip:" + raw
	}
	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, fmt.Errorf("invalid target %q: %w", target, err)
	}
	return uri, nil
}

func (s *SIPStack) localURI() sip.Uri {
	return sip.Uri{Scheme: "sip", User: s.cfg.Username, Host: s.cfg.Domain}
}

func (s *SIPStack) buildInvite(req InviteRequest, target sip.Uri, offer []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.New().String()[:8])
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: s.cfg.DisplayName,
		Address:     s.localURI(),
		Params:      fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})

	callID := sip.CallIDHeader(req.DialogID)
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(s.contact.Clone())
	invite.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REFER, OPTIONS"))

	for k, v := range req.Headers {
		invite.AppendHeader(sip.NewHeader(k, v))
	}

	ct := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ct)
	invite.SetBody(offer)
	return invite
}

// Invite implements Stack. It returns once the INVITE transaction is
// created; the answer arrives as a DialogEvent.
func (s *SIPStack) Invite(ctx context.Context, req InviteRequest) error {
	if !s.isRegistered() {
		return ErrNotRegistered
	}
	target, err := s.targetURI(req.Target)
	if err != nil {
		return &DialError{Target: req.Target, Method: "INVITE", Cause: err}
	}
	offer, err := BuildOffer(s.cfg.Media, 0, DirSendRecv)
	if err != nil {
		return fmt.Errorf("build offer: %w", err)
	}

	invite := s.buildInvite(req, target, offer)
	d := newOutgoingDialog(req.DialogID, invite)

	// The response loop outlives the caller's context; it is bounded by
	// the invite timeout and by Cancel.
	loopCtx, stop := context.WithTimeout(context.Background(), s.cfg.InviteTimeout)
	d.stopInvite = stop

	tx, err := s.cli.TransactionRequest(loopCtx, invite)
	if err != nil {
		stop()
		return &DialError{Target: req.Target, Method: "INVITE", SIPCode: 503, SIPReason: "Transaction failed", Cause: err}
	}
	s.putDialog(d)

	slog.Info("[SIP] INVITE sent", "dialog_id", req.DialogID, "target", target.String())
	go s.runInvite(loopCtx, d, invite, tx)
	return nil
}

// runInvite waits for the final answer, retrying once per challenge type.
func (s *SIPStack) runInvite(ctx context.Context, d *sipDialog, invite *sip.Request, tx sip.ClientTransaction) {
	defer close(d.inviteDone)
	defer d.stopInvite()

	authTried := map[sip.StatusCode]bool{}
	for {
		resp, err := waitFinal(ctx, tx)
		tx.Terminate()

		if err != nil {
			d.mu.Lock()
			cancelled := d.cancelled
			d.mu.Unlock()

			s.sendCancel(invite)
			s.removeDialog(d.id)
			if cancelled {
				slog.Info("[SIP] INVITE cancelled", "dialog_id", d.id)
				return
			}
			slog.Info("[SIP] INVITE timed out", "dialog_id", d.id, "error", err)
			s.emit(DialogEvent{DialogID: d.id, Kind: EventRejected, Code: 408, Reason: "Request Timeout"})
			return
		}

		code := resp.StatusCode
		switch {
		case code >= 200 && code < 300:
			s.handleAnswer(d, invite, resp)
			return

		case (code == sip.StatusUnauthorized || code == sip.StatusProxyAuthRequired) && !authTried[code]:
			authTried[code] = true
			retry, aerr := s.authorize(invite, resp)
			if aerr != nil {
				slog.Warn("[SIP] INVITE auth failed", "dialog_id", d.id, "error", aerr)
				s.removeDialog(d.id)
				s.emit(DialogEvent{DialogID: d.id, Kind: EventRejected, Code: int(code), Reason: resp.Reason})
				return
			}
			invite = retry
			d.mu.Lock()
			d.invite = retry
			d.mu.Unlock()
			tx, err = s.cli.TransactionRequest(ctx, retry)
			if err != nil {
				s.removeDialog(d.id)
				s.emit(DialogEvent{DialogID: d.id, Kind: EventFailed, Reason: err.Error()})
				return
			}

		default:
			slog.Info("[SIP] INVITE rejected", "dialog_id", d.id, "status", int(code), "reason", resp.Reason)
			s.removeDialog(d.id)
			s.emit(DialogEvent{DialogID: d.id, Kind: EventRejected, Code: int(code), Reason: resp.Reason})
			return
		}
	}
}

func (s *SIPStack) handleAnswer(d *sipDialog, invite *sip.Request, resp *sip.Response) {
	d.mu.Lock()
	d.response = resp
	d.answered = true
	if to := resp.To(); to != nil {
		d.remoteTag = tagOf(to.Params)
	}
	cancelled := d.cancelled
	d.mu.Unlock()

	if err := s.cli.WriteRequest(sip.NewAckRequest(invite, resp, nil)); err != nil {
		slog.Error("[SIP] Failed to send ACK", "dialog_id", d.id, "error", err)
	}

	if cancelled {
		// 200 crossed our CANCEL; the dialog exists now and must be closed.
		slog.Info("[SIP] Answer after CANCEL, sending BYE", "dialog_id", d.id)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Bye(ctx, d.id)
		return
	}

	slog.Info("[SIP] Call answered", "dialog_id", d.id, "remote_tag", d.remoteTag)
	s.emit(DialogEvent{DialogID: d.id, Kind: EventRemoteAnswered, Code: int(resp.StatusCode), Reason: resp.Reason})
}

// waitFinal returns the first final response, skipping provisionals.
func waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction ended without final response")
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, errors.New("transaction closed")
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		}
	}
}

// request sends req in a new transaction and waits for the final response.
func (s *SIPStack) request(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := s.cli.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return waitFinal(ctx, tx)
}

// authorize clones req with digest credentials answering resp's challenge.
func (s *SIPStack) authorize(req *sip.Request, resp *sip.Response) (*sip.Request, error) {
	challengeHeader, credentialHeader := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		challengeHeader, credentialHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return nil, errors.New("server requested auth but no credentials are configured")
	}
	h := resp.GetHeader(challengeHeader)
	if h == nil {
		return nil, fmt.Errorf("no %s header in %d response", challengeHeader, resp.StatusCode)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("invalid challenge %q: %w", h.Value(), err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: s.cfg.Username,
		Password: s.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	retry := req.Clone()
	retry.RemoveHeader("Via")
	retry.RemoveHeader(credentialHeader)
	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	retry.AppendHeader(sip.NewHeader(credentialHeader, cred.String()))
	return retry, nil
}

// sendCancel sends CANCEL for an unanswered INVITE, best effort.
func (s *SIPStack) sendCancel(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.request(ctx, cancelReq); err != nil {
		slog.Debug("[SIP] CANCEL not confirmed", "call_id", invite.CallID(), "error", err)
	}
}

// Cancel implements Stack
func (s *SIPStack) Cancel(ctx context.Context, dialogID string) error {
	d, ok := s.getDialog(dialogID)
	if !ok || d.incoming {
		return fmt.Errorf("cancel %s: %w", dialogID, ErrUnknownDialog)
	}
	d.mu.Lock()
	if d.answered {
		d.mu.Unlock()
		return fmt.Errorf("cancel %s: already answered", dialogID)
	}
	d.cancelled = true
	stop := d.stopInvite
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	select {
	case <-d.inviteDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
