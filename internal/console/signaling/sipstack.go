package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
)

// SIPConfig holds the user agent settings.
type SIPConfig struct {
	Registrar     string // host:port of the registrar/proxy
	Domain        string
	Username      string
	Password      string
	DisplayName   string
	BindHost      string
	Port          int
	AdvertiseHost string
	Transport     string
	UserAgent     string
	Media         MediaEndpoint

	RegisterExpiry time.Duration
	InviteTimeout  time.Duration
	AckTimeout     time.Duration
}

// SIPStack implements Stack on top of sipgo.
type SIPStack struct {
	cfg SIPConfig

	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	cli      *sipgo.Client
	dialogUA *sipgo.DialogUA
	contact  sip.ContactHeader

	mu      sync.RWMutex
	handler Handler
	dialogs map[string]*sipDialog

	reg     *registration
	closing core.Fuse
}

var _ Stack = (*SIPStack)(nil)

// NewSIPStack creates the user agent. Call Serve to start listening.
func NewSIPStack(cfg SIPConfig) (*SIPStack, error) {
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.AdvertiseHost == "" {
		cfg.AdvertiseHost = cfg.BindHost
	}
	if cfg.Media.Host == "" {
		cfg.Media.Host = cfg.AdvertiseHost
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	cli, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.AdvertiseHost))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   cfg.Username,
			Host:   cfg.AdvertiseHost,
			Port:   cfg.Port,
		},
	}

	s := &SIPStack{
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		cli:      cli,
		contact:  contact,
		dialogUA: &sipgo.DialogUA{Client: cli, ContactHDR: contact},
		dialogs:  make(map[string]*sipDialog),
	}
	s.reg = newRegistration(s)

	srv.OnRequest(sip.INVITE, s.onInvite)
	srv.OnRequest(sip.ACK, s.onAck)
	srv.OnRequest(sip.CANCEL, s.onCancel)
	srv.OnRequest(sip.BYE, s.onBye)
	srv.OnRequest(sip.OPTIONS, s.onOptions)
	return s, nil
}

// Serve listens until ctx is done or the stack is closed.
func (s *SIPStack) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(s.cfg.Port))
	slog.Info("[SIP] Listening", "transport", s.cfg.Transport, "addr", addr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closing.Watch():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.srv.ListenAndServe(ctx, s.cfg.Transport, addr)
	if err != nil && !errors.Is(err, context.Canceled) && !s.closing.IsBroken() {
		s.emitTransport(false, err)
		return fmt.Errorf("sip listener: %w", err)
	}
	return nil
}

// SetHandler implements Stack
func (s *SIPStack) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *SIPStack) currentHandler() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

func (s *SIPStack) emit(ev DialogEvent) {
	if h := s.currentHandler(); h != nil {
		h.OnDialogEvent(ev)
	}
}

func (s *SIPStack) emitTransport(up bool, err error) {
	if h := s.currentHandler(); h != nil {
		h.OnTransport(up, err)
	}
}

func (s *SIPStack) putDialog(d *sipDialog) {
	s.mu.Lock()
	s.dialogs[d.id] = d
	s.mu.Unlock()
}

func (s *SIPStack) getDialog(id string) (*sipDialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dialogs[id]
	return d, ok
}

func (s *SIPStack) removeDialog(id string) (*sipDialog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[id]
	delete(s.dialogs, id)
	return d, ok
}

func callIDOf(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	// Cast directly; String() adds the header name.
	return string(*req.CallID())
}

func (s *SIPStack) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if callID == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil))
		return
	}

	if d, ok := s.getDialog(callID); ok {
		// Re-INVITE from the remote side: answer with our current direction.
		s.answerReinvite(d, req, tx)
		return
	}

	d := newIncomingDialog(callID, req, tx)
	s.putDialog(d)
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(180), "Ringing", nil))

	headers := make(map[string]string, 4)
	for _, name := range []string{HeaderClientID, HeaderClientName, HeaderClientNumber, HeaderDealerChannel} {
		if h := req.GetHeader(name); h != nil {
			headers[name] = h.Value()
		}
	}
	fromUser := ""
	if from := req.From(); from != nil {
		fromUser = from.Address.User
	}
	remote, errs := ParseRemoteParty(Headers(headers), fromUser)
	for _, e := range errs {
		slog.Warn("[SIP] Ignoring malformed header", "call_id", callID, "error", e)
	}

	slog.Info("[SIP] Incoming call", "call_id", callID, "from", fromUser)
	if h := s.currentHandler(); h != nil {
		h.OnIncoming(IncomingCall{DialogID: callID, From: fromUser, Headers: headers, Remote: remote})
	}
}

func (s *SIPStack) answerReinvite(d *sipDialog, req *sip.Request, tx sip.ServerTransaction) {
	d.mu.Lock()
	d.sdpVersion++
	version := d.sdpVersion
	d.mu.Unlock()

	body, err := BuildOffer(s.cfg.Media, version, DirSendRecv)
	if len(req.Body()) > 0 {
		body, err = BuildAnswer(req.Body(), s.cfg.Media, DirSendRecv)
	}
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(488), "Not Acceptable Here", nil))
		return
	}
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	ct := sip.ContentTypeHeader("application/sdp")
	resp.AppendHeader(&ct)
	resp.AppendHeader(s.contact.Clone())
	_ = tx.Respond(resp)
}

func (s *SIPStack) onAck(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := s.getDialog(callIDOf(req))
	if !ok {
		return
	}
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()
	if sess != nil {
		if err := sess.ReadAck(req, tx); err != nil {
			slog.Debug("[SIP] Failed to read ACK", "call_id", d.id, "error", err)
		}
	}
	d.markAcked()
}

func (s *SIPStack) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d, ok := s.getDialog(callID)
	if !ok || !d.incoming {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(481), "Call/Transaction Does Not Exist", nil))
		return
	}

	d.mu.Lock()
	answered := d.answered
	d.mu.Unlock()
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	if answered {
		return
	}

	_ = d.inviteTx.Respond(sip.NewResponseFromRequest(d.invite, sip.StatusCode(487), "Request Terminated", nil))
	s.removeDialog(callID)
	slog.Info("[SIP] CANCEL received", "call_id", callID)
	s.emit(DialogEvent{DialogID: callID, Kind: EventRemoteCancelled, Code: 487, Reason: "Request Terminated"})
}

func (s *SIPStack) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	d, ok := s.removeDialog(callID)
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(481), "Call/Transaction Does Not Exist", nil))
		return
	}

	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()
	if sess != nil {
		if err := sess.ReadBye(req, tx); err != nil {
			slog.Warn("[SIP] Failed to read BYE", "call_id", callID, "error", err)
		}
		_ = sess.Close()
	} else {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}

	slog.Info("[SIP] BYE received", "call_id", callID)
	s.emit(DialogEvent{DialogID: callID, Kind: EventRemoteBye})
}

func (s *SIPStack) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REFER, OPTIONS"))
	_ = tx.Respond(resp)
}

// Accept implements Stack. It answers with SDP and waits for the ACK.
func (s *SIPStack) Accept(ctx context.Context, dialogID string) error {
	d, ok := s.getDialog(dialogID)
	if !ok || !d.incoming {
		return fmt.Errorf("accept %s: %w", dialogID, ErrUnknownDialog)
	}

	d.mu.Lock()
	if d.answered {
		d.mu.Unlock()
		return fmt.Errorf("accept %s: already answered", dialogID)
	}
	invite, tx := d.invite, d.inviteTx
	d.mu.Unlock()

	answer, err := BuildAnswer(invite.Body(), s.cfg.Media, DirSendRecv)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(invite, sip.StatusCode(488), "Not Acceptable Here", nil))
		s.removeDialog(dialogID)
		return fmt.Errorf("accept %s: %w", dialogID, err)
	}

	sess, err := s.dialogUA.ReadInvite(invite, tx)
	if err != nil {
		return fmt.Errorf("accept %s: create dialog session: %w", dialogID, err)
	}
	if err := sess.RespondSDP(answer); err != nil {
		_ = sess.Close()
		return fmt.Errorf("accept %s: send 200 OK: %w", dialogID, err)
	}

	d.mu.Lock()
	d.session = sess
	d.response = sess.InviteResponse
	d.answered = true
	d.mu.Unlock()
	slog.Info("[SIP] Sent 200 OK", "call_id", dialogID)

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-d.acked:
		slog.Info("[SIP] Confirmed (ACK received)", "call_id", dialogID)
		return nil
	case <-timer.C:
		return fmt.Errorf("accept %s: %w", dialogID, ErrAckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closing.Watch():
		return ErrClosed
	}
}

// Reject implements Stack
func (s *SIPStack) Reject(ctx context.Context, dialogID string, code int, reason string) error {
	d, ok := s.removeDialog(dialogID)
	if !ok || !d.incoming {
		return fmt.Errorf("reject %s: %w", dialogID, ErrUnknownDialog)
	}
	if err := d.inviteTx.Respond(sip.NewResponseFromRequest(d.invite, sip.StatusCode(code), reason, nil)); err != nil {
		return fmt.Errorf("reject %s: %w", dialogID, err)
	}
	slog.Info("[SIP] Rejected", "call_id", dialogID, "status", code)
	return nil
}

// Bye implements Stack. It waits for the final response.
func (s *SIPStack) Bye(ctx context.Context, dialogID string) error {
	d, ok := s.getDialog(dialogID)
	if !ok {
		return fmt.Errorf("bye %s: %w", dialogID, ErrUnknownDialog)
	}
	bye, err := d.buildRequest(sip.BYE, s.contact.Address)
	if err != nil {
		return err
	}
	s.removeDialog(dialogID)
	defer s.closeSession(d)

	resp, err := s.request(ctx, bye)
	if err != nil {
		return &DialError{Target: dialogID, Method: "BYE", Cause: err}
	}
	if resp.StatusCode >= 300 && resp.StatusCode != 481 {
		return &DialError{Target: dialogID, Method: "BYE", SIPCode: int(resp.StatusCode), SIPReason: resp.Reason}
	}
	slog.Info("[SIP] BYE confirmed", "call_id", dialogID, "status", int(resp.StatusCode))
	return nil
}

func (s *SIPStack) closeSession(d *sipDialog) {
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

// Hold implements Stack with a re-INVITE carrying sendonly or sendrecv.
func (s *SIPStack) Hold(ctx context.Context, dialogID string, hold bool) error {
	d, ok := s.getDialog(dialogID)
	if !ok {
		return fmt.Errorf("hold %s: %w", dialogID, ErrUnknownDialog)
	}
	reinvite, err := d.buildRequest(sip.INVITE, s.contact.Address)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.sdpVersion++
	version := d.sdpVersion
	d.mu.Unlock()
	offer, err := BuildOffer(s.cfg.Media, version, HoldDirection(hold))
	if err != nil {
		return fmt.Errorf("hold %s: %w", dialogID, err)
	}
	ct := sip.ContentTypeHeader("application/sdp")
	reinvite.AppendHeader(&ct)
	reinvite.SetBody(offer)

	resp, err := s.request(ctx, reinvite)
	if err != nil {
		return &DialError{Target: dialogID, Method: "re-INVITE", Cause: err}
	}
	if resp.StatusCode >= 300 {
		return &DialError{Target: dialogID, Method: "re-INVITE", SIPCode: int(resp.StatusCode), SIPReason: resp.Reason}
	}
	if err := s.cli.WriteRequest(sip.NewAckRequest(reinvite, resp, nil)); err != nil {
		slog.Warn("[SIP] Failed to ACK re-INVITE", "call_id", dialogID, "error", err)
	}
	slog.Info("[SIP] Hold updated", "call_id", dialogID, "hold", hold)
	return nil
}

// Mute implements Stack. Muting happens on the device; the stack only
// keeps the flag so a later re-INVITE answer stays consistent.
func (s *SIPStack) Mute(ctx context.Context, dialogID string, mute bool) error {
	d, ok := s.getDialog(dialogID)
	if !ok {
		return fmt.Errorf("mute %s: %w", dialogID, ErrUnknownDialog)
	}
	d.mu.Lock()
	d.muted = mute
	d.mu.Unlock()
	return nil
}

// Refer implements Stack for blind transfer.
func (s *SIPStack) Refer(ctx context.Context, dialogID, target string) error {
	d, ok := s.getDialog(dialogID)
	if !ok {
		return fmt.Errorf("refer %s: %w", dialogID, ErrUnknownDialog)
	}
	referTo, err := s.targetURI(target)
	if err != nil {
		return &DialError{Target: target, Method: "REFER", Cause: err}
	}
	refer, err := d.buildRequest(sip.REFER, s.contact.Address)
	if err != nil {
		return err
	}
	refer.AppendHeader(sip.NewHeader("Refer-To", "<"+referTo.String()+">"))
	local := s.localURI()
	refer.AppendHeader(sip.NewHeader("Referred-By", "<"+local.String()+">"))

	resp, err := s.request(ctx, refer)
	if err != nil {
		return &DialError{Target: target, Method: "REFER", Cause: err}
	}
	if resp.StatusCode >= 300 {
		return &DialError{Target: target, Method: "REFER", SIPCode: int(resp.StatusCode), SIPReason: resp.Reason}
	}
	slog.Info("[SIP] REFER accepted", "call_id", dialogID, "target", target)
	return nil
}

// Drop implements Stack
func (s *SIPStack) Drop(dialogID string) {
	d, ok := s.getDialog(dialogID)
	if !ok {
		return
	}

	d.mu.Lock()
	answered, incoming, stop := d.answered, d.incoming, d.stopInvite
	if !answered && !incoming {
		d.cancelled = true
	}
	d.mu.Unlock()

	switch {
	case !answered && incoming:
		s.removeDialog(dialogID)
		_ = d.inviteTx.Respond(sip.NewResponseFromRequest(d.invite, sip.StatusCode(480), "Temporarily Unavailable", nil))
	case !answered:
		// runInvite sends CANCEL and removes the dialog.
		if stop != nil {
			stop()
		}
	default:
		bye, err := d.buildRequest(sip.BYE, s.contact.Address)
		s.removeDialog(dialogID)
		s.closeSession(d)
		if err == nil {
			// Do not wait for a response.
			_ = s.cli.WriteRequest(bye)
		}
	}
	slog.Info("[SIP] Dialog dropped", "call_id", dialogID)
}

// Close implements Stack
func (s *SIPStack) Close() error {
	if s.closing.IsBroken() {
		return nil
	}
	s.closing.Break()
	s.reg.stop()

	s.mu.Lock()
	ids := make([]string, 0, len(s.dialogs))
	for id := range s.dialogs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Drop(id)
	}
	return s.ua.Close()
}
