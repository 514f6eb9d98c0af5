package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// sipDialog is the stack's record of one SIP dialog, keyed by Call-ID.
type sipDialog struct {
	mu sync.Mutex

	id       string
	incoming bool

	invite   *sip.Request
	inviteTx sip.ServerTransaction
	response *sip.Response
	session  *sipgo.DialogServerSession

	remoteTag  string
	cseq       uint32
	sdpVersion uint64
	muted      bool

	answered  bool
	acked     chan struct{}
	ackOnce   sync.Once
	cancelled bool

	stopInvite context.CancelFunc
	inviteDone chan struct{}
}

func newIncomingDialog(id string, req *sip.Request, tx sip.ServerTransaction) *sipDialog {
	d := &sipDialog{
		id:       id,
		incoming: true,
		invite:   req,
		inviteTx: tx,
		acked:    make(chan struct{}),
	}
	if cseq := req.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	return d
}

func newOutgoingDialog(id string, req *sip.Request) *sipDialog {
	d := &sipDialog{
		id:         id,
		invite:     req,
		acked:      make(chan struct{}),
		inviteDone: make(chan struct{}),
		cseq:       1,
	}
	return d
}

func (d *sipDialog) markAcked() {
	d.ackOnce.Do(func() { close(d.acked) })
}

// remoteTarget is the Request-URI for in-dialog requests.
func (d *sipDialog) remoteTarget() sip.Uri {
	if !d.incoming {
		if d.response != nil {
			if c := d.response.Contact(); c != nil {
				return c.Address
			}
		}
		if to := d.invite.To(); to != nil {
			return to.Address
		}
		return d.invite.Recipient
	}
	if c := d.invite.Contact(); c != nil {
		u := c.Address
		u.UriParams = sip.NewParams()
		return u
	}
	return d.invite.From().Address
}

// buildRequest constructs an in-dialog request. From/To are swapped for
// dialogs we answered.
func (d *sipDialog) buildRequest(method sip.RequestMethod, contact sip.Uri) (*sip.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.invite == nil {
		return nil, fmt.Errorf("build %s: dialog %s has no INVITE", method, d.id)
	}
	if d.response == nil {
		return nil, fmt.Errorf("build %s: dialog %s not established", method, d.id)
	}

	req := sip.NewRequest(method, d.remoteTarget())
	if len(d.invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.invite, req)
	}

	if d.incoming {
		if to := d.response.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params.Clone()})
		}
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params.Clone()})
		}
	} else {
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params.Clone()})
		}
		if to := d.invite.To(); to != nil {
			params := sip.NewParams()
			if d.remoteTag != "" {
				params.Add("tag", d.remoteTag)
			}
			req.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: params})
		}
	}

	if callID := d.invite.CallID(); callID != nil {
		req.AppendHeader(callID)
	}
	d.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	return req, nil
}

func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}
