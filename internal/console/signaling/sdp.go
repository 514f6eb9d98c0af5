package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// Media directions used for hold signaling.
const (
	DirSendRecv = "sendrecv"
	DirSendOnly = "sendonly"
	DirRecvOnly = "recvonly"
	DirInactive = "inactive"
)

// ErrNoCommonCodec is returned when an offer shares no codec with us.
var ErrNoCommonCodec = errors.New("no common codec")

// MediaEndpoint is where the device's RTP is expected.
type MediaEndpoint struct {
	Host string
	Port int
}

var rtpmaps = map[string]string{
	"0":   "PCMU/8000",
	"8":   "PCMA/8000",
	"101": "telephone-event/8000",
}

// offerFormats is our preference order.
var offerFormats = []string{"0", "8", "101"}

func sessionID() uint64 {
	return uint64(time.Now().UnixNano())
}

func buildDescription(ep MediaEndpoint, version uint64, formats []string, direction string) *sdp.SessionDescription {
	attrs := make([]sdp.Attribute, 0, len(formats)+2)
	for _, f := range formats {
		if m, ok := rtpmaps[f]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + m})
		}
		if f == "101" {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: "101 0-16"})
		}
	}
	attrs = append(attrs, sdp.Attribute{Key: "ptime", Value: "20"})
	attrs = append(attrs, sdp.Attribute{Key: direction})

	return &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "callconsole",
			SessionID:      version,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ep.Host,
		},
		SessionName: "callconsole",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ep.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: ep.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}
}

// BuildOffer returns an audio offer with the given direction attribute.
func BuildOffer(ep MediaEndpoint, version uint64, direction string) ([]byte, error) {
	if version == 0 {
		version = sessionID()
	}
	return buildDescription(ep, version, offerFormats, direction).Marshal()
}

// BuildAnswer answers offer with the codecs we share, in the offer's order.
func BuildAnswer(offer []byte, ep MediaEndpoint, direction string) ([]byte, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(offer); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}

	var formats []string
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, f := range md.MediaName.Formats {
			if _, ok := rtpmaps[f]; ok {
				formats = append(formats, f)
			}
		}
		break
	}
	if !hasVoiceCodec(formats) {
		return nil, ErrNoCommonCodec
	}
	return buildDescription(ep, sessionID(), formats, direction).Marshal()
}

func hasVoiceCodec(formats []string) bool {
	for _, f := range formats {
		if f == "0" || f == "8" {
			return true
		}
	}
	return false
}

// Direction reports the audio direction attribute of a description,
// defaulting to sendrecv.
func Direction(body []byte) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, a := range md.Attributes {
			switch a.Key {
			case DirSendRecv, DirSendOnly, DirRecvOnly, DirInactive:
				return a.Key, nil
			}
		}
		if md.MediaName.Port.Value == 0 {
			return DirInactive, nil
		}
	}
	for _, a := range desc.Attributes {
		switch a.Key {
		case DirSendRecv, DirSendOnly, DirRecvOnly, DirInactive:
			return a.Key, nil
		}
	}
	return DirSendRecv, nil
}

// HoldDirection returns the direction attribute for a hold state.
func HoldDirection(hold bool) string {
	if hold {
		return DirSendOnly
	}
	return DirSendRecv
}
