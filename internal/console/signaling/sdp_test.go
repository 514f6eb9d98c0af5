package signaling

import (
	"errors"
	"strings"
	"testing"
)

var testEndpoint = MediaEndpoint{Host: "10.0.0.5", Port: 40000}

func TestBuildOfferDirection(t *testing.T) {
	for _, hold := range []bool{false, true} {
		body, err := BuildOffer(testEndpoint, 7, HoldDirection(hold))
		if err != nil {
			t.Fatalf("BuildOffer() error = %v", err)
		}
		got, err := Direction(body)
		if err != nil {
			t.Fatalf("Direction() error = %v", err)
		}
		if want := HoldDirection(hold); got != want {
			t.Errorf("Direction(offer hold=%v) = %q, want %q", hold, got, want)
		}
		if !strings.Contains(string(body), "m=audio 40000 RTP/AVP 0 8 101") {
			t.Errorf("offer missing media line:\n%s", body)
		}
	}
}

func TestBuildAnswerKeepsOfferOrder(t *testing.T) {
	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 RTP/AVP 9 8 0\r\n" +
		"a=sendrecv\r\n"

	answer, err := BuildAnswer([]byte(offer), testEndpoint, DirSendRecv)
	if err != nil {
		t.Fatalf("BuildAnswer() error = %v", err)
	}
	if !strings.Contains(string(answer), "m=audio 40000 RTP/AVP 8 0") {
		t.Errorf("answer formats wrong:\n%s", answer)
	}
}

func TestBuildAnswerNoCommonCodec(t *testing.T) {
	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 RTP/AVP 9\r\n"

	if _, err := BuildAnswer([]byte(offer), testEndpoint, DirSendRecv); !errors.Is(err, ErrNoCommonCodec) {
		t.Errorf("BuildAnswer() error = %v, want ErrNoCommonCodec", err)
	}
}
