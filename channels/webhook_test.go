package channels

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/msgrelay/bridge"
)

func TestNotifier_SignVerify(t *testing.T) {
	n := NewNotifier("topsecret")
	body := []byte(`{"event":"ready"}`)

	sig := n.Sign(body)
	if !n.Verify(body, sig) {
		t.Fatal("signature must verify against the same body")
	}
	if n.Verify([]byte(`{"event":"tampered"}`), sig) {
		t.Fatal("signature must not verify a different body")
	}
	if n.Verify(body, "not-hex") {
		t.Fatal("malformed signature must not verify")
	}

	other := NewNotifier("different")
	if other.Verify(body, sig) {
		t.Fatal("signature must not verify under a different secret")
	}
}

func TestNotifier_DeliversSignedEvent(t *testing.T) {
	n := NewNotifier("topsecret")

	got := make(chan struct {
		body []byte
		sig  string
	}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- struct {
			body []byte
			sig  string
		}{body, r.Header.Get(SignatureHeader)}
	}))
	defer srv.Close()

	n.Notify(srv.URL, bridge.Event{
		Type:   bridge.EventDisconnected,
		Reason: "transport closed",
		Err:    errors.New("read: connection reset"),
	})

	rec := <-got
	if !n.Verify(rec.body, rec.sig) {
		t.Fatal("delivered body does not verify against its signature")
	}
	for _, want := range []string{"disconnected", "transport closed", "connection reset"} {
		if !strings.Contains(string(rec.body), want) {
			t.Fatalf("payload missing %q: %s", want, rec.body)
		}
	}
}
