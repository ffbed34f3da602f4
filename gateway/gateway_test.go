package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/edgelobby/edgelobby/coord/memoryhost"
	"github.com/edgelobby/edgelobby/matchmaker"
	"github.com/edgelobby/edgelobby/provision/provisiontest"
	"github.com/edgelobby/edgelobby/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testGateway(t *testing.T, cfg Config) (*httptest.Server, *provisiontest.Fake) {
	t.Helper()
	host := memoryhost.New()
	t.Cleanup(func() { host.Close() })
	if err := host.CertDigests().Put(context.Background(), "9.9.9.9", []byte("aabbccdd")); err != nil {
		t.Fatalf("seed cert digest: %v", err)
	}

	fake := &provisiontest.Fake{}
	var key [token.KeyBytes]byte
	minter := token.NewMinter(1982, key)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	processor := matchmaker.NewProcessor(host, fake, minter, "testgame",
		matchmaker.WithLogger(log),
		matchmaker.WithPollInterval(10*time.Millisecond),
		matchmaker.WithMaxSessionCreationTime(500*time.Millisecond),
	)

	srv := httptest.NewServer(NewServer(cfg, processor, WithLogger(log)).Router())
	t.Cleanup(srv.Close)
	return srv, fake
}

func wsURL(srv *httptest.Server, suffix string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/matchmaker/ws" + suffix
}

// readStream collects feedback frames until the empty end-of-stream
// frame or the connection closes.
func readStream(t *testing.T, conn *websocket.Conn) []matchmaker.Feedback {
	t.Helper()
	var events []matchmaker.Feedback
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return events
		}
		if len(data) == 0 {
			return events
		}
		fb, err := matchmaker.ParseFeedback(data)
		if err != nil {
			t.Fatalf("bad feedback frame %s: %v", data, err)
		}
		events = append(events, fb)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testGateway(t, Config{FakeIP: "81.128.157.100"})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv, fake := testGateway(t, Config{FakeIP: "81.128.157.100"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?client_ip=1.2.3.4"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The client-supplied client_ip field must be ignored.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"client_ip":"6.6.6.6"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := readStream(t, conn)
	if len(events) < 2 {
		t.Fatalf("stream too short: %+v", events)
	}
	if _, ok := events[0].(matchmaker.Acknowledged); !ok {
		t.Fatalf("first event %T, want Acknowledged", events[0])
	}
	ready, ok := events[len(events)-1].(matchmaker.SessionReady)
	if !ok {
		t.Fatalf("last event %T, want SessionReady", events[len(events)-1])
	}
	if ready.IP != "9.9.9.9" {
		t.Fatalf("ready ip %q", ready.IP)
	}

	if len(fake.CreateCalls) != 1 || fake.CreateCalls[0].IPList[0] != "1.2.3.4" {
		t.Fatalf("provisioned with %+v, want querystring ip", fake.CreateCalls)
	}
}

func TestLocalhostGetsFakeIP(t *testing.T) {
	srv, fake := testGateway(t, Config{FakeIP: "81.128.157.100"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readStream(t, conn)

	if len(fake.CreateCalls) != 1 || fake.CreateCalls[0].IPList[0] != "81.128.157.100" {
		t.Fatalf("provisioned with %+v, want the fake ip", fake.CreateCalls)
	}
}

func TestForwardedForIsUsed(t *testing.T) {
	srv, fake := testGateway(t, Config{FakeIP: "81.128.157.100"})

	header := http.Header{"X-Forwarded-For": []string{"5.6.7.8, 10.0.0.1"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readStream(t, conn)

	if len(fake.CreateCalls) != 1 || fake.CreateCalls[0].IPList[0] != "5.6.7.8" {
		t.Fatalf("provisioned with %+v, want first forwarded hop", fake.CreateCalls)
	}
}

func TestAuthGate(t *testing.T) {
	const secret = "shh"
	srv, fake := testGateway(t, Config{FakeIP: "81.128.157.100", AuthSecret: secret})

	// No ticket: the upgrade is refused.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err == nil {
		t.Fatal("dial without ticket succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}

	// Wrong secret: refused too.
	bad, err := MintTicket("player-1", "other", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?ticket="+bad), nil); err == nil {
		t.Fatal("dial with forged ticket succeeded")
	}

	// Valid ticket via querystring.
	ticket, err := MintTicket("player-1", secret, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?ticket="+ticket), nil)
	if err != nil {
		t.Fatalf("dial with ticket: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	events := readStream(t, conn)
	if len(events) == 0 {
		t.Fatal("no events with a valid ticket")
	}

	// Valid ticket via bearer header.
	header := http.Header{"Authorization": []string{"Bearer " + ticket}}
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	if err != nil {
		t.Fatalf("dial with bearer: %v", err)
	}
	conn2.Close()

	if len(fake.CreateCalls) == 0 {
		t.Fatal("no session provisioned for the authorized request")
	}
}

func TestFirstMessageTimeout(t *testing.T) {
	srv, fake := testGateway(t, Config{FakeIP: "81.128.157.100", FirstMessageWait: 100 * time.Millisecond})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Send nothing; the server must hang up.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open without a request message")
	}
	if len(fake.CreateCalls) != 0 {
		t.Fatal("session provisioned without a request")
	}
}

func TestMalformedRequestClosesConnection(t *testing.T) {
	srv, fake := testGateway(t, Config{FakeIP: "81.128.157.100"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close after malformed request")
	}
	if len(fake.CreateCalls) != 0 {
		t.Fatal("session provisioned for malformed request")
	}
}
