package signaling_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/lumenchat/signal-relay/internal/auth"
	"github.com/lumenchat/signal-relay/internal/config"
	"github.com/lumenchat/signal-relay/internal/httpserver"
	"github.com/lumenchat/signal-relay/internal/metrics"
	"github.com/lumenchat/signal-relay/internal/peer"
	"github.com/lumenchat/signal-relay/internal/registry"
	"github.com/lumenchat/signal-relay/internal/signaling"
	"github.com/lumenchat/signal-relay/internal/store"
)

var integrationSecret = []byte("integration-secret")

type relayFixture struct {
	wsURL string
	store *store.Memory
}

func startRelay(t *testing.T) *relayFixture {
	t.Helper()

	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	st := store.NewMemory()
	reg := registry.New(64)
	peerMgr, err := peer.NewManager(nil)
	if err != nil {
		t.Fatalf("peer.NewManager: %v", err)
	}
	t.Cleanup(peerMgr.CloseAll)
	peers := signaling.NewPeerSessions(peerMgr)

	validator := auth.NewValidator(integrationSecret, nil, "authenticated")
	router := signaling.NewRouter(st, reg, peers, validator, log, m)
	sigSrv := signaling.NewServer(signaling.Config{
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 100,
	}, router, reg, st, peers, validator, log, m)

	httpSrv := httpserver.New(cfg, log, httpserver.BuildInfo{})
	sigSrv.RegisterRoutes(httpSrv.Mux())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
		_ = httpSrv.Close()
		<-errCh
	})

	return &relayFixture{
		wsURL: "ws://" + ln.Addr().String() + "/socket",
		store: st,
	}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{"authenticated"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(integrationSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func dial(t *testing.T, f *relayFixture, subject string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"?token="+signToken(t, subject), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write %q: %v", msg, err)
	}
}

func readResponse(t *testing.T, ws *websocket.Conn) map[string]string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]string
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", payload, err)
	}
	return msg
}

func TestSocketRejectsMissingAndInvalidTokens(t *testing.T) {
	f := startRelay(t)

	if _, resp, err := websocket.DefaultDialer.Dial(f.wsURL, nil); err == nil {
		t.Error("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v, want 401", resp)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"?token=garbage", nil); err == nil {
		t.Error("dial with invalid token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v, want 401", resp)
	}
}

func TestSocketAcceptsSubprotocolToken(t *testing.T) {
	f := startRelay(t)

	dialer := websocket.Dialer{
		Subprotocols: []string{"bearer." + signToken(t, "alice")},
	}
	ws, resp, err := dialer.Dial(f.wsURL, nil)
	if err != nil {
		t.Fatalf("dial with subprotocol token: %v", err)
	}
	defer ws.Close()
	defer resp.Body.Close()

	sendJSON(t, ws, "ping")
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != "pong" {
		t.Errorf("reply = %q, want pong", payload)
	}
}

func TestJoinVerifyScenario(t *testing.T) {
	f := startRelay(t)

	alice := dial(t, f, "alice")
	sendJSON(t, alice, `{"type":"Join","user_id":"alice"}`)
	joined := readResponse(t, alice)
	if joined["type"] != "JoinOk" || joined["room"] == "" {
		t.Fatalf("alice reply = %v, want JoinOk with room", joined)
	}
	room := joined["room"]

	verifier := dial(t, f, "bob")
	sendJSON(t, verifier, `{"type":"VerifyRoom","room":"`+room+`"}`)
	if got := readResponse(t, verifier); got["type"] != "VerifySuccess" || got["room"] != room {
		t.Errorf("verify reply = %v, want VerifySuccess %s", got, room)
	}

	third := dial(t, f, "carol")
	sendJSON(t, third, `{"type":"VerifyRoom","room":"nonexistent"}`)
	if got := readResponse(t, third); got["type"] != "VerifyError" || got["error"] != "Room does not exist" {
		t.Errorf("verify reply = %v, want VerifyError", got)
	}
}

func TestPeerJoinedBroadcastOverWire(t *testing.T) {
	f := startRelay(t)

	alice := dial(t, f, "alice")
	sendJSON(t, alice, `{"type":"Join","room":"shared","user_id":"alice"}`)
	if got := readResponse(t, alice); got["type"] != "JoinOk" {
		t.Fatalf("alice reply = %v", got)
	}

	bob := dial(t, f, "bob")
	sendJSON(t, bob, `{"type":"Join","room":"shared","user_id":"bob"}`)
	if got := readResponse(t, bob); got["type"] != "JoinOk" {
		t.Fatalf("bob reply = %v", got)
	}

	if got := readResponse(t, alice); got["type"] != "PeerJoined" || got["user_id"] != "bob" {
		t.Errorf("alice broadcast = %v, want PeerJoined bob", got)
	}
}

func TestRefreshTokenFailureClosesSocket(t *testing.T) {
	f := startRelay(t)

	ws := dial(t, f, "alice")
	sendJSON(t, ws, `{"type":"RefreshToken","token":"expired-garbage"}`)

	if got := readResponse(t, ws); got["type"] != "AuthFailed" {
		t.Fatalf("reply = %v, want AuthFailed", got)
	}

	// The server terminates the connection after AuthFailed.
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection still open after failed refresh")
	}
}

func TestDisconnectCleansUpRoomState(t *testing.T) {
	f := startRelay(t)

	ws := dial(t, f, "alice")
	sendJSON(t, ws, `{"type":"Join","room":"solo","user_id":"alice"}`)
	if got := readResponse(t, ws); got["type"] != "JoinOk" {
		t.Fatalf("reply = %v", got)
	}

	_ = ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		exists, _ := f.store.Verify(context.Background(), "solo")
		if !exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("room still exists after its only member disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOfferAnswerOverWire(t *testing.T) {
	f := startRelay(t)

	// Drive a real client-side peer connection so the offer is genuine.
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	if _, err := pc.CreateDataChannel("signal", nil); err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	offerSDP := offer.SDP

	ws := dial(t, f, "alice")
	payload, err := json.Marshal(map[string]string{"type": "Offer", "sdp": offerSDP})
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write offer: %v", err)
	}

	// The answer arrives first; trickled IceCandidate messages may follow.
	got := readResponse(t, ws)
	if got["type"] != "Answer" || got["sdp"] == "" {
		t.Fatalf("reply = %v, want Answer with sdp", got)
	}
}
