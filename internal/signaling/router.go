package signaling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/lumenchat/signal-relay/internal/auth"
	"github.com/lumenchat/signal-relay/internal/metrics"
	"github.com/lumenchat/signal-relay/internal/registry"
	"github.com/lumenchat/signal-relay/internal/store"
)

// defaultSendTimeout bounds how long a handler waits for space in a member's
// outbound queue before treating the member as dead.
const defaultSendTimeout = 5 * time.Second

const roomNotFoundMessage = "Room does not exist"

// PeerSession is the per-connection WebRTC negotiation surface the router
// drives.
type PeerSession interface {
	Answer(offerSDP string) (string, error)
	AddCandidate(candidateJSON string) error
}

// PeerSessions manages the sessions keyed by connection ID.
type PeerSessions interface {
	GetOrCreate(connID string, onCandidate func(candidateJSON string)) (PeerSession, error)
	Get(connID string) (PeerSession, error)
	Close(connID string)
}

// TokenValidator checks bearer tokens on connect and refresh.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

// Router dispatches decoded client messages to their handlers. One Router
// serves all connections; per-connection state lives in the store and the
// peer session manager, keyed by connection ID.
type Router struct {
	store       store.Store
	reg         *registry.Registry
	peers       PeerSessions
	auth        TokenValidator
	log         *slog.Logger
	metrics     *metrics.Metrics
	sendTimeout time.Duration
}

func NewRouter(
	st store.Store,
	reg *registry.Registry,
	peers PeerSessions,
	validator TokenValidator,
	log *slog.Logger,
	m *metrics.Metrics,
) *Router {
	return &Router{
		store:       st,
		reg:         reg,
		peers:       peers,
		auth:        validator,
		log:         log,
		metrics:     m,
		sendTimeout: defaultSendTimeout,
	}
}

// HandleMessage processes one inbound frame from connID, in arrival order.
// The returned closeConn is true when the connection must be terminated (a
// failed token refresh).
func (rt *Router) HandleMessage(ctx context.Context, connID string, data []byte) (closeConn bool) {
	// The literal "ping" is answered before any JSON parsing.
	if string(data) == "ping" {
		rt.reply(ctx, connID, []byte("pong"))
		return false
	}

	msg, err := decodeInbound(data)
	if err != nil {
		rt.metrics.Inc(metrics.MessageRejected)
		rt.reply(ctx, connID, respError(err.Error()))
		return false
	}
	rt.metrics.Inc(metrics.MessageRouted)

	switch msg.kind {
	case kindCreate:
		rt.handleCreate(ctx, connID)
	case kindJoin:
		rt.handleJoin(ctx, connID, msg.join)
	case kindOffer:
		rt.handleOffer(ctx, connID, msg.offer)
	case kindIceCandidate:
		rt.handleIceCandidate(ctx, connID, msg.iceCandidate)
	case kindRefreshToken:
		return rt.handleRefreshToken(ctx, connID, msg.refreshToken)
	case kindVerifyRoom:
		rt.handleVerifyRoom(ctx, connID, msg.verifyRoom)
	}
	return false
}

func (rt *Router) handleCreate(ctx context.Context, connID string) {
	roomID := newRoomID()
	rt.metrics.Inc(metrics.RoomCreated)
	rt.reply(ctx, connID, respCreateOK(roomID))
}

func (rt *Router) handleJoin(ctx context.Context, connID string, msg *joinMessage) {
	room := msg.Room
	if room == "" {
		room = newRoomID()
		rt.metrics.Inc(metrics.RoomCreated)
	}

	if err := rt.store.Join(ctx, connID, room, msg.UserID); err != nil {
		rt.log.Error("join failed", "conn_id", connID, "room", room, "error", err)
		rt.reply(ctx, connID, respError("failed to join room"))
		return
	}
	rt.metrics.Inc(metrics.RoomJoined)

	rt.reply(ctx, connID, respJoinOk(room))
	rt.broadcastToRoom(ctx, room, connID, respPeerJoined(msg.UserID))
}

func (rt *Router) handleOffer(ctx context.Context, connID string, msg *offerMessage) {
	_, existsErr := rt.peers.Get(connID)
	session, err := rt.peers.GetOrCreate(connID, rt.candidateSink(connID))
	if err != nil {
		rt.log.Error("peer session create failed", "conn_id", connID, "error", err)
		rt.reply(ctx, connID, respError("failed to create peer session"))
		return
	}
	if existsErr != nil {
		rt.metrics.Inc(metrics.PeerSessionOpened)
	}

	answer, err := session.Answer(msg.SDP)
	if err != nil {
		rt.log.Warn("offer rejected", "conn_id", connID, "error", err)
		rt.reply(ctx, connID, respError("failed to process offer"))
		return
	}
	rt.reply(ctx, connID, respAnswer(answer))
}

func (rt *Router) handleIceCandidate(ctx context.Context, connID string, msg *iceCandidateMessage) {
	session, err := rt.peers.Get(connID)
	if err != nil {
		rt.reply(ctx, connID, respError("no peer session for connection"))
		return
	}
	if err := session.AddCandidate(msg.Candidate); err != nil {
		rt.log.Warn("ice candidate rejected", "conn_id", connID, "error", err)
		rt.reply(ctx, connID, respError("failed to add ICE candidate"))
	}
}

func (rt *Router) handleRefreshToken(ctx context.Context, connID string, msg *refreshTokenMessage) (closeConn bool) {
	claims, err := rt.auth.Validate(ctx, msg.Token)
	if err != nil {
		rt.metrics.Inc(metrics.AuthRefreshFailed)
		rt.log.Warn("token refresh failed", "conn_id", connID, "error", err)
		rt.reply(ctx, connID, respAuthFailed())
		return true
	}

	md, _, mdErr := rt.store.Metadata(ctx, connID)
	if mdErr != nil {
		rt.log.Error("metadata read failed during refresh", "conn_id", connID, "error", mdErr)
		rt.reply(ctx, connID, respError("failed to update session"))
		return false
	}
	md.UserID = claims.UserID()
	md.LastVerifiedAt = time.Now()
	if err := rt.store.SetMetadata(ctx, connID, md); err != nil {
		rt.log.Error("metadata update failed during refresh", "conn_id", connID, "error", err)
		rt.reply(ctx, connID, respError("failed to update session"))
		return false
	}

	rt.reply(ctx, connID, respAuthOk())
	return false
}

func (rt *Router) handleVerifyRoom(ctx context.Context, connID string, msg *verifyRoomMessage) {
	exists, err := rt.store.Verify(ctx, msg.Room)
	if err != nil {
		rt.log.Error("room verify failed", "room", msg.Room, "error", err)
		rt.reply(ctx, connID, respError("failed to verify room"))
		return
	}
	if exists {
		rt.reply(ctx, connID, respVerifySuccess(msg.Room))
	} else {
		rt.reply(ctx, connID, respVerifyError(roomNotFoundMessage))
	}
}

// candidateSink routes locally gathered ICE candidates back to the owning
// client. It runs on the WebRTC engine's goroutines, so delivery is bounded
// by the send timeout rather than blocking indefinitely.
func (rt *Router) candidateSink(connID string) func(candidateJSON string) {
	return func(candidateJSON string) {
		ctx, cancel := context.WithTimeout(context.Background(), rt.sendTimeout)
		defer cancel()
		if err := rt.reg.Send(ctx, connID, respIceCandidate(candidateJSON)); err != nil {
			rt.log.Debug("ice candidate delivery failed", "conn_id", connID, "error", err)
		}
	}
}

// reply sends a response to the handling connection itself. A failure means
// the connection is going away; the reader loop will observe that shortly, so
// the error is only logged.
func (rt *Router) reply(ctx context.Context, connID string, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, rt.sendTimeout)
	defer cancel()
	if err := rt.reg.Send(ctx, connID, payload); err != nil {
		rt.log.Debug("reply delivery failed", "conn_id", connID, "error", err)
	}
}

// broadcastToRoom delivers payload to every member of room except exclude.
// Membership is snapshotted first; a failed delivery prunes that member and
// never blocks delivery to the rest.
func (rt *Router) broadcastToRoom(ctx context.Context, room, exclude string, payload []byte) {
	members, err := rt.store.Members(ctx, room)
	if err != nil {
		rt.log.Error("room members lookup failed", "room", room, "error", err)
		return
	}

	for _, member := range members {
		if member == exclude {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, rt.sendTimeout)
		err := rt.reg.Send(sendCtx, member, payload)
		cancel()
		if err == nil {
			continue
		}

		rt.metrics.Inc(metrics.BroadcastPruned)
		rt.log.Info("pruning unreachable room member", "room", room, "conn_id", member, "error", err)
		if err := rt.store.RemoveFromRoom(ctx, room, member); err != nil {
			rt.log.Error("member prune failed", "room", room, "conn_id", member, "error", err)
		}
	}
}

// newRoomID mints an unguessable room identifier.
func newRoomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
