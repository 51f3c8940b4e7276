package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/analytics"
	"github.com/liveaudio/backend/internal/auth"
	"github.com/liveaudio/backend/internal/media"
	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
	"github.com/liveaudio/backend/internal/sessions"
	"github.com/liveaudio/backend/pkg/response"
	"github.com/liveaudio/backend/pkg/utils"
)

const (
	// Connection roles on the wire.
	RoleListener    = "listener"
	RoleBroadcaster = "broadcaster"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var errOwnerOnly = errors.New("only the broadcast owner may do this")

// SessionStore is the slice of the sessions repository the gateway needs to
// authenticate broadcasters and validate channel joins.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	HasAccess(ctx context.Context, sessionID, userID string) (bool, error)
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)
}

// Gateway owns the websocket endpoint and everything a connection needs.
type Gateway struct {
	hub       *Hub
	registry  *registry.Registry
	resolver  *sessions.CodeResolver
	sessions  SessionStore
	tokens    *auth.TokenService
	versions  *auth.VersionStore
	media     *media.Client
	analytics *analytics.Service
	recorder  *analytics.Recorder
	debugMode func(ctx context.Context) bool
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func NewGateway(
	hub *Hub,
	reg *registry.Registry,
	resolver *sessions.CodeResolver,
	repo SessionStore,
	tokens *auth.TokenService,
	versions *auth.VersionStore,
	mediaClient *media.Client,
	analyticsService *analytics.Service,
	recorder *analytics.Recorder,
	debugMode func(ctx context.Context) bool,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		hub:       hub,
		registry:  reg,
		resolver:  resolver,
		sessions:  repo,
		tokens:    tokens,
		versions:  versions,
		media:     mediaClient,
		analytics: analyticsService,
		recorder:  recorder,
		debugMode: debugMode,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin is checked by the HTTP CORS layer; the ws
			// endpoint is reachable from any configured origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Client is one websocket connection.
type Client struct {
	id        string
	gw        *Gateway
	conn      *websocket.Conn
	send      chan []byte
	role      string
	identity  registry.Identity
	sessionID string
	session   *models.Session
	ip        string
	userAgent string

	mu     sync.Mutex
	closed bool
}

// ServeWS authenticates the handshake and runs the connection. Listeners
// authenticate with a session code only; broadcasters need a socket token
// (or session cookie), an access grant and the matching code.
func (g *Gateway) ServeWS(c *gin.Context) {
	role := c.Query("role")
	if role != RoleListener && role != RoleBroadcaster {
		response.BadRequest(c, "role must be listener or broadcaster")
		return
	}

	var (
		session  *models.Session
		identity registry.Identity
		err      error
	)
	if role == RoleListener {
		session, err = g.resolver.ResolveActive(c.Request.Context(), c.Query("sessionCode"))
		if err != nil {
			response.Internal(c, "handshake failed")
			return
		}
		if session == nil {
			response.Unauthorized(c, "invalid session code")
			return
		}
	} else {
		session, identity, err = g.authBroadcaster(c)
		if err != nil {
			return // authBroadcaster already answered
		}
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &Client{
		id:        uuid.New().String(),
		gw:        g,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		role:      role,
		identity:  identity,
		sessionID: session.ID.String(),
		session:   session,
		ip:        c.ClientIP(),
		userAgent: c.Request.UserAgent(),
	}
	g.hub.register(client)

	if role == RoleBroadcaster && !g.claimSlot(client) {
		return
	}
	if role == RoleListener {
		g.registry.AddListenerConn(client.id, client.sessionID)
	}

	go client.writePump()
	client.readPump()
}

// authBroadcaster validates the broadcaster handshake and writes the HTTP
// error itself on failure.
func (g *Gateway) authBroadcaster(c *gin.Context) (*models.Session, registry.Identity, error) {
	failed := errors.New("handshake rejected")

	claims := g.broadcasterClaims(c)
	if claims == nil {
		response.Unauthorized(c, "authentication required")
		return nil, registry.Identity{}, failed
	}
	sv, err := g.versions.Current(c.Request.Context(), claims.VersionIdentity())
	if err != nil {
		response.Internal(c, "handshake failed")
		return nil, registry.Identity{}, failed
	}
	if claims.SessionVersion != sv {
		response.Unauthorized(c, "session has been revoked")
		return nil, registry.Identity{}, failed
	}
	if claims.Role != string(models.RoleAdmin) && claims.Role != string(models.RoleBroadcaster) {
		response.Forbidden(c, "insufficient permissions")
		return nil, registry.Identity{}, failed
	}

	sessionID := c.Query("sessionId")
	if claims.SessionID != "" && claims.SessionID != sessionID {
		response.Forbidden(c, "token is scoped to another session")
		return nil, registry.Identity{}, failed
	}
	session, err := g.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "handshake failed")
		return nil, registry.Identity{}, failed
	}
	if session == nil || session.Status != models.SessionActive {
		response.NotFound(c, "session not found")
		return nil, registry.Identity{}, failed
	}
	if !codeMatches(session, c.Query("sessionCode")) {
		response.Unauthorized(c, "invalid session code")
		return nil, registry.Identity{}, failed
	}
	if claims.Role != string(models.RoleAdmin) {
		ok, err := g.sessions.HasAccess(c.Request.Context(), sessionID, claims.UserID)
		if err != nil {
			response.Internal(c, "handshake failed")
			return nil, registry.Identity{}, failed
		}
		if !ok {
			response.NotFound(c, "session not found")
			return nil, registry.Identity{}, failed
		}
	}
	return session, registry.Identity{UserID: claims.UserID, Name: claims.Name}, nil
}

// broadcasterClaims accepts a socket token from the query string or falls
// back to the session cookie.
func (g *Gateway) broadcasterClaims(c *gin.Context) *auth.Claims {
	if token := c.Query("token"); token != "" {
		if claims, err := g.tokens.Validate(token, auth.TokenKindSocket); err == nil {
			return claims
		}
		return nil
	}
	cookie, err := c.Cookie(auth.CookieName)
	if err != nil || cookie == "" {
		return nil
	}
	claims, err := g.tokens.Validate(cookie, auth.TokenKindSession)
	if err != nil {
		return nil
	}
	return claims
}

func codeMatches(session *models.Session, code string) bool {
	if code == "" {
		return false
	}
	if session.BroadcastCode != nil {
		return *session.BroadcastCode == code
	}
	if session.BroadcastCodeHash != nil {
		return utils.CheckCode(code, *session.BroadcastCodeHash)
	}
	return false
}

// claimSlot runs the ownership handshake. On rejection the client gets a
// structured takeover prompt and the connection closes; false means the
// caller must not start the pumps.
func (g *Gateway) claimSlot(client *Client) bool {
	granted, first, owner := g.registry.TrySetOwner(client.sessionID, client.identity, client.id)
	if !granted {
		since := owner.StartedAt
		if msg, err := encodeEvent(EventTakeoverRequired, takeoverPayload{OwnerName: owner.Name, Since: &since}); err == nil {
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.TextMessage, msg)
		}
		g.hub.unregister(client)
		client.conn.Close()
		return false
	}

	if first {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.analytics.StartFreshWindow(ctx, client.session.ID); err != nil {
			g.logger.Error("fresh measurement window failed", zap.String("sessionId", client.sessionID), zap.Error(err))
		}
	}
	g.hub.NotifyOwnershipChanged(client.sessionID, owner.Name, false)
	return true
}

func (cl *Client) trySend(msg []byte) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return
	}
	select {
	case cl.send <- msg:
	default:
	}
}

func (cl *Client) close() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return
	}
	cl.closed = true
	close(cl.send)
}

func (cl *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (cl *Client) readPump() {
	defer cl.gw.disconnect(cl)
	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			cl.respond(env.ReqID, nil, errors.New("malformed message"))
			continue
		}
		data, err := cl.gw.dispatch(cl, &env)
		cl.respond(env.ReqID, data, err)
	}
}

func (cl *Client) respond(reqID string, data any, err error) {
	frame := responseFrame{Event: "response", ReqID: reqID, OK: err == nil, Data: data}
	if err != nil {
		frame.Error = err.Error()
	}
	if msg, merr := json.Marshal(frame); merr == nil {
		cl.trySend(msg)
	}
}

// dispatch routes one client event. Errors are soft: the response frame
// carries them and the connection lives on.
func (g *Gateway) dispatch(cl *Client, env *envelope) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Event {
	case EventGetCapabilities:
		raw, err := g.media.Join(ctx, cl.sessionID, cl.id, cl.role)
		return json.RawMessage(raw), err

	case EventListenerJoin:
		return g.handleListenerJoin(ctx, cl, env.Data)

	case EventCreateTransportB:
		if err := g.requireOwner(cl); err != nil {
			return nil, err
		}
		var p createTransportPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, errors.New("malformed createTransport payload")
			}
		}
		if p.Direction == "" {
			p.Direction = "send"
		}
		raw, err := g.media.CreateTransport(ctx, cl.sessionID, cl.id, p.Direction)
		return json.RawMessage(raw), err

	case EventCreateTransportL:
		raw, err := g.media.CreateTransport(ctx, cl.sessionID, cl.id, "recv")
		return json.RawMessage(raw), err

	case EventTransportConnect:
		var p transportConnectPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.TransportID == "" {
			return nil, errors.New("transportId and dtlsParameters are required")
		}
		return nil, g.media.ConnectTransport(ctx, cl.sessionID, cl.id, p.TransportID, p.DTLSParameters)

	case EventProduce:
		return g.handleProduce(ctx, cl, env.Data)

	case EventConsume:
		return g.handleConsume(ctx, cl, env.Data)

	case EventConsumerResume:
		var p consumerResumePayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.ConsumerID == "" {
			return nil, errors.New("consumerId is required")
		}
		return nil, g.media.ResumeConsumer(ctx, cl.sessionID, cl.id, p.ConsumerID)

	case EventSetLiveMode:
		if err := g.requireOwner(cl); err != nil {
			return nil, err
		}
		var p setLiveModePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, errors.New("mode is required")
		}
		mode := registry.NormalizeLiveMode(p.Mode)
		g.registry.SetLiveMode(cl.sessionID, mode)
		g.hub.NotifyLiveModeChanged(cl.sessionID, mode)
		return liveModePayload{Mode: mode}, nil

	case EventReportToneState:
		if !g.debugMode(ctx) {
			return nil, errors.New("debug mode is disabled")
		}
		g.hub.Broadcast(cl.sessionID, EventToneState, env.Data)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown event %q", env.Event)
}

// handleListenerJoin moves the listener onto a channel. Switching channels
// records a leave fact (with the stay duration) for the old channel, a join
// fact for the new one and a fresh snapshot. Re-joining the same channel is
// a no-op.
func (g *Gateway) handleListenerJoin(ctx context.Context, cl *Client, data json.RawMessage) (any, error) {
	if cl.role != RoleListener {
		return nil, errors.New("only listeners join channels")
	}
	var p joinSessionPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		return nil, errors.New("channelId is required")
	}
	channel, err := g.channelOf(ctx, cl, p.ChannelID)
	if err != nil {
		return nil, err
	}

	prev, ok := g.registry.SetListenerChannel(cl.id, p.ChannelID)
	if !ok {
		return nil, errors.New("connection is not registered")
	}
	if prev.ChannelID == p.ChannelID {
		return g.registry.ChannelCounts(cl.sessionID), nil
	}

	if prev.ChannelID != "" {
		cl.recordFact(models.EventListenerLeave, prev.ChannelID, analytics.DurationReason(time.Since(prev.JoinedAt)))
		cl.recordEventPoint(models.MetricListenerLeave, prev.ChannelID)
	}
	cl.recordFact(models.EventListenerJoin, channel.ID.String(), "")
	cl.recordEventPoint(models.MetricListenerJoin, channel.ID.String())
	g.registry.RecordSnapshot(cl.sessionID)

	return g.registry.ChannelCounts(cl.sessionID), nil
}

func (g *Gateway) handleProduce(ctx context.Context, cl *Client, data json.RawMessage) (any, error) {
	if err := g.requireOwner(cl); err != nil {
		return nil, err
	}
	var p producePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		return nil, errors.New("channelId and rtpParameters are required")
	}
	if _, err := g.channelOf(ctx, cl, p.ChannelID); err != nil {
		return nil, err
	}
	producerID, err := g.media.Produce(ctx, cl.sessionID, cl.id, p.ChannelID, p.RTPParameters)
	if err != nil {
		return nil, err
	}
	g.hub.Broadcast(cl.sessionID, EventProducerAvailable, producerAvailablePayload{ChannelID: p.ChannelID})
	return gin.H{"producerId": producerID}, nil
}

// handleConsume subscribes the listener to its joined channel's audio and
// records a consume fact.
func (g *Gateway) handleConsume(ctx context.Context, cl *Client, data json.RawMessage) (any, error) {
	if cl.role != RoleListener {
		return nil, errors.New("only listeners consume")
	}
	var p consumePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ChannelID == "" {
		return nil, errors.New("channelId and rtpCapabilities are required")
	}
	state, ok := g.registry.ListenerState(cl.id)
	if !ok || state.ChannelID != p.ChannelID {
		return nil, errors.New("join the channel before consuming")
	}
	raw, err := g.media.Consume(ctx, cl.sessionID, cl.id, p.ChannelID, p.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	cl.recordFact(models.EventListenerConsume, p.ChannelID, "")
	cl.recordEventPoint(models.MetricListenerConsume, p.ChannelID)
	return json.RawMessage(raw), nil
}

func (g *Gateway) requireOwner(cl *Client) error {
	if cl.role != RoleBroadcaster {
		return errOwnerOnly
	}
	owner, ok := g.registry.Owner(cl.sessionID)
	if !ok || !sameIdentity(owner.Identity, cl.identity) {
		return errOwnerOnly
	}
	return nil
}

func sameIdentity(a, b registry.Identity) bool {
	if a.UserID != "" && b.UserID != "" {
		return a.UserID == b.UserID
	}
	return utils.NormalizeName(a.Name) == utils.NormalizeName(b.Name)
}

// channelOf resolves a channel id and checks it belongs to the client's
// session and is active.
func (g *Gateway) channelOf(ctx context.Context, cl *Client, channelID string) (*models.Channel, error) {
	id, err := uuid.Parse(channelID)
	if err != nil {
		return nil, errors.New("invalid channelId")
	}
	channel, err := g.sessions.GetChannel(ctx, id)
	if err != nil {
		return nil, errors.New("channel lookup failed")
	}
	if channel == nil || channel.SessionID != cl.session.ID || !channel.IsActive {
		return nil, errors.New("unknown channel")
	}
	return channel, nil
}

func (cl *Client) recordFact(eventType models.AccessEventType, channelID, reason string) {
	log := models.AccessLog{
		SessionID: cl.session.ID,
		EventType: eventType,
		Success:   true,
		Reason:    reason,
		IP:        cl.ip,
		UserAgent: cl.userAgent,
	}
	if id, err := uuid.Parse(channelID); err == nil {
		log.ChannelID = &id
	}
	cl.gw.recorder.RecordAccess(log)
}

func (cl *Client) recordEventPoint(metric, channelID string) {
	point := models.AnalyticsPoint{
		SessionID: cl.session.ID,
		Metric:    metric,
		Value:     1,
		TS:        time.Now().UTC(),
	}
	if id, err := uuid.Parse(channelID); err == nil {
		point.ChannelID = &id
	}
	cl.gw.recorder.RecordPoint(point)
}

// disconnect tears down one connection's state and notifies media and the
// room. Media failures are logged and otherwise ignored.
func (g *Gateway) disconnect(cl *Client) {
	g.hub.unregister(cl)
	cl.close()

	switch cl.role {
	case RoleListener:
		if st, ok := g.registry.RemoveListenerConn(cl.id); ok && st.ChannelID != "" {
			cl.recordFact(models.EventListenerLeave, st.ChannelID, analytics.DurationReason(time.Since(st.JoinedAt)))
			cl.recordEventPoint(models.MetricListenerLeave, st.ChannelID)
			g.registry.RecordSnapshot(cl.sessionID)
		}
	case RoleBroadcaster:
		res := g.registry.RemoveBroadcasterConn(cl.sessionID, cl.id)
		if res.OwnerCleared {
			g.hub.Broadcast(cl.sessionID, EventOwnerDisconnected, ownershipPayload{OwnerName: cl.identity.Name})
			g.hub.NotifyLiveModeChanged(cl.sessionID, registry.ModeNone)
			g.analytics.RecordBroadcastStop(cl.session.ID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.media.DisconnectClient(ctx, cl.sessionID, cl.id); err != nil {
		g.logger.Warn("media disconnect failed", zap.String("sessionId", cl.sessionID), zap.Error(err))
	}
}
