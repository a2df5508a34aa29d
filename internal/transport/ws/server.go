// Package ws is the authenticated event socket. Every inbound frame is a
// typed request answered with exactly one reply carrying the same event and
// id; broadcasts from the bus are forwarded without an id.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wagercore/internal/battles"
	"wagercore/internal/bus"
	"wagercore/internal/mines"
	"wagercore/internal/unbox"
	"wagercore/internal/wager"
)

var (
	metricConnections = expvar.NewInt("ws_connections")
	metricRequests    = expvar.NewInt("ws_requests_total")
	metricErrors      = expvar.NewInt("ws_request_errors_total")
	metricDropped     = expvar.NewInt("ws_send_dropped_total")
)

type MinesService interface {
	Start(ctx context.Context, userID string, bet int64, mineCount int, clientSeed string) (*mines.StartResult, error)
	Reveal(ctx context.Context, userID string, index int) (*mines.RevealResult, error)
	Cashout(ctx context.Context, userID string) (*mines.CashoutResult, error)
	Abandon(ctx context.Context, userID string) error
	State(ctx context.Context, userID string) (mines.View, error)
}

type BattlesService interface {
	Create(ctx context.Context, creatorID string, req battles.CreateRequest) (*wager.Room, error)
	Join(ctx context.Context, userID string, req battles.JoinRequest) (*wager.Room, error)
	Leave(ctx context.Context, userID, roomID string) (*wager.Room, error)
	Sponsor(ctx context.Context, userID, roomID string, seat int) (*wager.Room, error)
	Details(ctx context.Context, roomID string) (*wager.Room, error)
	List(ctx context.Context, limit int) ([]wager.Room, error)
}

type UnboxService interface {
	Open(ctx context.Context, userID, caseID, clientSeed string) (*unbox.Result, error)
}

type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Accounts is the slice of the ledger the socket needs on connect.
type Accounts interface {
	EnsureAccount(ctx context.Context, userID, walletType string, initial int64) error
	Account(ctx context.Context, userID string) (wager.Account, error)
}

type Deps struct {
	Mines    MinesService
	Battles  BattlesService
	Unbox    UnboxService
	Auth     Authenticator
	Accounts Accounts
	Hub      *bus.Hub
}

type Config struct {
	InitialBalance int64
	WalletType     string
	SendBuffer     int
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ListLimit      int
}

func (c Config) withDefaults() Config {
	if c.WalletType == "" {
		c.WalletType = "main"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 50
	}
	return c
}

type Client struct {
	conn   *websocket.Conn
	userID string
	sub    *bus.Subscription

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// safeSend queues msg without blocking. A full buffer drops the frame.
func (c *Client) safeSend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		metricDropped.Add(1)
		return false
	}
}

func (c *Client) safeClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type Server struct {
	deps     Deps
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	byUser map[string]map[*Client]struct{}
}

func NewServer(deps Deps, cfg Config) *Server {
	return &Server{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		byUser:   map[string]map[*Client]struct{}{},
	}
}

// HandleWS authenticates before upgrading; an unauthenticated request never
// becomes a socket.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Auth.Authenticate(r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if err := s.deps.Accounts.EnsureAccount(r.Context(), userID, s.cfg.WalletType, s.cfg.InitialBalance); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("ensure account failed")
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Client{conn: conn, userID: userID, send: make(chan []byte, s.cfg.SendBuffer)}
	if s.deps.Hub != nil {
		c.sub = s.deps.Hub.Subscribe(bus.UserTopic(userID), bus.LobbyTopic)
	}
	s.register(c)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go s.writeLoop(c)
	if c.sub != nil {
		go s.forward(c)
	}
	s.readLoop(ctx, c)
}

func (s *Server) register(c *Client) {
	metricConnections.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byUser[c.userID]
	if set == nil {
		set = map[*Client]struct{}{}
		s.byUser[c.userID] = set
	}
	set[c] = struct{}{}
}

// unregister reports whether c was the user's last open socket.
func (s *Server) unregister(c *Client) bool {
	metricConnections.Add(-1)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byUser[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(s.byUser, c.userID)
		return true
	}
	return false
}

// Connected reports how many sockets userID holds.
func (s *Server) Connected(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser[userID])
}

func (s *Server) readLoop(ctx context.Context, c *Client) {
	defer func() {
		if c.sub != nil {
			c.sub.Close()
		}
		c.safeClose()
		_ = c.conn.Close()
		if s.unregister(c) {
			s.disconnected(ctx, c.userID)
		}
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Event == "" {
			s.replyError(c, Envelope{Event: "error"}, wager.ErrInvalidRequest)
			continue
		}
		metricRequests.Add(1)
		s.handle(ctx, c, env)
	}
}

// disconnected abandons an open mines round once the user has no socket
// left. It must outlive the connection's context.
func (s *Server) disconnected(ctx context.Context, userID string) {
	if s.deps.Mines == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.deps.Mines.Abandon(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("abandon mines on disconnect failed")
	}
}

func (s *Server) writeLoop(c *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// forward relays bus events for the client's topics until the subscription
// closes.
func (s *Server) forward(c *Client) {
	for ev := range c.sub.C() {
		msg, err := json.Marshal(Envelope{Event: ev.Name, Data: ev.Data})
		if err != nil {
			continue
		}
		c.safeSend(msg)
	}
}

func (s *Server) handle(ctx context.Context, c *Client, env Envelope) {
	req, err := Decode(env)
	if err != nil {
		s.replyError(c, env, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	out, err := s.dispatch(ctx, c, env.Event, req)
	if err != nil {
		logRequestError(c.userID, env.Event, err)
		s.replyError(c, env, err)
		return
	}
	data, err := successReply(out)
	if err != nil {
		s.replyError(c, env, err)
		return
	}
	s.reply(c, env, data)
}

func (s *Server) dispatch(ctx context.Context, c *Client, event string, req Request) (any, error) {
	switch event {
	case EventMinesStart:
		r := req.(*MinesStartRequest)
		return s.deps.Mines.Start(ctx, c.userID, r.BetAmount, r.MineCount, r.ClientSeed)
	case EventMinesReveal:
		return s.deps.Mines.Reveal(ctx, c.userID, *req.(*MinesRevealRequest).Index)
	case EventMinesCashout:
		return s.deps.Mines.Cashout(ctx, c.userID)
	case EventMinesState:
		return s.deps.Mines.State(ctx, c.userID)

	case EventBattlesCreate:
		r := req.(*BattlesCreateRequest)
		room, err := s.deps.Battles.Create(ctx, c.userID, battles.CreateRequest{
			Cases:      r.Cases,
			Mode:       wager.BattleMode(r.Gamemode),
			IsPrivate:  r.IsPrivate,
			IsReversed: r.IsReversed,
			IsBot:      r.IsBot,
		})
		if err != nil {
			return nil, err
		}
		s.watch(c, room.ID)
		return map[string]any{"game": room}, nil
	case EventBattlesJoin:
		r := req.(*BattlesJoinRequest)
		room, err := s.deps.Battles.Join(ctx, c.userID, battles.JoinRequest{RoomID: r.RoomID, Seat: r.Spot, AddingBot: r.AddingBot})
		if err != nil {
			return nil, err
		}
		s.watch(c, room.ID)
		return map[string]any{"game": room}, nil
	case EventBattlesLeave:
		room, err := s.deps.Battles.Leave(ctx, c.userID, req.(*RoomRequest).RoomID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"game": room}, nil
	case EventBattlesSponsor:
		r := req.(*BattlesSponsorRequest)
		room, err := s.deps.Battles.Sponsor(ctx, c.userID, r.RoomID, *r.Spot)
		if err != nil {
			return nil, err
		}
		return map[string]any{"game": room}, nil
	case EventBattlesDetails:
		room, err := s.deps.Battles.Details(ctx, req.(*RoomRequest).RoomID)
		if err != nil {
			return nil, err
		}
		s.watch(c, room.ID)
		return map[string]any{"game": room}, nil
	case EventBattlesGames:
		rooms, err := s.deps.Battles.List(ctx, s.cfg.ListLimit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"games": rooms}, nil
	case EventBattlesWatch:
		roomID := req.(*RoomRequest).RoomID
		if _, err := s.deps.Battles.Details(ctx, roomID); err != nil {
			return nil, err
		}
		s.watch(c, roomID)
		return map[string]any{"roomId": roomID}, nil
	case EventBattlesUnwatch:
		roomID := req.(*RoomRequest).RoomID
		if c.sub != nil {
			c.sub.Remove(bus.RoomTopic(roomID))
		}
		return map[string]any{"roomId": roomID}, nil

	case EventUnboxOpen:
		r := req.(*UnboxOpenRequest)
		return s.deps.Unbox.Open(ctx, c.userID, r.CaseID, r.ClientSeed)

	case EventBalance:
		acct, err := s.deps.Accounts.Account(ctx, c.userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"balance": acct.Balance, "walletType": acct.WalletType}, nil
	}
	return nil, wager.ErrInvalidRequest
}

func (s *Server) watch(c *Client, roomID string) {
	if c.sub != nil {
		c.sub.Add(bus.RoomTopic(roomID))
	}
}

func (s *Server) reply(c *Client, env Envelope, data json.RawMessage) {
	msg, err := json.Marshal(Envelope{Event: env.Event, ID: env.ID, Data: data})
	if err != nil {
		return
	}
	c.safeSend(msg)
}

func (s *Server) replyError(c *Client, env Envelope, err error) {
	metricErrors.Add(1)
	data, _ := json.Marshal(ErrorReply{Status: StatusError, Message: wager.PublicCode(err)})
	s.reply(c, env, data)
}

// logRequestError logs user mistakes quietly and integrity failures loudly.
func logRequestError(userID, event string, err error) {
	var lvl zerolog.Level
	switch wager.KindOf(err) {
	case wager.KindValidation, wager.KindBusiness:
		lvl = zerolog.DebugLevel
	case wager.KindConcurrency:
		lvl = zerolog.InfoLevel
	case wager.KindFairness:
		lvl = zerolog.WarnLevel
	default:
		lvl = zerolog.ErrorLevel
	}
	if errors.Is(err, context.DeadlineExceeded) {
		lvl = zerolog.WarnLevel
	}
	log.WithLevel(lvl).Err(err).Str("user_id", userID).Str("event", event).Msg("request failed")
}
