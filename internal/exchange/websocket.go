package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"arbiter/internal/model"
)

const (
	minBackoff     = time.Second
	maxBackoff     = 16 * time.Second
	defaultTimeout = 2 * time.Second
)

var (
	errBackingOff    = errors.New("reconnect backoff in effect")
	errSessionClosed = errors.New("session closed")
)

type quoteRequest struct {
	Op     string `json:"op"`
	ID     uint64 `json:"id"`
	Symbol string `json:"symbol"`
}

// quoteResponse prices arrive as decimal strings, like most exchange ticker feeds.
type quoteResponse struct {
	ID           uint64 `json:"id"`
	Symbol       string `json:"symbol"`
	Buy          string `json:"buy"`
	Sell         string `json:"sell"`
	LiquidityUSD string `json:"liquidity_usd"`
	Error        string `json:"error"`
}

// session is one websocket connection. Requests carry an id; a single reader
// routes each reply to the caller waiting on that id.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan []byte
	done    chan struct{}
	err     error
	once    sync.Once
}

func newSession(c *websocket.Conn) *session {
	return &session{conn: c, pending: make(map[uint64]chan []byte), done: make(chan struct{})}
}

func (s *session) register(id uint64, reply chan []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.pending[id] = reply
	return true
}

func (s *session) unregister(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// deliver hands msg to the waiter for id. Replies for abandoned ids are discarded.
func (s *session) deliver(id uint64, msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reply, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	reply <- msg
	return true
}

func (s *session) write(deadline time.Time, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

// close tears the connection down once and wakes every waiter.
func (s *session) close(err error) bool {
	closed := false
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		close(s.done)
		s.mu.Unlock()
		_ = s.conn.Close()
		closed = true
	})
	return closed
}

func (s *session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WebsocketAdapter implements the VenueAdapter interface over a request/response
// websocket session. The session is private to the adapter, shared by concurrent
// calls, and redialed lazily.
type WebsocketAdapter struct {
	name   string
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer
	now    func() time.Time
	nextID atomic.Uint64

	mu      sync.Mutex
	sess    *session
	dialing chan struct{}
	backoff time.Duration
	retryAt time.Time
}

// NewWebsocketAdapter creates a new WebsocketAdapter.
func NewWebsocketAdapter(name, url string, logger *slog.Logger) *WebsocketAdapter {
	return &WebsocketAdapter{
		name:    name,
		url:     url,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		now:     time.Now,
		backoff: minBackoff,
	}
}

func (w *WebsocketAdapter) Name() string {
	return w.name
}

// Quote asks the venue for its current price of symbol. Concurrent calls share
// the session and each one waits only on its own reply.
func (w *WebsocketAdapter) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	s, err := w.session(ctx)
	if err != nil {
		return model.Quote{}, classify(ctx, w.name, symbol, KindTransport, err)
	}

	id := w.nextID.Add(1)
	reply := make(chan []byte, 1)
	if !s.register(id, reply) {
		return model.Quote{}, classify(ctx, w.name, symbol, KindTransport, s.failure())
	}
	defer s.unregister(id)

	if err := s.write(deadline, quoteRequest{Op: "quote", ID: id, Symbol: symbol}); err != nil {
		w.drop(s, "write failed", err)
		return model.Quote{}, classify(ctx, w.name, symbol, netKind(err), err)
	}

	var message []byte
	select {
	case message = <-reply:
	case <-s.done:
		return model.Quote{}, classify(ctx, w.name, symbol, KindTransport, s.failure())
	case <-ctx.Done():
		return model.Quote{}, classify(ctx, w.name, symbol, KindTimeout, ctx.Err())
	}

	q, err := w.parse(symbol, message)
	if err != nil {
		return model.Quote{}, err
	}
	w.logger.Debug("WebsocketAdapter: quoted", "venue", w.name, "symbol", symbol, "buy", q.BuyPrice, "sell", q.SellPrice)
	return q, nil
}

// readLoop routes replies until the connection fails.
func (w *WebsocketAdapter) readLoop(s *session) {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			w.drop(s, "read failed", err)
			return
		}
		var envelope struct {
			ID uint64 `json:"id"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil || envelope.ID == 0 {
			w.logger.Warn("WebsocketAdapter: unroutable message", "venue", w.name, "error", err)
			continue
		}
		if !s.deliver(envelope.ID, message) {
			w.logger.Debug("WebsocketAdapter: late reply discarded", "venue", w.name, "id", envelope.ID)
		}
	}
}

func (w *WebsocketAdapter) parse(symbol string, message []byte) (model.Quote, error) {
	protocolErr := func(err error) (model.Quote, error) {
		return model.Quote{}, &VenueError{Venue: w.name, Symbol: symbol, Kind: KindProtocol, Err: err}
	}

	var resp quoteResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		return protocolErr(fmt.Errorf("failed to parse message: %w", err))
	}
	if resp.Error != "" {
		if resp.Error == "unsupported symbol" {
			return model.Quote{}, &VenueError{Venue: w.name, Symbol: symbol, Kind: KindUnsupported, Err: ErrUnsupportedSymbol}
		}
		return protocolErr(errors.New(resp.Error))
	}
	if resp.Symbol != symbol {
		return protocolErr(fmt.Errorf("response for %q, asked %q", resp.Symbol, symbol))
	}

	buy, err := strconv.ParseFloat(resp.Buy, 64)
	if err != nil {
		return protocolErr(fmt.Errorf("failed to parse buy price: %w", err))
	}
	sell, err := strconv.ParseFloat(resp.Sell, 64)
	if err != nil {
		return protocolErr(fmt.Errorf("failed to parse sell price: %w", err))
	}
	liquidity, err := strconv.ParseFloat(resp.LiquidityUSD, 64)
	if err != nil {
		return protocolErr(fmt.Errorf("failed to parse liquidity: %w", err))
	}

	q := model.Quote{
		Venue:        w.name,
		Symbol:       symbol,
		BuyPrice:     buy,
		SellPrice:    sell,
		LiquidityUSD: liquidity,
		CapturedAt:   w.now(),
	}
	if err := q.Validate(); err != nil {
		return protocolErr(err)
	}
	return q, nil
}

// session returns the live session, dialing if needed. Only one dial runs at a
// time; other callers wait for it or for their own context. A failed dial
// doubles the backoff up to maxBackoff; calls inside the window fail fast.
func (w *WebsocketAdapter) session(ctx context.Context) (*session, error) {
	for {
		w.mu.Lock()
		if w.sess != nil {
			s := w.sess
			w.mu.Unlock()
			return s, nil
		}
		if now := w.now(); now.Before(w.retryAt) {
			retryAt := w.retryAt
			w.mu.Unlock()
			return nil, fmt.Errorf("%w until %s", errBackingOff, retryAt.Format(time.RFC3339Nano))
		}
		if w.dialing != nil {
			dialing := w.dialing
			w.mu.Unlock()
			select {
			case <-dialing:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		dialing := make(chan struct{})
		w.dialing = dialing
		backoff := w.backoff
		w.mu.Unlock()

		w.logger.Info("WebsocketAdapter: connecting", "venue", w.name, "url", w.url, "backoff", backoff)
		c, _, err := w.dialer.DialContext(ctx, w.url, nil)

		w.mu.Lock()
		w.dialing = nil
		close(dialing)
		if err != nil {
			w.logger.Error("WebsocketAdapter: connection failed", "venue", w.name, "error", err)
			w.retryAt = w.now().Add(w.backoff)
			w.backoff *= 2
			if w.backoff > maxBackoff {
				w.backoff = maxBackoff
			}
			w.mu.Unlock()
			return nil, err
		}
		w.backoff = minBackoff
		w.retryAt = time.Time{}
		s := newSession(c)
		w.sess = s
		w.mu.Unlock()

		w.logger.Info("WebsocketAdapter: connected", "venue", w.name)
		go w.readLoop(s)
		return s, nil
	}
}

func (w *WebsocketAdapter) drop(s *session, reason string, err error) {
	w.mu.Lock()
	if w.sess == s {
		w.sess = nil
	}
	w.mu.Unlock()
	if s.close(err) {
		w.logger.Warn("WebsocketAdapter: dropping session", "venue", w.name, "reason", reason, "error", err)
	}
}

// Close sends a close frame and shuts the session down. Pending calls fail.
func (w *WebsocketAdapter) Close() error {
	w.mu.Lock()
	s := w.sess
	w.sess = nil
	w.mu.Unlock()
	if s == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.close(errSessionClosed)
	return err
}

func netKind(err error) ErrorKind {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransport
}
