package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/domain"
	"streamlease/internal/metrics"
	"streamlease/internal/payment"
	"streamlease/internal/watchlist"
	"streamlease/internal/x402"
)

// State tracks where a session is in its lifecycle. Transitions only move
// forward except for the Open ⇄ Renewing pair.
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateConnecting
	StateOpen
	StateRenewing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRenewing:
		return "renewing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	defaultEventBuffer = 256
	defaultRenewAhead  = 30 * time.Second
	defaultHandshake   = 10 * time.Second
)

// Config fixes one session's subscription at construction: which stream,
// which renewal strategy, and the watch baseline pushed right after the
// socket opens. Pair values are not accepted here; the coordinator resolves
// those and feeds the result through the delta methods.
type Config struct {
	Descriptor       domain.StreamDescriptor
	RenewAhead       time.Duration
	EventBuffer      int
	Accounts         []string
	Mints            []string
	Options          map[string]any
	HandshakeTimeout time.Duration
}

// Session owns one authenticated stream connection end to end: the paid
// schema fetch, the socket, the lease and its renewals, and the watch-sets.
// Everything it learns goes out on Events(); nothing else reads its state
// concurrently except CurrentToken.
type Session struct {
	log    logger.Logger
	auth   *payment.Authority
	cfg    Config
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	lease    domain.LeaseToken
	accounts map[string]struct{}
	mints    map[string]struct{}
	timer    *time.Timer
	closed   bool

	state    atomic.Int32
	renewing atomic.Bool

	events    chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc
}

func New(log logger.Logger, auth *payment.Authority, cfg Config) (*Session, error) {
	if err := cfg.Descriptor.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.RenewAhead <= 0 {
		cfg.RenewAhead = defaultRenewAhead
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshake
	}

	s := &Session{
		log:      log.WithField("stream", string(cfg.Descriptor.Kind)),
		auth:     auth,
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		accounts: make(map[string]struct{}, len(cfg.Accounts)),
		mints:    make(map[string]struct{}, len(cfg.Mints)),
		events:   make(chan domain.Event, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	watchlist.Merge(s.accounts, cfg.Accounts)
	watchlist.Merge(s.mints, cfg.Mints)
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) Kind() domain.StreamKind { return s.cfg.Descriptor.Kind }

func (s *Session) State() State { return State(s.state.Load()) }

// Events delivers every typed event this session produces, in socket order.
// The channel closes after Close.
func (s *Session) Events() <-chan domain.Event { return s.events }

// CurrentToken returns the lease as of now; ok is false before the schema
// fetch has produced one.
func (s *Session) CurrentToken() (domain.LeaseToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease.Zero() {
		return domain.LeaseToken{}, false
	}
	return s.lease, true
}

// Connect runs the session up to Open: paid schema fetch, socket dial,
// initial watch-set push, then the reader goroutine. It can be called once;
// a failed attempt leaves the session Closed and the caller decides whether
// to build a fresh one.
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateAuthenticating)) {
		return fmt.Errorf("session %s: connect in state %s", s.Kind(), s.State())
	}

	schema, err := s.auth.FetchSchema(ctx, s.cfg.Descriptor)
	if err != nil {
		s.state.Store(int32(StateClosed))
		return err
	}
	wsURL, token, err := splitSocketURL(schema.WebsocketEndpoint)
	if err != nil {
		s.state.Store(int32(StateClosed))
		return err
	}
	s.setLease(domain.LeaseToken{Token: token, SliceSeconds: schema.PaymentDetails.SliceSeconds})

	s.state.Store(int32(StateConnecting))
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		s.state.Store(int32(StateClosed))
		if resp != nil {
			return &domain.TransientError{Op: fmt.Sprintf("dial %s (%s)", s.Kind(), resp.Status), Err: err}
		}
		return &domain.TransientError{Op: "dial " + string(s.Kind()), Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.state.Store(int32(StateOpen))
	s.log.Infof("Stream %s open, lease slice %ds", s.Kind(), schema.PaymentDetails.SliceSeconds)

	if err = s.pushInitialState(); err != nil {
		s.Close()
		return &domain.TransientError{Op: "initial state push " + string(s.Kind()), Err: err}
	}

	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// splitSocketURL pulls the initial lease token out of the t query parameter.
// The URL itself keeps the parameter: the server authenticates the handshake
// with it.
func splitSocketURL(endpoint string) (string, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", &domain.ShapeError{Subject: "websocket endpoint", Err: err}
	}
	token := u.Query().Get("t")
	if token == "" {
		return "", "", &domain.ShapeError{Subject: "websocket endpoint", Err: fmt.Errorf("missing lease token parameter t")}
	}
	return endpoint, token, nil
}

// pushInitialState sends the watch baseline before asking the server for its
// current state, so the first state reply already reflects our sets.
func (s *Session) pushInitialState() error {
	s.mu.Lock()
	accounts := setToSlice(s.accounts)
	mints := setToSlice(s.mints)
	s.mu.Unlock()

	if err := s.writeFrame(outboundFrame{Op: opSetAccounts, Accounts: accounts}); err != nil {
		return err
	}
	if err := s.writeFrame(outboundFrame{Op: opSetMints, Mints: mints}); err != nil {
		return err
	}
	if len(s.cfg.Options) > 0 {
		if err := s.writeFrame(outboundFrame{Op: opSetOptions, Options: s.cfg.Options}); err != nil {
			return err
		}
	}
	return s.writeFrame(outboundFrame{Op: opGetState})
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

// writeFrame serializes socket writes; gorilla connections allow only one
// concurrent writer.
func (s *Session) writeFrame(v outboundFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closed {
		return fmt.Errorf("stream %s: socket not open", s.Kind())
	}
	return s.conn.WriteJSON(v)
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing() {
				s.state.Store(int32(StateClosed))
				s.log.Errorf("Stream %s socket dropped: %v", s.Kind(), err)
				s.emit(domain.SessionErrorEvent{
					Stream: s.Kind(),
					Stage:  "socket",
					Err:    &domain.TransientError{Op: "read " + string(s.Kind()), Err: err},
					At:     time.Now().UTC(),
				})
			}
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	kind := string(s.Kind())
	ev, err := classify(s.Kind(), data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(kind, "dropped").Inc()
		s.log.Debugf("Dropping malformed frame on %s: %v", kind, err)
		return
	}
	if ev == nil {
		metrics.FramesTotal.WithLabelValues(kind, "dropped").Inc()
		return
	}

	switch e := ev.(type) {
	case domain.LeaseEvent:
		metrics.FramesTotal.WithLabelValues(kind, "control").Inc()
		s.handleLease(e)
	case domain.StatusEvent:
		metrics.FramesTotal.WithLabelValues(kind, "status").Inc()
		s.emit(e)
	default:
		metrics.FramesTotal.WithLabelValues(kind, "event").Inc()
		s.emit(ev)
	}
}

func (s *Session) handleLease(e domain.LeaseEvent) {
	switch e.Op {
	case domain.LeaseHello:
		// hello is authoritative for the initial expiry; the schema response
		// only knew the slice length.
		s.mu.Lock()
		cur := s.lease
		if !e.ExpiresAt.IsZero() {
			cur.ExpiresAt = e.ExpiresAt
		}
		if e.SliceSeconds > 0 {
			cur.SliceSeconds = e.SliceSeconds
		}
		if e.Token != "" {
			cur.Token = e.Token
		}
		s.lease = cur
		s.mu.Unlock()
		s.armRenewTimer()
		e.Token = cur.Token
		s.emit(e)

	case domain.LeaseReminder, domain.LeasePaymentRequired:
		s.emit(e)
		s.maybeRenew(string(e.Op))

	case domain.LeaseRenewed:
		if e.Token != "" {
			s.setLease(domain.LeaseToken{Token: e.Token, ExpiresAt: e.ExpiresAt, SliceSeconds: e.SliceSeconds})
			s.armRenewTimer()
			s.log.Infof("Stream %s lease renewed, expires %s", s.Kind(), e.ExpiresAt.Format(time.RFC3339))
		}
		s.renewing.Store(false)
		s.state.CompareAndSwap(int32(StateRenewing), int32(StateOpen))
		s.emit(e)

	case domain.LeaseError:
		s.log.Warnf("Stream %s control error: %s", s.Kind(), e.Detail)
		s.emit(e)
	}
}

func (s *Session) setLease(t domain.LeaseToken) {
	s.mu.Lock()
	s.lease = t
	s.mu.Unlock()
}

// armRenewTimer schedules a proactive renewal RenewAhead before expiry. The
// reminder frame usually wins the race; the timer is the fallback for
// servers that never send one.
func (s *Session) armRenewTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.lease.ExpiresAt.IsZero() {
		return
	}
	d := time.Until(s.lease.ExpiresAt) - s.cfg.RenewAhead
	if d < time.Second {
		d = time.Second
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() {
		select {
		case <-s.done:
		default:
			s.maybeRenew("timer")
		}
	})
}

// maybeRenew starts one renewal attempt unless one is already in flight.
// Dispatch keeps running while the round trip happens.
func (s *Session) maybeRenew(trigger string) {
	if State(s.state.Load()) != StateOpen {
		return
	}
	if !s.renewing.CompareAndSwap(false, true) {
		return
	}
	s.state.CompareAndSwap(int32(StateOpen), int32(StateRenewing))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.renewing.Store(false)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	mode := string(s.cfg.Descriptor.Renewal)
	go func() {
		defer s.wg.Done()
		err := s.renew(s.runCtx)
		if err != nil {
			metrics.RenewalsTotal.WithLabelValues(string(s.Kind()), mode, "error").Inc()
			s.log.Errorf("Stream %s renewal (%s) failed: %v", s.Kind(), trigger, err)
			s.emit(domain.SessionErrorEvent{Stream: s.Kind(), Stage: "renewal", Err: err, At: time.Now().UTC()})
		} else {
			metrics.RenewalsTotal.WithLabelValues(string(s.Kind()), mode, "ok").Inc()
		}
		s.renewing.Store(false)
		s.state.CompareAndSwap(int32(StateRenewing), int32(StateOpen))
	}()
}

// renew buys the next lease slice. HTTP mode completes the swap itself and
// emits the renewed confirmation; in-band mode only sends the signed answer,
// and the swap happens when the server's renewed frame comes back.
func (s *Session) renew(ctx context.Context) error {
	cur, ok := s.CurrentToken()
	if !ok {
		return fmt.Errorf("stream %s: no lease to renew", s.Kind())
	}

	switch s.cfg.Descriptor.Renewal {
	case domain.RenewHTTP:
		next, err := s.auth.RenewViaHTTP(ctx, s.cfg.Descriptor, cur)
		if err != nil {
			return err
		}
		s.setLease(next)
		s.armRenewTimer()
		if err = s.writeFrame(outboundFrame{Op: opRenewToken, Token: next.Token}); err != nil {
			return err
		}
		s.emit(domain.LeaseEvent{
			Stream:       s.Kind(),
			Op:           domain.LeaseRenewed,
			Token:        next.Token,
			ExpiresAt:    next.ExpiresAt,
			SliceSeconds: next.SliceSeconds,
			At:           time.Now().UTC(),
		})
		return nil

	case domain.RenewInBand:
		reqs, err := s.auth.RequestChallenge(ctx, s.cfg.Descriptor, cur)
		if err != nil {
			return err
		}
		chosen, ok := s.auth.ChooseRequirement(reqs)
		if !ok {
			return &domain.AuthError{Stream: s.Kind(), Stage: "renewal", Reason: fmt.Sprintf("no supported requirement among %d accepted", len(reqs))}
		}
		payload, err := s.auth.BuildPayload(ctx, chosen)
		if err != nil {
			return err
		}
		raw, err := x402.EncodeRequirement(chosen)
		if err != nil {
			return err
		}
		return s.writeFrame(outboundFrame{Op: opRenewInband, Requirement: raw, Payload: &payload})
	}
	return &domain.ConfigError{Reason: fmt.Sprintf("stream %s: unknown renewal mode %q", s.Kind(), s.cfg.Descriptor.Renewal)}
}

// AddAccounts sends only the entries not already watched; a no-delta call
// produces no wire traffic.
func (s *Session) AddAccounts(ctx context.Context, ids []string) error {
	s.mu.Lock()
	added := watchlist.Merge(s.accounts, ids)
	s.mu.Unlock()
	if len(added) == 0 {
		return nil
	}
	return s.writeFrame(outboundFrame{Op: opAddAccounts, Accounts: added})
}

func (s *Session) RemoveAccounts(ctx context.Context, ids []string) error {
	s.mu.Lock()
	removed := watchlist.Diff(s.accounts, ids)
	s.mu.Unlock()
	if len(removed) == 0 {
		return nil
	}
	return s.writeFrame(outboundFrame{Op: opRemoveAccounts, Accounts: removed})
}

func (s *Session) AddMints(ctx context.Context, mints []string) error {
	s.mu.Lock()
	added := watchlist.Merge(s.mints, mints)
	s.mu.Unlock()
	if len(added) == 0 {
		return nil
	}
	return s.writeFrame(outboundFrame{Op: opAddMints, Mints: added})
}

func (s *Session) RemoveMints(ctx context.Context, mints []string) error {
	s.mu.Lock()
	removed := watchlist.Diff(s.mints, mints)
	s.mu.Unlock()
	if len(removed) == 0 {
		return nil
	}
	return s.writeFrame(outboundFrame{Op: opRemoveMints, Mints: removed})
}

// SetOptions replaces the server-side option set; there is no delta form.
func (s *Session) SetOptions(ctx context.Context, opts map[string]any) error {
	return s.writeFrame(outboundFrame{Op: opSetOptions, Options: opts})
}

func (s *Session) emit(ev domain.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close is idempotent. Order matters: done first so emitters stop blocking,
// cancel so in-flight renewals abort, then the socket so the reader returns.
// The event channel closes only after every goroutine is accounted for.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		s.mu.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
		}
		conn := s.conn
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		if conn != nil {
			conn.Close()
		}
		s.wg.Wait()
		close(s.events)
	})
	return nil
}
