package cable

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fixmate/chat-client/internal/apierr"
	"github.com/fixmate/chat-client/internal/auth"
	"github.com/fixmate/chat-client/internal/chat"
	"github.com/fixmate/chat-client/internal/metrics"
)

// State is the supervisor's connection state. Exactly one value is current
// at any time.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
	StateAuthError
)

// String returns the state's wire-friendly name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateAuthError:
		return "auth_error"
	default:
		return "invalid"
	}
}

// Conn is the slice of Channel the supervisor drives. The production
// implementation is *Channel; tests substitute fakes.
type Conn interface {
	Subscribe(bookingID int64) error
	Send(bookingID int64, content string) error
	Close() error
}

// Dialer opens a connection with the given bearer token, delivering frames
// to events. NewDialer builds the production dialer; tests inject their own.
type Dialer func(ctx context.Context, token string, events Events) (Conn, error)

// NewDialer returns a Dialer that opens real cable connections to cableURL.
func NewDialer(cableURL string) Dialer {
	return func(ctx context.Context, token string, events Events) (Conn, error) {
		return Dial(ctx, cableURL, token, events)
	}
}

// Delegate receives supervisor notifications. Callbacks are invoked with the
// supervisor's internal lock held, so implementations must not call back
// into the Supervisor synchronously.
type Delegate interface {
	StateChanged(state State, errMsg string)
	MessageReceived(bookingID int64, msg chat.Message)
}

// SupervisorConfig holds the reconnect policy knobs.
type SupervisorConfig struct {
	VerifyWindow time.Duration // how long to wait for the subscription confirmation
	RetryDelay   time.Duration // fixed delay between attempts; no exponential backoff
	MaxAttempts  int           // attempts per cycle before giving up with StateError
}

// DefaultSupervisorConfig returns the production policy: a 2s verification
// window, 3s between attempts and 3 attempts before surfacing an error.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		VerifyWindow: 2 * time.Second,
		RetryDelay:   3 * time.Second,
		MaxAttempts:  3,
	}
}

// Supervisor is the reconnection state machine layered on the Channel. It
// owns which credential each attempt carries: repairer first when held, the
// alternate after a rejection, and an alternating first preference across
// full reconnect cycles so a failing credential is not retried forever.
//
// Every timer and channel callback captures a generation counter at schedule
// time and is ignored if the counter has moved on, so nothing fires into a
// torn-down session.
type Supervisor struct {
	cfg      SupervisorConfig
	creds    *auth.Store
	dial     Dialer
	delegate Delegate

	mu        sync.Mutex
	gen       uint64
	state     State
	errMsg    string
	bookingID int64
	conn      Conn
	attempts  int
	rejected  int
	preferred auth.Kind
	cycle     []auth.Credential
	cycleIdx  int
}

// NewSupervisor creates a Supervisor in StateDisconnected.
func NewSupervisor(cfg SupervisorConfig, creds *auth.Store, dial Dialer, delegate Delegate) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		creds:     creds,
		dial:      dial,
		delegate:  delegate,
		state:     StateDisconnected,
		preferred: auth.KindRepairer,
	}
}

// SetDelegate registers the delegate. Call before Start; the supervisor and
// its delegate reference each other, so one of them is wired after
// construction.
func (s *Supervisor) SetDelegate(d Delegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start brings up a connection for the booking, tearing down any previous
// one first (one active subscription at a time, last writer wins). With no
// usable credential it goes straight to StateError without touching the
// network.
func (s *Supervisor) Start(bookingID int64) {
	s.mu.Lock()
	s.invalidateLocked()
	s.bookingID = bookingID
	s.attempts = 0
	s.rejected = 0
	s.preferred = auth.KindRepairer
	s.cycle = nil
	s.setStateLocked(StateConnecting, "")
	gen := s.gen
	s.mu.Unlock()

	go s.attempt(gen)
}

// Disconnect tears the connection down from any state. No delegate callback
// fires after it returns other than the Disconnected notification itself;
// pending verification and retry timers are invalidated.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.invalidateLocked()
	s.setStateLocked(StateDisconnected, "")
	s.mu.Unlock()
}

// RetryConnection is the manual retry affordance behind StateError. It
// resets the attempt budget and restarts from StateConnecting.
func (s *Supervisor) RetryConnection() {
	s.mu.Lock()
	if s.bookingID == 0 {
		s.mu.Unlock()
		return
	}
	s.invalidateLocked()
	s.attempts = 0
	s.rejected = 0
	s.cycle = nil
	s.setStateLocked(StateConnecting, "")
	gen := s.gen
	s.mu.Unlock()

	go s.attempt(gen)
}

// NotifyAuthInvalid handles an external reauthentication-required signal. It
// supersedes any other state and stops all automatic retries until Start is
// called again with a fresh credential.
func (s *Supervisor) NotifyAuthInvalid() {
	s.mu.Lock()
	s.invalidateLocked()
	s.setStateLocked(StateAuthError, "session expired; log in again")
	s.mu.Unlock()
}

// Send publishes a message on the live channel. It fails fast when not
// connected; delivery is observed via the echoed push, not this call.
func (s *Supervisor) Send(content string) error {
	s.mu.Lock()
	conn := s.conn
	bookingID := s.bookingID
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return apierr.New(apierr.KindTransportFailure, "not connected")
	}
	return conn.Send(bookingID, content)
}

// invalidateLocked bumps the generation counter and discards the current
// connection. Every in-flight timer and event for the old generation
// becomes a no-op.
func (s *Supervisor) invalidateLocked() {
	s.gen++
	if s.conn != nil {
		go s.conn.Close()
		s.conn = nil
	}
}

func (s *Supervisor) setStateLocked(state State, errMsg string) {
	s.state = state
	s.errMsg = errMsg
	metrics.ConnectionState.Set(float64(state))
	log.Printf("cable: state=%s booking=%d attempts=%d", state, s.bookingID, s.attempts)
	if s.delegate != nil {
		s.delegate.StateChanged(state, errMsg)
	}
}

// nextCredentialLocked returns the credential for the next attempt. The
// cycle order is rebuilt lazily from the store so a login that happened
// between attempts is picked up.
func (s *Supervisor) nextCredentialLocked() (auth.Credential, bool) {
	if len(s.cycle) == 0 {
		s.cycle = s.creds.Order(s.preferred)
		s.cycleIdx = 0
	}
	if len(s.cycle) == 0 {
		return auth.Credential{}, false
	}
	return s.cycle[s.cycleIdx%len(s.cycle)], true
}

// attempt makes one connection attempt for the given generation.
func (s *Supervisor) attempt(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	cred, ok := s.nextCredentialLocked()
	if !ok {
		s.setStateLocked(StateError, "no usable credential; log in to continue")
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	s.gen++
	gen = s.gen
	bookingID := s.bookingID
	s.mu.Unlock()

	log.Printf("cable: connect attempt=%d booking=%d kind=%s", attempt, bookingID, cred.Kind)

	// Bound the handshake with the verification window so a black-holed
	// endpoint counts as a failed attempt instead of stalling the cycle for
	// the OS connect timeout. The context covers only the dial; the live
	// connection is unaffected.
	dialCtx, cancel := context.WithTimeout(context.Background(), s.cfg.VerifyWindow)
	conn, err := s.dial(dialCtx, cred.Token, &genEvents{s: s, gen: gen})
	cancel()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.failAttemptLocked("dial failed: " + err.Error())
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if err := conn.Subscribe(bookingID); err != nil {
		s.mu.Lock()
		if gen == s.gen {
			s.failAttemptLocked("subscribe failed: " + err.Error())
		}
		s.mu.Unlock()
		return
	}

	// The broker gives no completion callback for the open itself; the
	// subscription confirmation within the verification window is the
	// success signal.
	time.AfterFunc(s.cfg.VerifyWindow, func() {
		s.verifyTimeout(gen)
	})
}

// verifyTimeout fires when the verification window elapses. If the
// subscription was confirmed in time the state is already Connected and the
// generation has moved on.
func (s *Supervisor) verifyTimeout(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == StateConnected {
		return
	}
	log.Printf("cable: verification window elapsed booking=%d", s.bookingID)
	s.failAttemptLocked("subscription not confirmed in time")
}

// failAttemptLocked records a failed attempt, rotates to the alternate
// credential, and either schedules the next attempt after the fixed delay
// or gives up with StateError once the budget is spent.
func (s *Supervisor) failAttemptLocked(reason string) {
	metrics.ConnectAttemptsTotal.WithLabelValues("failed").Inc()
	s.invalidateLocked()
	if len(s.cycle) > 0 {
		s.cycleIdx = (s.cycleIdx + 1) % len(s.cycle)
	}

	if s.attempts >= s.cfg.MaxAttempts {
		s.setStateLocked(StateError, "could not reach the chat service")
		return
	}

	log.Printf("cable: attempt failed (%s), retrying in %s", reason, s.cfg.RetryDelay)
	s.setStateLocked(StateReconnecting, "")
	gen := s.gen
	time.AfterFunc(s.cfg.RetryDelay, func() {
		s.attempt(gen)
	})
}

// ---------------------------------------------------------------------------
// Channel event handling, generation-guarded
// ---------------------------------------------------------------------------

// genEvents adapts Channel events back into the supervisor, stamped with the
// generation of the attempt that opened the channel. A stale generation
// means the session was torn down or superseded; the event is dropped.
type genEvents struct {
	s   *Supervisor
	gen uint64
}

func (e *genEvents) SubscriptionConfirmed(bookingID int64) {
	e.s.handleConfirmed(e.gen, bookingID)
}

func (e *genEvents) SubscriptionRejected(bookingID int64) {
	e.s.handleRejected(e.gen, bookingID)
}

func (e *genEvents) MessageReceived(bookingID int64, msg chat.Message) {
	e.s.handleMessage(e.gen, bookingID, msg)
}

func (e *genEvents) TransportClosed(err error) {
	e.s.handleTransportClosed(e.gen, err)
}

func (s *Supervisor) handleConfirmed(gen uint64, bookingID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || bookingID != s.bookingID {
		return
	}
	metrics.ConnectAttemptsTotal.WithLabelValues("connected").Inc()
	s.attempts = 0
	s.rejected = 0
	s.setStateLocked(StateConnected, "")
}

// handleRejected reacts to the broker refusing a subscription, which means
// the carried credential is not accepted for this booking. One fallback to
// the alternate credential is tried; once every held credential has been
// rejected in the cycle the failure is an authentication problem, not a
// connectivity one, and retrying would loop on bad tokens forever.
func (s *Supervisor) handleRejected(gen uint64, bookingID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || bookingID != s.bookingID {
		return
	}
	s.rejected++
	if len(s.cycle) > 0 && s.rejected >= len(s.cycle) {
		log.Printf("cable: every credential rejected booking=%d", bookingID)
		s.invalidateLocked()
		s.setStateLocked(StateAuthError, "session expired; log in again")
		return
	}
	s.failAttemptLocked("subscription rejected")
}

func (s *Supervisor) handleMessage(gen uint64, bookingID int64, msg chat.Message) {
	s.mu.Lock()
	if gen != s.gen || bookingID != s.bookingID {
		s.mu.Unlock()
		return
	}
	delegate := s.delegate
	s.mu.Unlock()

	if delegate != nil {
		delegate.MessageReceived(bookingID, msg)
	}
}

// handleTransportClosed reacts to a connection dying underneath us. A
// previously live connection starts a fresh reconnect cycle with the
// alternate credential preference and a full attempt budget; a death during
// connection setup counts against the current cycle instead.
func (s *Supervisor) handleTransportClosed(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}

	if s.state == StateConnected {
		metrics.ReconnectsTotal.Inc()
		s.invalidateLocked()
		s.preferred = s.preferred.Other()
		s.cycle = nil
		s.attempts = 0
		s.rejected = 0
		log.Printf("cable: live connection lost (%v), reconnecting in %s", err, s.cfg.RetryDelay)
		s.setStateLocked(StateReconnecting, "")
		next := s.gen
		time.AfterFunc(s.cfg.RetryDelay, func() {
			s.attempt(next)
		})
		return
	}

	s.failAttemptLocked("transport closed during setup")
}
