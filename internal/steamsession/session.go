// Package steamsession owns one authenticated Steam connection for one
// account, driving the state machine DISCONNECTED -> CONNECTING -> AUTHING
// -> LOGGED_ON -> READY (with a FAILED terminal state and an
// auto-reconnect path back to DISCONNECTED), and surfaces the callbacks
// the manifest downloader consumes.
package steamsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is one node of the session state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthing
	StateLoggedOn
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthing:
		return "AUTHING"
	case StateLoggedOn:
		return "LOGGED_ON"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// reconnectDelay is how long an unsolicited disconnect waits before
// retrying the connection.
const reconnectDelay = 5 * time.Second

// Session owns one account's Steam connection lifecycle.
type Session struct {
	client Client
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	refreshToken string
	steamID64    uint64
	licenses     []License
	failErr      error

	ready      chan struct{}
	readyOnce  sync.Once
	pumpDone   chan struct{}
	disconnect chan struct{}
}

// New builds a Session around client, logging state transitions through
// logger.
func New(client Client, logger *slog.Logger) *Session {
	return &Session{
		client:     client,
		logger:     logger,
		state:      StateDisconnected,
		ready:      make(chan struct{}),
		pumpDone:   make(chan struct{}),
		disconnect: make(chan struct{}),
	}
}

// State reports the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("session state transition", slog.String("state", state.String()))
}

// Connect dials the Steam connection and starts the background event
// pump. It does not block for authentication; call Authenticate next.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)
	if err := s.client.Connect(); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("steamsession: connect: %w", err)
	}
	go s.pump()
	return nil
}

// Authenticate logs on using refreshToken if present, falling back to
// username/password on rejection; if no refresh token is present it logs
// on directly with credentials. It blocks until LOGGED_ON or a terminal
// failure.
func (s *Session) Authenticate(ctx context.Context, username, password, refreshToken string) error {
	s.setState(StateAuthing)

	if refreshToken != "" {
		s.client.LogOnWithToken(refreshToken)
	} else {
		s.client.LogOnWithCredentials(username, password)
	}

	select {
	case <-s.loggedOnOrFailed(ctx):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	failErr := s.failErr
	s.mu.Unlock()
	if failErr == nil {
		return nil
	}

	if refreshToken == "" || !isRefreshable(failErr) {
		return failErr
	}

	// Refresh token rejected: clear it and retry once via password.
	s.mu.Lock()
	s.refreshToken = ""
	s.failErr = nil
	s.mu.Unlock()
	s.setState(StateAuthing)
	s.client.LogOnWithCredentials(username, password)

	select {
	case <-s.loggedOnOrFailed(ctx):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

func isRefreshable(err error) bool {
	return !IsTerminalAuthError(err)
}

func (s *Session) loggedOnOrFailed(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			state := s.State()
			if state == StateLoggedOn || state == StateFailed {
				return
			}
			select {
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// WaitReady blocks until the first license-list callback has signaled
// readiness, or ctx is cancelled.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Licenses returns the license list captured at the last license-list
// callback.
func (s *Session) Licenses() []License {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]License, len(s.licenses))
	copy(out, s.licenses)
	return out
}

// RefreshToken returns the most recently issued refresh token, if any.
func (s *Session) RefreshToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken, s.refreshToken != ""
}

// SteamID64 returns the logged-on account's 64-bit Steam id.
func (s *Session) SteamID64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steamID64
}

// Disconnect performs a user-initiated disconnect: it terminates the
// callback pump and waits for it to finish.
func (s *Session) Disconnect() {
	close(s.disconnect)
	s.client.Disconnect()
	<-s.pumpDone
}

// GetProductInfo proxies to the underlying client; callers only use this
// once the session is READY.
func (s *Session) GetProductInfo(packageIDs, appIDs []uint32) (ProductInfoResult, error) {
	return s.client.GetProductInfo(packageIDs, appIDs)
}

// PICSAccessTokens proxies to the underlying client.
func (s *Session) PICSAccessTokens(appIDs []uint32) (map[uint32]uint64, error) {
	return s.client.PICSAccessTokens(appIDs)
}

// GetCDNServers proxies to the underlying client.
func (s *Session) GetCDNServers() ([]string, error) {
	return s.client.GetCDNServers()
}

// GetManifestRequestCode proxies to the underlying client.
func (s *Session) GetManifestRequestCode(appID, depotID uint32, manifestID uint64) (uint64, error) {
	return s.client.GetManifestRequestCode(appID, depotID, manifestID)
}

// GetDepotKey proxies to the underlying client.
func (s *Session) GetDepotKey(appID, depotID uint32) ([32]byte, error) {
	return s.client.GetDepotKey(appID, depotID)
}

// DownloadManifest proxies to the underlying client.
func (s *Session) DownloadManifest(server string, depotID uint32, manifestID uint64, requestCode uint64, depotKey [32]byte) ([]byte, error) {
	return s.client.DownloadManifest(server, depotID, manifestID, requestCode, depotKey)
}

// pump reads events from the client's channel on a dedicated goroutine,
// translating them into state transitions, until the client's channel
// closes or a user-initiated disconnect is requested.
func (s *Session) pump() {
	defer close(s.pumpDone)
	for {
		select {
		case <-s.disconnect:
			return
		case ev, ok := <-s.client.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		// Nothing to do: Authenticate drives the logon from here.
	case EventLoggedOn:
		s.mu.Lock()
		s.failErr = ev.LogOnErr
		if ev.LogOnErr == nil {
			s.steamID64 = ev.SteamID64
		}
		s.mu.Unlock()
		if ev.LogOnErr != nil {
			s.setState(StateFailed)
		} else {
			s.setState(StateLoggedOn)
		}
	case EventLogOnFailed:
		s.mu.Lock()
		s.failErr = ev.LogOnErr
		s.mu.Unlock()
		s.setState(StateFailed)
	case EventLoginKey:
		s.mu.Lock()
		s.refreshToken = ev.RefreshToken
		s.mu.Unlock()
	case EventLicenseList:
		s.mu.Lock()
		s.licenses = ev.Licenses
		s.mu.Unlock()
		s.setState(StateReady)
		s.readyOnce.Do(func() { close(s.ready) })
	case EventDisconnected:
		s.setState(StateDisconnected)
		if ev.Unsolicited {
			s.logger.Warn("unsolicited disconnect, reconnecting", slog.Duration("delay", reconnectDelay))
			time.Sleep(reconnectDelay)
			if err := s.client.Connect(); err != nil {
				s.logger.Error("reconnect failed", slog.Any("error", err))
				s.setState(StateFailed)
			} else {
				s.setState(StateConnecting)
			}
		}
	}
}
