package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/alohartc/internal/logging"
)

var log = logging.DefaultLogger.WithTag("signaling")

// State identifies where the Client is in the channel lifecycle (§4.8).
type State int

const (
	StateNew State = iota
	StateGetCredentials
	StateDescribe
	StateCreate
	StateGetEndpoint
	StateGetIceConfig
	StateReady
	StateConnect
	StateConnected
	StateDisconnected
	StateDelete
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateGetCredentials:
		return "get-credentials"
	case StateDescribe:
		return "describe"
	case StateCreate:
		return "create"
	case StateGetEndpoint:
		return "get-endpoint"
	case StateGetIceConfig:
		return "get-ice-config"
	case StateReady:
		return "ready"
	case StateConnect:
		return "connect"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateDelete:
		return "delete"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// stateMask is a bitset of States, used to validate that a transition into a
// state came from one of its legal predecessors (§9: "state-machine table
// dispatch... fromMask is a bitset of legal predecessors validated on every
// transition").
type stateMask uint32

func maskOf(states ...State) stateMask {
	var m stateMask
	for _, s := range states {
		m |= 1 << uint(s)
	}
	return m
}

func (m stateMask) allows(s State) bool {
	return m&(1<<uint(s)) != 0
}

// stateRow is one entry of the const state table (§9).
type stateRow struct {
	state      State
	fromMask   stateMask
	retryLimit int
	timeout    time.Duration
	failStatus error
}

// stateTable mirrors original_source's SIGNALING_STATE_MACHINE_STATES: each
// row names the legal predecessors, a retry budget, a per-state timeout, and
// the error the state maps to once that budget is exhausted.
var stateTable = map[State]stateRow{
	StateNew: {StateNew, maskOf(StateNew), 0, 0, nil},
	StateGetCredentials: {StateGetCredentials, maskOf(
		StateNew, StateDescribe, StateCreate, StateGetEndpoint, StateGetIceConfig,
		StateReady, StateConnect, StateConnected, StateDelete, StateGetCredentials,
	), 3, 5 * time.Second, ErrGetTokenCallFailed},
	StateDescribe: {StateDescribe, maskOf(
		StateGetCredentials, StateCreate, StateGetEndpoint, StateGetIceConfig,
		StateConnect, StateConnected, StateDelete, StateDescribe,
	), 3, 5 * time.Second, ErrDescribeCallFailed},
	StateCreate: {StateCreate, maskOf(StateDescribe, StateCreate), 3, 10 * time.Second, ErrCreateCallFailed},
	StateGetEndpoint: {StateGetEndpoint, maskOf(
		StateDescribe, StateCreate, StateGetCredentials, StateReady, StateConnect,
		StateConnected, StateGetEndpoint,
	), 3, 5 * time.Second, ErrGetEndpointFailed},
	StateGetIceConfig: {StateGetIceConfig, maskOf(
		StateDescribe, StateConnect, StateConnected, StateGetEndpoint, StateReady, StateGetIceConfig,
	), 3, 5 * time.Second, ErrGetIceConfigFailed},
	StateReady:     {StateReady, maskOf(StateGetIceConfig, StateDisconnected, StateReady), 0, 0, nil},
	StateConnect:   {StateConnect, maskOf(StateReady, StateDisconnected, StateConnected, StateConnect), 3, 10 * time.Second, ErrConnectCallFailed},
	StateConnected: {StateConnected, maskOf(StateConnect, StateConnected), 0, 0, nil},
	StateDisconnected: {StateDisconnected, maskOf(StateConnect, StateConnected), 3, 30 * time.Second, ErrConnectCallFailed},
	StateDelete: {StateDelete, maskOf(
		StateGetCredentials, StateDescribe, StateCreate, StateGetEndpoint, StateGetIceConfig,
		StateReady, StateConnect, StateConnected, StateDisconnected, StateDelete,
	), 3, 5 * time.Second, ErrDeleteCallFailed},
	StateDeleted: {StateDeleted, maskOf(StateDelete, StateDeleted), 0, 0, nil},
}

// Client drives the signaling channel lifecycle: acquire credentials,
// describe/create the channel, resolve endpoints and ICE servers, then
// maintain a reconnecting control channel (§4.8).
//
// The mutex guards all mutable fields below; per §5, any operation that
// invokes a user callback releases the lock first, calls out, then
// reacquires if further work remains.
type Client struct {
	mu    sync.Mutex
	state State
	retry int
	// deadline within which the current state must make progress before its
	// retry budget is considered exhausted.
	deadline time.Time

	channelInfo ChannelInfo
	creds       Credentials

	credProvider CredentialProvider
	controlPlane ControlPlane
	cache        *FileCache

	handler SessionHandler
	control *controlChannel

	// Flags, per §3/§5: checked or set without necessarily holding mu for
	// shutdown (it's the cancellation flag checked at the top of every loop).
	shutdown         int32
	deleting         int32
	refreshIceConfig int32

	// stepUntil bounds the state machine's total runtime (§5 Cancellation);
	// zero means unbounded.
	stepUntil time.Time

	onStateChange func(State)
}

// NewClient creates a signaling Client for the named channel. controlPlane
// supplies the external Describe/Create/GetEndpoint/GetIceConfig/Connect/
// Delete surface (§6); its HTTP transport is not this module's concern.
func NewClient(name string, role Role, region string, credProvider CredentialProvider, controlPlane ControlPlane, cache *FileCache) *Client {
	return &Client{
		state:        StateNew,
		channelInfo:  ChannelInfo{Name: name, Role: role, Region: region},
		credProvider: credProvider,
		controlPlane: controlPlane,
		cache:        cache,
	}
}

// OnStateChange registers a callback invoked once per state transition.
func (c *Client) OnStateChange(f func(State)) {
	c.mu.Lock()
	c.onStateChange = f
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestIceRefresh sets a flag that overrides the next computed state to
// get-ice-config (§4.8), used when the peer connection's ICE agent reports
// its candidates are stale.
func (c *Client) RequestIceRefresh() {
	atomic.StoreInt32(&c.refreshIceConfig, 1)
}

// Delete marks the channel for deletion; the machine diverts to the delete
// state on the next OK transition.
func (c *Client) Delete() {
	atomic.StoreInt32(&c.deleting, 1)
}

// Shutdown interrupts Run, whether it's blocked on a control-plane call or
// waiting on the control channel.
func (c *Client) Shutdown() {
	atomic.StoreInt32(&c.shutdown, 1)
	c.mu.Lock()
	cc := c.control
	c.mu.Unlock()
	if cc != nil {
		cc.Close()
	}
}

func (c *Client) isShuttingDown() bool {
	return atomic.LoadInt32(&c.shutdown) != 0
}

// Listen runs the state machine until Shutdown is called, the channel is
// deleted, or maxRuntime elapses (zero means run indefinitely). handler is
// invoked once per inbound peer session once the control channel reaches
// connected.
func (c *Client) Listen(ctx context.Context, handler SessionHandler, maxRuntime time.Duration) error {
	c.mu.Lock()
	c.handler = handler
	if maxRuntime > 0 {
		c.stepUntil = time.Now().Add(maxRuntime)
	}
	c.mu.Unlock()

	result := ResultOK
	for {
		if c.isShuttingDown() {
			return nil
		}
		c.mu.Lock()
		if !c.stepUntil.IsZero() && time.Now().After(c.stepUntil) {
			c.mu.Unlock()
			return ErrOperationTimedOut
		}
		state := c.state
		c.mu.Unlock()

		if state == StateDeleted {
			return nil
		}

		next, callResult, err := c.step(ctx, state, result)
		if err != nil {
			return err
		}
		result = callResult

		if err := c.transitionTo(next); err != nil {
			return err
		}
	}
}

// transitionTo validates next against its row's fromMask, updates state
// under the lock, then fires the user callback outside the lock (§5).
func (c *Client) transitionTo(next State) error {
	c.mu.Lock()
	row, ok := stateTable[next]
	if !ok || !row.fromMask.allows(c.state) {
		c.mu.Unlock()
		return xerrors.Errorf("signaling: invalid transition %s -> %s", c.state, next)
	}
	changed := c.state != next
	c.state = next
	if changed {
		c.retry = 0
	}
	cb := c.onStateChange
	c.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
	return nil
}

// step executes the current state's action and computes the next state from
// the transition policy (§4.8), applying the refreshIceConfig override last.
func (c *Client) step(ctx context.Context, state State, lastResult CallResult) (State, CallResult, error) {
	next, result, err := c.execute(ctx, state, lastResult)
	if err != nil {
		row := stateTable[state]
		c.mu.Lock()
		c.retry++
		exhausted := row.retryLimit >= 0 && c.retry > row.retryLimit
		c.mu.Unlock()
		if exhausted {
			if row.failStatus == nil {
				return next, result, xerrors.Errorf("signaling: %s: %v", state, err)
			}
			return next, result, xerrors.Errorf("%s: %w", state, row.failStatus)
		}
		// Retry the same state.
		return state, result, nil
	}

	if atomic.LoadInt32(&c.deleting) != 0 && next != StateDelete && next != StateDeleted {
		next = StateDelete
	}
	if atomic.CompareAndSwapInt32(&c.refreshIceConfig, 1, 0) {
		next = StateGetIceConfig
	}
	return next, result, nil
}

// execute runs the action for state and applies the result-keyed transition
// policy from §4.8.
func (c *Client) execute(ctx context.Context, state State, lastResult CallResult) (State, CallResult, error) {
	if timeout := stateTable[state].timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.mu.Lock()
	info := c.channelInfo
	creds := c.creds
	c.mu.Unlock()

	switch state {
	case StateNew:
		return StateGetCredentials, ResultOK, nil

	case StateGetCredentials:
		creds, err := c.credProvider.GetCredentials(ctx)
		if err != nil {
			return StateGetCredentials, ResultOK, err
		}
		c.mu.Lock()
		c.creds = creds
		c.mu.Unlock()
		if atomic.LoadInt32(&c.deleting) != 0 {
			return StateDelete, ResultOK, nil
		}
		return StateDescribe, ResultOK, nil

	case StateDescribe:
		if c.cache != nil {
			if cached, ok := c.cache.Load(info.Name, info.Role); ok {
				c.mu.Lock()
				c.channelInfo = *cached
				c.mu.Unlock()
				return StateGetEndpoint, ResultOK, nil
			}
		}
		result, err := c.controlPlane.Describe(ctx, creds, &info)
		if err != nil {
			return StateDescribe, result, err
		}
		c.mu.Lock()
		c.channelInfo = info
		c.mu.Unlock()
		switch result {
		case ResultOK:
			if atomic.LoadInt32(&c.deleting) != 0 {
				return StateDelete, result, nil
			}
			return StateGetEndpoint, result, nil
		case ResultResourceNotFound:
			return StateCreate, result, nil
		case ResultForbidden, ResultNotAuthorized, ResultTokenExpired:
			return StateGetCredentials, result, nil
		default:
			return StateDescribe, result, xerrors.Errorf("describe: unexpected result %s", result)
		}

	case StateCreate:
		result, err := c.controlPlane.Create(ctx, creds, &info)
		if err != nil {
			return StateCreate, result, err
		}
		c.mu.Lock()
		c.channelInfo = info
		c.mu.Unlock()
		switch result {
		case ResultOK:
			return StateDescribe, result, nil
		case ResultForbidden, ResultNotAuthorized, ResultTokenExpired:
			return StateGetCredentials, result, nil
		default:
			return StateDescribe, result, nil
		}

	case StateGetEndpoint:
		result, err := c.controlPlane.GetEndpoint(ctx, creds, &info)
		if err != nil {
			return StateGetEndpoint, result, err
		}
		c.mu.Lock()
		c.channelInfo = info
		c.mu.Unlock()
		switch result {
		case ResultOK:
			return StateGetIceConfig, result, nil
		case ResultForbidden, ResultNotAuthorized, ResultTokenExpired:
			return StateGetCredentials, result, nil
		default:
			return StateGetEndpoint, result, nil
		}

	case StateGetIceConfig:
		result, err := c.controlPlane.GetIceConfig(ctx, creds, &info)
		if err != nil {
			return StateGetIceConfig, result, err
		}
		c.mu.Lock()
		c.channelInfo = info
		c.mu.Unlock()
		switch result {
		case ResultOK:
			if c.cache != nil {
				_ = c.cache.Save(&info)
			}
			return StateReady, result, nil
		case ResultForbidden, ResultNotAuthorized, ResultTokenExpired:
			return StateGetCredentials, result, nil
		default:
			return StateGetIceConfig, result, nil
		}

	case StateReady:
		return StateConnect, ResultOK, nil

	case StateConnect:
		result, conn, err := c.controlPlane.Connect(ctx, creds, &info)
		if err != nil {
			if result == ResultNetworkTimeout {
				return StateGetEndpoint, result, err
			}
			return StateConnect, result, err
		}
		switch result {
		case ResultOK:
			c.mu.Lock()
			c.control = newControlChannel(conn, c.handler)
			c.mu.Unlock()
			go c.control.run(ctx)
			return StateConnected, result, nil
		case ResultForbidden, ResultNotAuthorized, ResultTokenExpired:
			return StateGetCredentials, result, nil
		case ResultReconnectIce:
			return StateGetIceConfig, result, nil
		default:
			return StateGetEndpoint, result, nil
		}

	case StateConnected:
		c.mu.Lock()
		cc := c.control
		c.mu.Unlock()
		if cc == nil {
			return StateConnect, ResultOK, nil
		}
		select {
		case <-ctx.Done():
			return StateConnected, ResultOK, ctx.Err()
		case err := <-cc.disconnected:
			log.Warn("signaling: control channel disconnected: %v", err)
			return StateDisconnected, ResultOK, nil
		case reason := <-cc.goAway:
			log.Info("signaling: server requested go-away (%s)", reason)
			return StateDescribe, ResultSignalingGoAway, nil
		}

	case StateDisconnected:
		return StateConnect, ResultOK, nil

	case StateDelete:
		result, err := c.controlPlane.Delete(ctx, creds, &info)
		if err != nil {
			return StateDelete, result, err
		}
		switch result {
		case ResultOK:
			return StateDeleted, result, nil
		case ResultBadRequest:
			return StateDescribe, result, nil
		case ResultForbidden, ResultNotAuthorized, ResultTokenExpired:
			return StateGetCredentials, result, nil
		default:
			return StateDelete, result, nil
		}

	case StateDeleted:
		return StateDeleted, ResultOK, nil

	default:
		return state, lastResult, xerrors.Errorf("signaling: %w", ErrInvalidReadyState)
	}
}
