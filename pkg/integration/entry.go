package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sunvault/sunvault/pkg/entity"
	"github.com/sunvault/sunvault/pkg/ess"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/poller"
	"github.com/sunvault/sunvault/pkg/types"
)

var (
	// ErrReauthRequired is returned when the stored credentials were rejected.
	ErrReauthRequired = poller.ErrReauthRequired

	// ErrNotReady is returned when setup failed for a reason that may go away,
	// such as the cloud being unreachable.
	ErrNotReady = errors.New("integration not ready")

	// ErrNotLoaded is returned by operations that need a loaded entry.
	ErrNotLoaded = errors.New("integration not loaded")
)

// State of an Entry.
type State string

const (
	StateNotLoaded      State = "not_loaded"
	StateLoaded         State = "loaded"
	StateSetupRetry     State = "setup_retry"
	StateReauthRequired State = "reauth_required"
)

// Status is a point-in-time view of an Entry.
type Status struct {
	State               State         `json:"state"`
	Email               string        `json:"email,omitempty"`
	ScanIntervalSeconds int           `json:"scanIntervalSeconds"`
	Batteries           int           `json:"batteries"`
	Poller              poller.Status `json:"poller"`
	LastSetupError      string        `json:"lastSetupError,omitempty"`
}

// Entry is one configured account: a client, its poller, the entities
// registered for it and the poll loop.
type Entry struct {
	factory ess.Factory

	// lifecycle serializes Setup, Reload and Unload; it is held across
	// network calls, mu never is
	lifecycle sync.Mutex
	unsub     func()

	mu       sync.Mutex
	creds    types.Credentials
	interval time.Duration
	state    State
	setupErr string

	client   ess.Client
	poller   *poller.Poller
	registry *entity.Registry
	cancel   context.CancelFunc
	done     chan struct{}

	subs    map[int]func([]entity.State)
	nextSub int
}

// NewEntry returns an unloaded entry. A zero interval means the default.
func NewEntry(factory ess.Factory, creds types.Credentials, interval time.Duration) (*Entry, error) {
	if interval == 0 {
		interval = types.DefaultScanInterval
	}
	if err := types.ValidateScanInterval(interval); err != nil {
		return nil, err
	}
	return &Entry{
		factory:  factory,
		creds:    creds,
		interval: interval,
		state:    StateNotLoaded,
		subs:     make(map[int]func([]entity.State)),
	}, nil
}

// Setup logs in, runs the first refresh, registers the entities and starts
// the poll loop. The loop outlives ctx; stop it with Unload.
func (e *Entry) Setup(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.setup(ctx)
}

// setup must be called with e.lifecycle held.
func (e *Entry) setup(ctx context.Context) error {
	e.mu.Lock()
	loaded := e.state == StateLoaded
	creds, interval := e.creds, e.interval
	e.mu.Unlock()
	if loaded {
		return nil
	}

	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("email", creds.Email)))
	client := e.factory(creds)

	p, err := poller.New(client, interval)
	if err == nil {
		err = client.Login(ctx)
	}
	if err == nil {
		err = p.Refresh(ctx)
	}
	if err != nil {
		client.Close()
		return e.setupFailed(ctx, err)
	}

	reg := entity.Setup(p)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	e.mu.Lock()
	e.client = client
	e.poller = p
	e.registry = reg
	e.cancel = cancel
	e.done = done
	e.state = StateLoaded
	e.setupErr = ""
	e.mu.Unlock()

	e.unsub = p.Subscribe(func([]types.Battery) { e.publish() })
	go func() {
		defer close(done)
		p.Run(runCtx)
	}()

	log.Ctx(ctx).InfoContext(
		ctx,
		"integration loaded",
		slog.Int("batteries", len(p.Records())),
		slog.Duration("interval", interval),
	)
	e.publish()
	return nil
}

// setupFailed records err and maps it to ErrReauthRequired or ErrNotReady.
func (e *Entry) setupFailed(ctx context.Context, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setupErr = err.Error()
	if ess.IsAuthError(err) || errors.Is(err, ErrReauthRequired) {
		e.state = StateReauthRequired
		log.Ctx(ctx).ErrorContext(ctx, "integration setup needs re-authentication", slog.Any("error", err))
		if errors.Is(err, ErrReauthRequired) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	e.state = StateSetupRetry
	log.Ctx(ctx).WarnContext(ctx, "integration setup failed", slog.Any("error", err))
	return fmt.Errorf("%w: %w", ErrNotReady, err)
}

// SetupWithRetry calls Setup until it succeeds, fails for a reason other
// than ErrNotReady, or ctx is done. The delay doubles up to maxDelay.
func (e *Entry) SetupWithRetry(ctx context.Context, delay, maxDelay time.Duration) error {
	for {
		err := e.Setup(ctx)
		if err == nil || !errors.Is(err, ErrNotReady) {
			return err
		}
		log.Ctx(ctx).InfoContext(ctx, "retrying integration setup", slog.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// SetScanInterval changes the poll interval. A loaded entry applies it after
// the currently scheduled refresh.
func (e *Entry) SetScanInterval(d time.Duration) error {
	if err := types.ValidateScanInterval(d); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interval = d
	if e.poller != nil {
		return e.poller.SetInterval(d)
	}
	return nil
}

// ScanInterval returns the configured poll interval.
func (e *Entry) ScanInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// Reauth checks password against the cloud and, if valid, stores it and
// reloads the entry.
func (e *Entry) Reauth(ctx context.Context, password string) error {
	e.mu.Lock()
	creds := types.Credentials{Email: e.creds.Email, Password: password}
	e.mu.Unlock()

	if err := ValidateCredentials(ctx, e.factory, creds); err != nil {
		return err
	}

	e.mu.Lock()
	e.creds = creds
	e.mu.Unlock()
	return e.Reload(ctx)
}

// Reload unloads and sets up the entry again.
func (e *Entry) Reload(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.unload()
	return e.setup(ctx)
}

// Unload stops the poll loop and closes the client. It is idempotent.
func (e *Entry) Unload() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.unload()
}

// unload must be called with e.lifecycle held.
func (e *Entry) unload() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}

	e.mu.Lock()
	cancel, done, client := e.cancel, e.done, e.client
	e.cancel, e.done, e.client = nil, nil, nil
	e.poller = nil
	e.registry = nil
	if e.state == StateLoaded {
		e.state = StateNotLoaded
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}
	if done != nil {
		<-done
	}
}

// Credentials returns the stored account.
func (e *Entry) Credentials() types.Credentials {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creds
}

// Poller returns the poller of a loaded entry.
func (e *Entry) Poller() (*poller.Poller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poller == nil {
		return nil, ErrNotLoaded
	}
	return e.poller, nil
}

// Registry returns the entities of a loaded entry.
func (e *Entry) Registry() (*entity.Registry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry == nil {
		return nil, ErrNotLoaded
	}
	return e.registry, nil
}

// Status returns the current state of the entry.
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:               e.state,
		Email:               e.creds.Email,
		ScanIntervalSeconds: int(e.interval / time.Second),
		LastSetupError:      e.setupErr,
	}
	if e.poller != nil {
		st.Poller = e.poller.Status()
		st.Batteries = len(e.poller.Records())
		if st.Poller.ReauthRequired {
			st.State = StateReauthRequired
		}
	}
	return st
}

// Subscribe registers fn to receive the entity snapshot every time the
// records change. Subscriptions survive reloads. fn must not block.
func (e *Entry) Subscribe(fn func([]entity.State)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Entry) publish() {
	e.mu.Lock()
	reg := e.registry
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func([]entity.State), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, e.subs[id])
	}
	e.mu.Unlock()

	if reg == nil {
		return
	}
	snapshot := reg.Snapshot()
	for _, fn := range subs {
		fn(snapshot)
	}
}
