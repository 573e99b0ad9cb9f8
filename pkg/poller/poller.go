package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sunvault/sunvault/pkg/ess"
	"github.com/sunvault/sunvault/pkg/log"
	"github.com/sunvault/sunvault/pkg/metrics"
	"github.com/sunvault/sunvault/pkg/types"
)

var (
	// ErrReauthRequired means the credentials were rejected or the session
	// expired. The caller has to log in again; the poller never does.
	ErrReauthRequired = errors.New("re-authentication required")

	// ErrUpdateFailed means a refresh failed and will be retried on the next
	// cycle. The last good records stay readable.
	ErrUpdateFailed = errors.New("update failed")

	// ErrNotFound means the serial has no record.
	ErrNotFound = errors.New("battery not found")

	// ErrSettingUpdate means a setting change failed and nothing was changed
	// locally.
	ErrSettingUpdate = errors.New("failed to update setting")
)

// Status describes the outcome of recent refresh cycles.
type Status struct {
	LastRefresh       time.Time `json:"lastRefresh"`
	LastSuccess       time.Time `json:"lastSuccess"`
	LastUpdateSuccess bool      `json:"lastUpdateSuccess"`
	LastError         string    `json:"lastError,omitempty"`
	ReauthRequired    bool      `json:"reauthRequired"`
}

// Poller owns the battery record set. It refreshes it from the cloud on a
// timer and pushes setting changes back.
//
// The mutex only guards in-memory state and is never held across a call to
// the client, so a refresh and a setting change can interleave; both converge
// on server-confirmed values.
type Poller struct {
	client ess.Client
	now    func() time.Time

	mu       sync.Mutex
	records  map[string]types.Battery
	interval time.Duration
	status   Status
	subs     map[int]func([]types.Battery)
	nextSub  int
}

// New returns a poller for client. A zero interval means the default.
func New(client ess.Client, interval time.Duration) (*Poller, error) {
	if interval == 0 {
		interval = types.DefaultScanInterval
	}
	if err := types.ValidateScanInterval(interval); err != nil {
		return nil, err
	}
	return &Poller{
		client:   client,
		now:      time.Now,
		records:  make(map[string]types.Battery),
		interval: interval,
		subs:     make(map[int]func([]types.Battery)),
	}, nil
}

// Interval returns the current refresh interval.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval changes the refresh interval. A running loop picks it up after
// the currently scheduled tick.
func (p *Poller) SetInterval(d time.Duration) error {
	if err := types.ValidateScanInterval(d); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = d
	return nil
}

// Run refreshes on every tick until ctx is done. Refresh errors are logged and
// reflected in Status.
func (p *Poller) Run(ctx context.Context) {
	for {
		t := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if err := p.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrReauthRequired) {
				log.Ctx(ctx).ErrorContext(ctx, "refresh needs re-authentication", slog.Any("error", err))
			} else {
				log.Ctx(ctx).WarnContext(ctx, "refresh failed", slog.Any("error", err))
			}
		}
	}
}

// Refresh runs one cycle: list stations and the overview, fetch every
// station's details concurrently, then merge. Any failure fails the whole
// cycle and leaves the records untouched.
func (p *Poller) Refresh(ctx context.Context) error {
	start := p.now()
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("cycle", uuid.NewString())))
	log.Ctx(ctx).DebugContext(ctx, "refreshing batteries")

	observations, err := p.fetch(ctx)
	if err != nil {
		err = refreshError(err)
		p.mu.Lock()
		p.status.LastRefresh = start
		p.status.LastUpdateSuccess = false
		p.status.LastError = err.Error()
		p.status.ReauthRequired = errors.Is(err, ErrReauthRequired)
		p.mu.Unlock()
		metrics.ObserveRefresh(refreshResult(err), p.now().Sub(start))
		return err
	}

	p.mu.Lock()
	for _, obs := range observations {
		var old *types.Battery
		if b, ok := p.records[obs.Serial]; ok {
			old = &b
		}
		p.records[obs.Serial] = types.MergeBattery(old, obs)
	}
	p.status = Status{
		LastRefresh:       start,
		LastSuccess:       start,
		LastUpdateSuccess: true,
	}
	count := len(p.records)
	snapshot, subs := p.snapshotLocked()
	p.mu.Unlock()

	metrics.SetBatteries(count)
	metrics.ObserveRefresh(metrics.ResultSuccess, p.now().Sub(start))
	log.Ctx(ctx).DebugContext(ctx, "refreshed batteries", slog.Int("stations", len(observations)))

	publish(subs, snapshot)
	return nil
}

func (p *Poller) fetch(ctx context.Context) ([]types.StationObservation, error) {
	stations, err := p.client.ListStations(ctx)
	if err != nil {
		return nil, err
	}
	overview, err := p.client.GetOverview(ctx)
	if err != nil {
		return nil, err
	}

	details := make([]ess.StationDetails, len(stations))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range stations {
		g.Go(func() error {
			d, err := p.client.GetStationDetails(gctx, st.ID.String())
			if err != nil {
				return err
			}
			details[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	observations := make([]types.StationObservation, 0, len(stations))
	for i, st := range stations {
		if st.SerialNumber == "" {
			log.Ctx(ctx).WarnContext(ctx, "skipping station without serial number", slog.String("stationID", st.ID.String()))
			continue
		}
		// a station missing from the overview gets zero telemetry
		panel, ok := overview.Panel(st.SerialNumber)
		if !ok {
			log.Ctx(ctx).DebugContext(ctx, "station missing from overview", slog.String("serial", st.SerialNumber))
		}
		observations = append(observations, types.StationObservation{
			Serial:         st.SerialNumber,
			StationID:      st.ID.String(),
			Name:           st.Name,
			BatteryLevel:   int(panel.Battery),
			BatteryState:   panel.BatteryState,
			DeviceState:    panel.DeviceState,
			PreserveEnergy: details[i].PreserveEnergy,
			Threshold:      details[i].ThresholdValue(),
		})
	}
	return observations, nil
}

// SetPreserveEnergy changes the preserve-energy setting of serial. The current
// threshold is re-read from the server first so it is not overwritten with a
// stale local value.
func (p *Poller) SetPreserveEnergy(ctx context.Context, serial string, value bool) error {
	return p.mutate(ctx, serial, "preserve_energy", func(b types.Battery, live ess.StationDetails) ess.StationUpdate {
		threshold := b.Threshold
		if v := live.ThresholdValue(); v != nil {
			threshold = *v
		}
		return ess.StationUpdate{
			StationID:      b.StationID,
			SerialNumber:   b.Serial,
			Name:           b.Name,
			PreserveEnergy: &value,
			Threshold:      &threshold,
		}
	})
}

// SetThreshold changes the threshold of serial. The current preserve-energy
// setting is re-read from the server first.
func (p *Poller) SetThreshold(ctx context.Context, serial string, value int) error {
	return p.mutate(ctx, serial, "threshold", func(b types.Battery, live ess.StationDetails) ess.StationUpdate {
		preserve := b.PreserveEnergy
		if live.PreserveEnergy != nil {
			preserve = *live.PreserveEnergy
		}
		return ess.StationUpdate{
			StationID:      b.StationID,
			SerialNumber:   b.Serial,
			Name:           b.Name,
			PreserveEnergy: &preserve,
			Threshold:      &value,
		}
	})
}

func (p *Poller) mutate(ctx context.Context, serial, setting string, build func(types.Battery, ess.StationDetails) ess.StationUpdate) error {
	b, ok := p.Record(serial)
	if !ok {
		metrics.IncSettingUpdate(setting, "not_found")
		return fmt.Errorf("%w: %s", ErrNotFound, serial)
	}

	lctx := log.With(ctx, log.Ctx(ctx).With(slog.String("serial", serial), slog.String("setting", setting)))

	live, err := p.client.GetStationDetails(lctx, b.StationID)
	if err != nil {
		return p.mutationError(lctx, serial, setting, err)
	}
	confirmed, err := p.client.UpdateStation(lctx, build(b, live))
	if err != nil {
		return p.mutationError(lctx, serial, setting, err)
	}

	p.mu.Lock()
	cur, ok := p.records[serial]
	if ok {
		p.records[serial] = types.ApplyConfirmedSettings(cur, confirmed.Settings())
	}
	snapshot, subs := p.snapshotLocked()
	p.mu.Unlock()

	metrics.IncSettingUpdate(setting, metrics.ResultSuccess)
	log.Ctx(lctx).InfoContext(lctx, "updated battery setting")

	publish(subs, snapshot)
	return nil
}

func (p *Poller) mutationError(ctx context.Context, serial, setting string, err error) error {
	if ess.IsAuthError(err) {
		metrics.IncSettingUpdate(setting, metrics.ResultAuth)
		p.mu.Lock()
		p.status.ReauthRequired = true
		p.mu.Unlock()
		log.Ctx(ctx).ErrorContext(ctx, "setting update needs re-authentication", slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	metrics.IncSettingUpdate(setting, metrics.ResultAPI)
	log.Ctx(ctx).ErrorContext(ctx, "failed to update battery setting", slog.Any("error", err))
	return fmt.Errorf("%w for %s: %w", ErrSettingUpdate, serial, err)
}

// Records returns a copy of every record sorted by serial.
func (p *Poller) Records() []types.Battery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordsLocked()
}

// Record returns the record for serial.
func (p *Poller) Record(serial string) (types.Battery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.records[serial]
	return b, ok
}

// Status returns the outcome of the most recent refresh.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Subscribe registers fn to be called with every published record set. The
// returned func removes the subscription. fn must not block or modify the
// slice.
func (p *Poller) Subscribe(fn func([]types.Battery)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Poller) recordsLocked() []types.Battery {
	out := make([]types.Battery, 0, len(p.records))
	for _, b := range p.records {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Serial < out[j].Serial
	})
	return out
}

func (p *Poller) snapshotLocked() ([]types.Battery, []func([]types.Battery)) {
	ids := make([]int, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func([]types.Battery), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, p.subs[id])
	}
	return p.recordsLocked(), subs
}

func publish(subs []func([]types.Battery), snapshot []types.Battery) {
	for _, fn := range subs {
		fn(snapshot)
	}
}

func refreshError(err error) error {
	if ess.IsAuthError(err) {
		return fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
}

func refreshResult(err error) string {
	if errors.Is(err, ErrReauthRequired) {
		return metrics.ResultAuth
	}
	return metrics.ResultAPI
}
