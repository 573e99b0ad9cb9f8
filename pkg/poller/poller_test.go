package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sunvault/sunvault/pkg/ess"
	"github.com/sunvault/sunvault/pkg/ess/essmock"
	"github.com/sunvault/sunvault/pkg/types"
)

func ptr[T any](v T) *T { return &v }

func flex(v int) *ess.FlexInt {
	f := ess.FlexInt(v)
	return &f
}

func newTestPoller(t *testing.T) (*Poller, *essmock.MockClient) {
	t.Helper()
	m := &essmock.MockClient{}
	p, err := New(m, 0)
	require.NoError(t, err)
	return p, m
}

// expectAB12 sets up the single-station scenario used by most tests.
func expectAB12(m *essmock.MockClient, details ess.StationDetails) {
	m.On("ListStations", mock.Anything).Return([]ess.Station{
		{ID: "s1", SerialNumber: "AB12", Name: "Garage"},
	}, nil)
	m.On("GetOverview", mock.Anything).Return(ess.Overview{
		Production: ess.Production{Panels: map[string]ess.Panel{
			"AB12": {Battery: 57, BatteryState: "CHARGING", DeviceState: "CONNECTED"},
		}},
	}, nil)
	m.On("GetStationDetails", mock.Anything, "s1").Return(details, nil)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("merges stations overview and details", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{PreserveEnergy: ptr(true), Threshold: flex(220)})

		require.NoError(t, p.Refresh(ctx))

		b, ok := p.Record("AB12")
		require.True(t, ok)
		assert.Equal(t, types.Battery{
			Serial:         "AB12",
			StationID:      "s1",
			Name:           "Garage",
			BatteryLevel:   57,
			BatteryState:   types.BatteryStateCharging,
			DeviceState:    "CONNECTED",
			PreserveEnergy: true,
			Threshold:      220,
		}, b)
		assert.Equal(t, 399, b.EnergyWH())

		st := p.Status()
		assert.True(t, st.LastUpdateSuccess)
		assert.False(t, st.LastSuccess.IsZero())
		assert.Empty(t, st.LastError)
		m.AssertExpectations(t)
	})

	t.Run("idempotent", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{PreserveEnergy: ptr(true), Threshold: flex(220)})

		require.NoError(t, p.Refresh(ctx))
		first := p.Records()
		require.NoError(t, p.Refresh(ctx))
		assert.Equal(t, first, p.Records())
	})

	t.Run("missing panel and null settings use defaults", func(t *testing.T) {
		p, m := newTestPoller(t)
		m.On("ListStations", mock.Anything).Return([]ess.Station{
			{ID: "s2", SerialNumber: "ZZ99", Name: "Loft"},
		}, nil)
		m.On("GetOverview", mock.Anything).Return(ess.Overview{}, nil)
		m.On("GetStationDetails", mock.Anything, "s2").Return(ess.StationDetails{}, nil)

		require.NoError(t, p.Refresh(ctx))
		b, ok := p.Record("ZZ99")
		require.True(t, ok)
		assert.Equal(t, 0, b.BatteryLevel)
		assert.Equal(t, types.BatteryStateUnknown, b.BatteryState)
		assert.Empty(t, b.DeviceState)
		assert.False(t, b.PreserveEnergy)
		assert.Equal(t, 210, b.Threshold)
	})

	t.Run("fractional battery level is rounded", func(t *testing.T) {
		p, m := newTestPoller(t)
		var ov ess.Overview
		require.NoError(t, json.Unmarshal([]byte(`{"production":{"panels":{
			"AB12":{"battery":57.5,"batteryState":"CHARGING","deviceState":"CONNECTED"},
			"CD34":{"battery":10,"batteryState":"DISCHARGING","deviceState":"CONNECTED"}
		}}}`), &ov))
		m.On("ListStations", mock.Anything).Return([]ess.Station{
			{ID: "s1", SerialNumber: "AB12", Name: "Garage"},
			{ID: "s2", SerialNumber: "CD34", Name: "Shed"},
		}, nil)
		m.On("GetOverview", mock.Anything).Return(ov, nil)
		m.On("GetStationDetails", mock.Anything, mock.Anything).Return(ess.StationDetails{}, nil)

		require.NoError(t, p.Refresh(ctx))
		b, ok := p.Record("AB12")
		require.True(t, ok)
		assert.Equal(t, 58, b.BatteryLevel)
		b, ok = p.Record("CD34")
		require.True(t, ok)
		assert.Equal(t, 10, b.BatteryLevel)
		assert.True(t, p.Status().LastUpdateSuccess)
	})

	t.Run("records absent from a refresh are kept", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{Threshold: flex(300)})
		require.NoError(t, p.Refresh(ctx))

		m2 := &essmock.MockClient{}
		p.client = m2
		m2.On("ListStations", mock.Anything).Return([]ess.Station{}, nil)
		m2.On("GetOverview", mock.Anything).Return(ess.Overview{}, nil)
		require.NoError(t, p.Refresh(ctx))

		b, ok := p.Record("AB12")
		require.True(t, ok)
		assert.Equal(t, 300, b.Threshold)
	})

	t.Run("api error keeps last good records", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{PreserveEnergy: ptr(true), Threshold: flex(220)})
		require.NoError(t, p.Refresh(ctx))
		before := p.Records()

		m2 := &essmock.MockClient{}
		p.client = m2
		m2.On("ListStations", mock.Anything).Return([]ess.Station{
			{ID: "s1", SerialNumber: "AB12", Name: "Garage"},
		}, nil)
		m2.On("GetOverview", mock.Anything).Return(ess.Overview{}, nil)
		m2.On("GetStationDetails", mock.Anything, "s1").Return(ess.StationDetails{}, &ess.APIError{Endpoint: "details", StatusCode: 502})

		err := p.Refresh(ctx)
		assert.ErrorIs(t, err, ErrUpdateFailed)
		assert.NotErrorIs(t, err, ErrReauthRequired)
		assert.Equal(t, before, p.Records())

		st := p.Status()
		assert.False(t, st.LastUpdateSuccess)
		assert.False(t, st.ReauthRequired)
		assert.Contains(t, st.LastError, "502")
	})

	t.Run("auth error requires reauth", func(t *testing.T) {
		p, m := newTestPoller(t)
		m.On("ListStations", mock.Anything).Return(nil, &ess.AuthenticationError{Reason: "session expired"})

		err := p.Refresh(ctx)
		assert.ErrorIs(t, err, ErrReauthRequired)
		assert.True(t, p.Status().ReauthRequired)
		m.AssertNotCalled(t, "GetOverview", mock.Anything)
	})

	t.Run("one failed detail fails the cycle", func(t *testing.T) {
		p, m := newTestPoller(t)
		m.On("ListStations", mock.Anything).Return([]ess.Station{
			{ID: "s1", SerialNumber: "AB12"},
			{ID: "s2", SerialNumber: "CD34"},
			{ID: "s3", SerialNumber: "EF56"},
		}, nil)
		m.On("GetOverview", mock.Anything).Return(ess.Overview{}, nil)
		m.On("GetStationDetails", mock.Anything, "s1").Return(ess.StationDetails{}, nil)
		m.On("GetStationDetails", mock.Anything, "s2").Return(ess.StationDetails{}, &ess.APIError{Endpoint: "details"})
		m.On("GetStationDetails", mock.Anything, "s3").Return(ess.StationDetails{}, nil)

		err := p.Refresh(ctx)
		assert.ErrorIs(t, err, ErrUpdateFailed)
		assert.Empty(t, p.Records(), "no partial merge")
	})

	t.Run("details are fetched concurrently", func(t *testing.T) {
		p, m := newTestPoller(t)
		m.On("ListStations", mock.Anything).Return([]ess.Station{
			{ID: "s1", SerialNumber: "AB12"},
			{ID: "s2", SerialNumber: "CD34"},
		}, nil)
		m.On("GetOverview", mock.Anything).Return(ess.Overview{}, nil)

		// each call waits for the other to start
		var wg sync.WaitGroup
		wg.Add(2)
		wait := func(mock.Arguments) {
			wg.Done()
			wg.Wait()
		}
		m.On("GetStationDetails", mock.Anything, "s1").Run(wait).Return(ess.StationDetails{}, nil)
		m.On("GetStationDetails", mock.Anything, "s2").Run(wait).Return(ess.StationDetails{}, nil)

		done := make(chan error, 1)
		go func() { done <- p.Refresh(ctx) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("details were not fetched concurrently")
		}
		assert.Len(t, p.Records(), 2)
	})
}

func TestSetThreshold(t *testing.T) {
	ctx := context.Background()

	t.Run("only confirmed fields are applied", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{PreserveEnergy: ptr(true), Threshold: flex(220)})
		require.NoError(t, p.Refresh(ctx))

		m.On("UpdateStation", mock.Anything, ess.StationUpdate{
			StationID:      "s1",
			SerialNumber:   "AB12",
			Name:           "Garage",
			PreserveEnergy: ptr(true),
			Threshold:      ptr(300),
		}).Return(ess.StationDetails{Threshold: flex(300)}, nil).Once()

		var published [][]types.Battery
		unsub := p.Subscribe(func(b []types.Battery) { published = append(published, b) })
		defer unsub()

		require.NoError(t, p.SetThreshold(ctx, "AB12", 300))

		b, _ := p.Record("AB12")
		assert.Equal(t, 300, b.Threshold)
		assert.True(t, b.PreserveEnergy, "preserve energy keeps its prior value")
		require.Len(t, published, 1)
		assert.Equal(t, 300, published[0][0].Threshold)
		m.AssertExpectations(t)
	})

	t.Run("sibling is read from the server", func(t *testing.T) {
		p, m := newTestPoller(t)
		m.On("ListStations", mock.Anything).Return([]ess.Station{{ID: "s1", SerialNumber: "AB12", Name: "Garage"}}, nil)
		m.On("GetOverview", mock.Anything).Return(ess.Overview{}, nil)
		// refresh sees preserve=false, the pre-read sees true
		m.On("GetStationDetails", mock.Anything, "s1").Return(ess.StationDetails{PreserveEnergy: ptr(false)}, nil).Once()
		require.NoError(t, p.Refresh(ctx))
		m.On("GetStationDetails", mock.Anything, "s1").Return(ess.StationDetails{PreserveEnergy: ptr(true)}, nil).Once()

		m.On("UpdateStation", mock.Anything, mock.MatchedBy(func(u ess.StationUpdate) bool {
			return u.PreserveEnergy != nil && *u.PreserveEnergy && *u.Threshold == 250
		})).Return(ess.StationDetails{PreserveEnergy: ptr(true), Threshold: flex(250)}, nil)

		require.NoError(t, p.SetThreshold(ctx, "AB12", 250))
		b, _ := p.Record("AB12")
		assert.True(t, b.PreserveEnergy)
		assert.Equal(t, 250, b.Threshold)
	})

	t.Run("null sibling falls back to local value", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{PreserveEnergy: ptr(true), Threshold: flex(220)})
		require.NoError(t, p.Refresh(ctx))

		m2 := &essmock.MockClient{}
		p.client = m2
		m2.On("GetStationDetails", mock.Anything, "s1").Return(ess.StationDetails{}, nil)
		m2.On("UpdateStation", mock.Anything, mock.MatchedBy(func(u ess.StationUpdate) bool {
			return u.PreserveEnergy != nil && *u.PreserveEnergy
		})).Return(ess.StationDetails{}, nil)

		require.NoError(t, p.SetThreshold(ctx, "AB12", 260))
		b, _ := p.Record("AB12")
		assert.Equal(t, 220, b.Threshold, "server did not confirm the threshold")
		m2.AssertExpectations(t)
	})

	t.Run("api error changes nothing", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{PreserveEnergy: ptr(true), Threshold: flex(220)})
		require.NoError(t, p.Refresh(ctx))

		m.On("UpdateStation", mock.Anything, mock.Anything).Return(ess.StationDetails{}, &ess.APIError{Endpoint: "update", StatusCode: 500})

		published := 0
		p.Subscribe(func([]types.Battery) { published++ })

		err := p.SetThreshold(ctx, "AB12", 400)
		assert.ErrorIs(t, err, ErrSettingUpdate)
		assert.Contains(t, err.Error(), "AB12")
		b, _ := p.Record("AB12")
		assert.Equal(t, 220, b.Threshold)
		assert.Equal(t, 0, published)
	})
}

func TestSetPreserveEnergy(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown serial makes no calls", func(t *testing.T) {
		p, m := newTestPoller(t)
		err := p.SetPreserveEnergy(ctx, "NOPE", true)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, m.Calls)
	})

	t.Run("updates with live threshold", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{PreserveEnergy: ptr(true), Threshold: flex(220)})
		require.NoError(t, p.Refresh(ctx))

		m.On("UpdateStation", mock.Anything, ess.StationUpdate{
			StationID:      "s1",
			SerialNumber:   "AB12",
			Name:           "Garage",
			PreserveEnergy: ptr(false),
			Threshold:      ptr(220),
		}).Return(ess.StationDetails{PreserveEnergy: ptr(false), Threshold: flex(220)}, nil)

		require.NoError(t, p.SetPreserveEnergy(ctx, "AB12", false))
		b, _ := p.Record("AB12")
		assert.False(t, b.PreserveEnergy)
		m.AssertExpectations(t)
	})

	t.Run("pre-read failure aborts before the write", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{PreserveEnergy: ptr(true), Threshold: flex(220)})
		require.NoError(t, p.Refresh(ctx))

		m2 := &essmock.MockClient{}
		p.client = m2
		m2.On("GetStationDetails", mock.Anything, "s1").Return(ess.StationDetails{}, &ess.APIError{Endpoint: "details"})

		err := p.SetPreserveEnergy(ctx, "AB12", false)
		assert.ErrorIs(t, err, ErrSettingUpdate)
		m2.AssertNotCalled(t, "UpdateStation", mock.Anything, mock.Anything)
		b, _ := p.Record("AB12")
		assert.True(t, b.PreserveEnergy)
	})

	t.Run("auth error requires reauth", func(t *testing.T) {
		p, m := newTestPoller(t)
		expectAB12(m, ess.StationDetails{})
		require.NoError(t, p.Refresh(ctx))

		m2 := &essmock.MockClient{}
		p.client = m2
		m2.On("GetStationDetails", mock.Anything, "s1").Return(ess.StationDetails{}, &ess.AuthenticationError{Reason: "session expired"})

		err := p.SetPreserveEnergy(ctx, "AB12", true)
		assert.ErrorIs(t, err, ErrReauthRequired)
		assert.True(t, p.Status().ReauthRequired)
	})
}

func TestInterval(t *testing.T) {
	m := &essmock.MockClient{}

	p, err := New(m, 0)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, p.Interval())

	_, err = New(m, 10*time.Second)
	assert.Error(t, err)

	require.NoError(t, p.SetInterval(30*time.Second))
	assert.Equal(t, 30*time.Second, p.Interval())
	require.NoError(t, p.SetInterval(300*time.Second))
	assert.Error(t, p.SetInterval(301*time.Second))
	assert.Error(t, p.SetInterval(29*time.Second))
	assert.Equal(t, 300*time.Second, p.Interval())
}

func TestSubscribe(t *testing.T) {
	p, m := newTestPoller(t)
	expectAB12(m, ess.StationDetails{})

	var a, b int
	unsubA := p.Subscribe(func([]types.Battery) { a++ })
	p.Subscribe(func([]types.Battery) { b++ })

	require.NoError(t, p.Refresh(context.Background()))
	unsubA()
	require.NoError(t, p.Refresh(context.Background()))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestRunStops(t *testing.T) {
	p, _ := newTestPoller(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestErrorsWrap(t *testing.T) {
	err := refreshError(&ess.APIError{Endpoint: "overview"})
	assert.True(t, errors.Is(err, ErrUpdateFailed))
	assert.True(t, ess.IsAPIError(err))

	err = refreshError(&ess.AuthenticationError{Reason: "session expired"})
	assert.True(t, errors.Is(err, ErrReauthRequired))
	assert.True(t, ess.IsAuthError(err))
}
