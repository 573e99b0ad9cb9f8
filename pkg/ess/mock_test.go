package ess

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunvault/sunvault/pkg/types"
)

func TestSimulator(t *testing.T) {
	ctx := context.Background()

	t.Run("login", func(t *testing.T) {
		sim := NewSimulator(DemoStations()...)
		sim.AddAccount("a@example.com", "pw")

		c := sim.Client(types.Credentials{Email: "a@example.com", Password: "wrong"})
		err := c.Login(ctx)
		assert.True(t, IsAuthError(err))

		_, err = c.ListStations(ctx)
		assert.ErrorIs(t, err, ErrNotAuthenticated)

		c = sim.Client(types.Credentials{Email: "a@example.com", Password: "pw"})
		require.NoError(t, c.Login(ctx))
		stations, err := c.ListStations(ctx)
		require.NoError(t, err)
		assert.Len(t, stations, 3)
	})

	t.Run("overview and details", func(t *testing.T) {
		sim := NewSimulator(DemoStations()...)
		c := sim.Client(types.Credentials{Email: "a", Password: "b"})
		require.NoError(t, c.Login(ctx))

		ov, err := c.GetOverview(ctx)
		require.NoError(t, err)
		p, ok := ov.Panel("VLT0001")
		require.True(t, ok)
		assert.Equal(t, FlexPercent(57), p.Battery)

		d, err := c.GetStationDetails(ctx, "1003")
		require.NoError(t, err)
		assert.Nil(t, d.PreserveEnergy)
		assert.Nil(t, d.Threshold)

		_, err = c.GetStationDetails(ctx, "nope")
		assert.True(t, IsAPIError(err))
	})

	t.Run("drift", func(t *testing.T) {
		sim := NewSimulator(SimulatedStation{ID: "1", SerialNumber: "S", Battery: 99, BatteryState: "CHARGING"})
		sim.Drift = true
		c := sim.Client(types.Credentials{Email: "a", Password: "b"})
		require.NoError(t, c.Login(ctx))

		_, err := c.GetOverview(ctx)
		require.NoError(t, err)
		ov, err := c.GetOverview(ctx)
		require.NoError(t, err)
		p, _ := ov.Panel("S")
		assert.Equal(t, FlexPercent(99), p.Battery)
		assert.Equal(t, "DISCHARGING", p.BatteryState)
	})

	t.Run("update only changes provided settings", func(t *testing.T) {
		sim := NewSimulator(DemoStations()...)
		c := sim.Client(types.Credentials{Email: "a", Password: "b"})
		require.NoError(t, c.Login(ctx))

		v := 400
		d, err := c.UpdateStation(ctx, StationUpdate{StationID: "1001", SerialNumber: "VLT0001", Name: "Garage", Threshold: &v})
		require.NoError(t, err)
		assert.Equal(t, 400, *d.ThresholdValue())
		require.NotNil(t, d.PreserveEnergy)
		assert.True(t, *d.PreserveEnergy)

		st, ok := sim.Station("VLT0001")
		require.True(t, ok)
		assert.Equal(t, 400, *st.Threshold)

		bad := 215
		_, err = c.UpdateStation(ctx, StationUpdate{StationID: "1001", SerialNumber: "VLT0001", Threshold: &bad})
		assert.True(t, IsAPIError(err))
	})

	t.Run("failures and expiry", func(t *testing.T) {
		sim := NewSimulator(DemoStations()...)
		c := sim.Client(types.Credentials{Email: "a", Password: "b"})
		require.NoError(t, c.Login(ctx))

		boom := &APIError{Endpoint: "overview", StatusCode: 503}
		sim.Fail("overview", boom)
		_, err := c.GetOverview(ctx)
		assert.True(t, errors.Is(err, boom))
		sim.Fail("overview", nil)
		_, err = c.GetOverview(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 2, sim.Calls("overview"))

		sim.ExpireSessions()
		_, err = c.ListStations(ctx)
		var ae *AuthenticationError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "session expired", ae.Reason)
	})

	t.Run("close", func(t *testing.T) {
		sim := NewSimulator(DemoStations()...)
		c := sim.Client(types.Credentials{Email: "a", Password: "b"})
		require.NoError(t, c.Login(ctx))
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		_, err := c.ListStations(ctx)
		assert.ErrorIs(t, err, ErrNotAuthenticated)
	})
}
