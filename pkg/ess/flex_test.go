package ess

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexInt(t *testing.T) {
	tests := []struct {
		in      string
		want    *int
		wantErr bool
	}{
		{in: `{"batteryThreshold":220}`, want: intPtr(220)},
		{in: `{"batteryThreshold":"300"}`, want: intPtr(300)},
		{in: `{"batteryThreshold":" 310 "}`, want: intPtr(310)},
		{in: `{"batteryThreshold":300.0}`, want: intPtr(300)},
		{in: `{"batteryThreshold":null}`},
		{in: `{}`},
		{in: `{"batteryThreshold":"abc"}`, wantErr: true},
		{in: `{"batteryThreshold":300.5}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d StationDetails
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.ThresholdValue())
		})
	}
}

func TestFlexPercent(t *testing.T) {
	tests := []struct {
		in   string
		want FlexPercent
	}{
		{in: `57`, want: 57},
		{in: `57.5`, want: 58},
		{in: `57.4`, want: 57},
		{in: `"42"`, want: 42},
		{in: `-3`, want: 0},
		{in: `101.2`, want: 100},
		{in: `null`, want: 0},
		{in: `"n/a"`, want: 0},
		{in: `{}`, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var ov Overview
			body := `{"production":{"panels":{"AB12":{"battery":` + tt.in + `},"CD34":{"battery":10}}}}`
			require.NoError(t, json.Unmarshal([]byte(body), &ov))
			p, ok := ov.Panel("AB12")
			require.True(t, ok)
			assert.Equal(t, tt.want, p.Battery)
			p, ok = ov.Panel("CD34")
			require.True(t, ok)
			assert.Equal(t, FlexPercent(10), p.Battery)
		})
	}
}

func TestFlexString(t *testing.T) {
	var s []Station
	require.NoError(t, json.Unmarshal([]byte(`[{"id":"abc"},{"id":17},{"id":null}]`), &s))
	require.Len(t, s, 3)
	assert.Equal(t, "abc", s[0].ID.String())
	assert.Equal(t, "17", s[1].ID.String())
	assert.Equal(t, "", s[2].ID.String())
}

func TestStationDetailsSettings(t *testing.T) {
	var d StationDetails
	require.NoError(t, json.Unmarshal([]byte(`{"batteryThreshold":"300","batteryPreserveEnergy":null}`), &d))
	upd := d.Settings()
	assert.Nil(t, upd.PreserveEnergy)
	require.NotNil(t, upd.Threshold)
	assert.Equal(t, 300, *upd.Threshold)
}

func intPtr(v int) *int { return &v }
