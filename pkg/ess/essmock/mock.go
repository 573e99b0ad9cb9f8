package essmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sunvault/sunvault/pkg/ess"
)

type MockClient struct {
	mock.Mock
}

var _ ess.Client = (*MockClient)(nil)

func (m *MockClient) Login(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) ListStations(ctx context.Context) ([]ess.Station, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ess.Station), args.Error(1)
}

func (m *MockClient) GetOverview(ctx context.Context) (ess.Overview, error) {
	args := m.Called(ctx)
	return args.Get(0).(ess.Overview), args.Error(1)
}

func (m *MockClient) GetStationDetails(ctx context.Context, stationID string) (ess.StationDetails, error) {
	args := m.Called(ctx, stationID)
	return args.Get(0).(ess.StationDetails), args.Error(1)
}

func (m *MockClient) UpdateStation(ctx context.Context, upd ess.StationUpdate) (ess.StationDetails, error) {
	args := m.Called(ctx, upd)
	return args.Get(0).(ess.StationDetails), args.Error(1)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
