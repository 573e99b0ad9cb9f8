package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sunvault/sunvault/pkg/storage/storagemock"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Bootstrap(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockService) Run(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockService) Close() {
	m.Called()
}

func TestRun(t *testing.T) {
	t.Run("bootstrap failure closes everything", func(t *testing.T) {
		srv := &mockService{}
		db := &storagemock.MockDatabase{}
		srv.On("Bootstrap", mock.Anything).Return(errors.New("storage down"))
		srv.On("Close").Return()
		db.On("Close").Return(nil)

		err := run(context.Background(), srv, db)
		assert.EqualError(t, err, "storage down")
		srv.AssertNotCalled(t, "Run", mock.Anything)
		srv.AssertExpectations(t)
		db.AssertExpectations(t)
	})

	t.Run("clean exit", func(t *testing.T) {
		srv := &mockService{}
		db := &storagemock.MockDatabase{}
		srv.On("Bootstrap", mock.Anything).Return(nil)
		srv.On("Run", mock.Anything).Return(nil)
		srv.On("Close").Return()
		db.On("Close").Return(errors.New("already closed"))

		assert.NoError(t, run(context.Background(), srv, db))
		srv.AssertExpectations(t)
		db.AssertExpectations(t)
	})
}
