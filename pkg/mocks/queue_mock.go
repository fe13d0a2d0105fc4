package mocks

import (
	"context"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/queue"
	"github.com/stretchr/testify/mock"
)

// MockQueue is a mock implementation of queue.Queue.
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, job *models.Job) error {
	args := m.Called(ctx, job)

	return args.Error(0)
}

func (m *MockQueue) Claim(ctx context.Context) (*queue.Delivery, error) {
	args := m.Called(ctx)

	d, _ := args.Get(0).(*queue.Delivery)

	return d, args.Error(1)
}

func (m *MockQueue) Ping(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockQueue) Close() error {
	args := m.Called()

	return args.Error(0)
}
