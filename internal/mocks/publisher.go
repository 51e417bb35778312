package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"relay-service/internal/fanout"
	"relay-service/internal/observability"
)

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	args := m.Called(ctx, routingKey, message, headers)
	return args.Error(0)
}

type BusMock struct {
	mock.Mock
}

func (m *BusMock) Publish(ctx context.Context, env fanout.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *BusMock) Bind(ctx context.Context, target string) error {
	args := m.Called(ctx, target)
	return args.Error(0)
}

func (m *BusMock) Unbind(ctx context.Context, target string) error {
	args := m.Called(ctx, target)
	return args.Error(0)
}

func (m *BusMock) Consume(ctx context.Context, deliver func(fanout.Envelope)) error {
	args := m.Called(ctx, deliver)
	return args.Error(0)
}

func (m *BusMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ observability.Publisher = (*PublisherMock)(nil)
var _ fanout.Bus = (*BusMock)(nil)
