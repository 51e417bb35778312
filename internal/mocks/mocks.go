package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"relay-service/internal/models"
	"relay-service/internal/repositories"
	"relay-service/internal/session"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) SaveMessage(ctx context.Context, senderID, receiverID, content, messageType string, metadata models.Metadata) (models.Message, error) {
	args := m.Called(ctx, senderID, receiverID, content, messageType, metadata)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkDelivered(ctx context.Context, messageID int64, receiverID string) error {
	args := m.Called(ctx, messageID, receiverID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, messageID int64, receiverID string) (string, error) {
	args := m.Called(ctx, messageID, receiverID)
	return args.String(0), args.Error(1)
}

func (m *MessageRepositoryMock) FetchUndelivered(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, userID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type PresenceStoreMock struct {
	mock.Mock
}

func (m *PresenceStoreMock) AddOnline(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *PresenceStoreMock) RemoveOnlineIfNoSessions(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *PresenceStoreMock) IsOnline(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *PresenceStoreMock) OnlineUsers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	var users []string
	if val := args.Get(0); val != nil {
		users = val.([]string)
	}
	return users, args.Error(1)
}

type MembershipStoreMock struct {
	mock.Mock
}

func (m *MembershipStoreMock) AddMember(ctx context.Context, roomID, connID, userID string) error {
	args := m.Called(ctx, roomID, connID, userID)
	return args.Error(0)
}

func (m *MembershipStoreMock) RemoveMember(ctx context.Context, roomID, connID string) error {
	args := m.Called(ctx, roomID, connID)
	return args.Error(0)
}

func (m *MembershipStoreMock) Members(ctx context.Context, roomID string) ([]string, error) {
	args := m.Called(ctx, roomID)
	var users []string
	if val := args.Get(0); val != nil {
		users = val.([]string)
	}
	return users, args.Error(1)
}

func (m *MembershipStoreMock) PruneRooms(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ session.PresenceStore = (*PresenceStoreMock)(nil)
var _ session.MembershipStore = (*MembershipStoreMock)(nil)
