package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"relay-service/internal/auth"
	"relay-service/internal/models"
	"relay-service/internal/rooms"
)

func (s *Server) handleAuthenticate(ctx context.Context, c *Conn, ev models.ClientEvent) {
	s.authenticate(ctx, c, ev.(models.Authenticate).Token)
}

func (s *Server) authenticate(ctx context.Context, c *Conn, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		c.sendError(models.CodeAuthRequired, "authentication token required")
		return
	}
	userID, err := s.verifier.Verify(token)
	if err != nil {
		c.logger.Info("authentication failed", slog.Any("error", err))
		message := "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			message = "token expired"
		}
		c.sendError(models.CodeAuthFailed, message)
		return
	}

	// Re-authenticating as someone else takes the previous user through the offline path.
	if prev := c.UserID(); prev != "" && prev != userID {
		s.release(ctx, c, prev)
	}

	prevBound, err := s.sessions.Bind(ctx, c.id, userID, s.opts.SessionTTL)
	if err != nil {
		c.logger.Warn("session bind failed, continuing locally", slog.String("user_id", userID), slog.Any("error", err))
	}
	if prevBound != "" && prevBound != userID {
		if _, err := s.presence.MarkOfflineIfLastSession(ctx, prevBound); err != nil {
			c.logger.Warn("presence update failed", slog.String("user_id", prevBound), slog.Any("error", err))
		}
	}
	if !c.setAuthenticated(userID) {
		return
	}

	s.rooms.JoinPersonal(ctx, c.member(userID))
	s.markOnline(ctx, userID)
	c.logger.Info("user authenticated", slog.String("user_id", userID))

	c.send(models.EventAuthenticated, models.Authenticated{UserID: userID, Timestamp: s.now().UTC()})

	backlog, err := s.messages.FetchUndelivered(ctx, userID, s.opts.BacklogLimit)
	if err != nil {
		c.logger.Warn("backlog fetch failed", slog.Any("error", err))
		return
	}
	if len(backlog) > 0 {
		c.send(models.EventUndeliveredMessages, models.UndeliveredMessages{Messages: backlog})
	}
}

func (s *Server) handleJoinRoom(ctx context.Context, c *Conn, ev models.ClientEvent) {
	userID, err := c.authenticatedUser()
	if err != nil {
		return
	}
	roomID := strings.TrimSpace(ev.(models.JoinRoom).RoomID)
	if err := rooms.CheckAccess(userID, roomID); err != nil {
		c.logger.Info("room join refused", slog.String("room_id", roomID), slog.Any("error", err))
		c.sendError(models.CodeInvalidRequest, err.Error())
		return
	}

	s.rooms.Join(ctx, c.member(userID), roomID)
	c.logger.Debug("joined room", slog.String("room_id", roomID))
	c.send(models.EventRoomJoined, models.RoomJoined{RoomID: roomID})
}

func (s *Server) handleLeaveRoom(ctx context.Context, c *Conn, ev models.ClientEvent) {
	userID, err := c.authenticatedUser()
	if err != nil {
		return
	}
	roomID := strings.TrimSpace(ev.(models.LeaveRoom).RoomID)
	if rooms.IsPersonal(roomID) {
		c.sendError(models.CodeInvalidRequest, rooms.ErrPersonalRoom.Error())
		return
	}

	s.rooms.Leave(ctx, c.member(userID), roomID)
	c.logger.Debug("left room", slog.String("room_id", roomID))
}

func (s *Server) handleSendMessage(ctx context.Context, c *Conn, ev models.ClientEvent) {
	userID, err := c.authenticatedUser()
	if err != nil {
		return
	}
	req := ev.(models.SendMessage)
	receiverID := string(req.ReceiverID)
	messageType := req.MessageType
	if messageType == "" {
		messageType = models.DefaultMessageType
	}

	msg, err := s.messages.SaveMessage(ctx, userID, receiverID, req.Content, messageType, req.Metadata)
	if err != nil {
		c.logger.Error("message save failed", slog.String("receiver_id", receiverID), slog.Any("error", err))
		c.sendError(models.CodeMessageSaveFailed, "failed to save message")
		return
	}

	payload := models.NewMessageFrom(msg)
	for _, roomID := range []string{rooms.DirectRoomID(userID, receiverID), rooms.PersonalRoomID(receiverID)} {
		if err := s.broadcaster.Room(ctx, roomID, models.EventNewMessage, payload, ""); err != nil {
			c.logger.Warn("new message not fanned out", slog.String("room_id", roomID), slog.Int64("message_id", msg.ID), slog.Any("error", err))
		}
	}
	c.logger.Info("message relayed", slog.Int64("message_id", msg.ID), slog.String("receiver_id", receiverID))

	c.send(models.EventMessageSent, models.MessageSent{MessageID: msg.ID, Timestamp: msg.CreatedAt})
}

func (s *Server) handleTyping(ctx context.Context, c *Conn, ev models.ClientEvent) {
	userID, err := c.authenticatedUser()
	if err != nil {
		return
	}
	req := ev.(models.Typing)
	roomID := rooms.DirectRoomID(userID, string(req.ReceiverID))

	if err := s.broadcaster.Room(ctx, roomID, models.EventUserTyping, models.UserTyping{UserID: userID, Typing: req.Active}, c.id); err != nil {
		c.logger.Debug("typing indicator not fanned out", slog.Any("error", err))
	}
}

func (s *Server) handleMessageDelivered(ctx context.Context, c *Conn, ev models.ClientEvent) {
	userID, err := c.authenticatedUser()
	if err != nil {
		return
	}
	messageID := int64(ev.(models.MessageAck).MessageID)
	if err := s.messages.MarkDelivered(ctx, messageID, userID); err != nil {
		c.logger.Warn("mark delivered failed", slog.Int64("message_id", messageID), slog.Any("error", err))
	}
}

func (s *Server) handleMessageRead(ctx context.Context, c *Conn, ev models.ClientEvent) {
	userID, err := c.authenticatedUser()
	if err != nil {
		return
	}
	messageID := int64(ev.(models.MessageAck).MessageID)

	senderID, err := s.messages.MarkRead(ctx, messageID, userID)
	if err != nil {
		c.logger.Warn("mark read failed", slog.Int64("message_id", messageID), slog.Any("error", err))
		return
	}

	receipt := models.MessageReadReceipt{MessageID: messageID, ReadBy: userID, Timestamp: s.now().UTC()}
	if err := s.broadcaster.Room(ctx, rooms.PersonalRoomID(senderID), models.EventMessageReadReceipt, receipt, ""); err != nil {
		c.logger.Warn("read receipt not fanned out", slog.Int64("message_id", messageID), slog.Any("error", err))
	}
}

func (s *Server) handleGetOnlineUsers(ctx context.Context, c *Conn, _ models.ClientEvent) {
	users := s.presence.AllOnline(ctx)
	c.send(models.EventOnlineUsers, models.OnlineUsers{Users: users, Count: len(users)})
}
