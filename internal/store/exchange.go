package store

import (
	"context"
	"fmt"

	"github.com/zulandar/chatrelay/internal/models"
	"gorm.io/gorm"
)

// BeginExchange resolves the conversation for a new exchange and records the
// user's message, in one transaction. When existingID names a conversation
// belonging to appID it is reused; otherwise a new conversation is created
// with title. The returned conversation has its App loaded.
func (s *Store) BeginExchange(ctx context.Context, appID, existingID uint, title, userText string) (*models.Conversation, *models.Message, error) {
	var (
		conv models.Conversation
		msg  *models.Message
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reused := false
		if existingID != 0 {
			err := tx.Where("id = ? AND dify_app_id = ?", existingID, appID).First(&conv).Error
			switch {
			case err == nil:
				reused = true
			case !isNotFound(err):
				return fmt.Errorf("store: resolve conversation %d: %w", existingID, err)
			}
		}
		if !reused {
			conv = models.Conversation{Title: title, AppID: appID}
			if err := createConversation(tx, &conv); err != nil {
				return err
			}
		}
		if err := tx.First(&conv.App, conv.AppID).Error; err != nil {
			return fmt.Errorf("store: load app %d: %w", conv.AppID, err)
		}

		msg = &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleUser,
			Content:        userText,
		}
		return s.appendMessage(tx, msg)
	})
	if err != nil {
		return nil, nil, err
	}
	return &conv, msg, nil
}

// CompleteExchange records the assistant's message for a conversation. In the
// same transaction it sets the conversation's upstream identifier when none is
// recorded yet and upstreamID is non-empty.
func (s *Store) CompleteExchange(ctx context.Context, conversationID uint, upstreamID string, assistant *models.Message) error {
	assistant.ConversationID = conversationID
	assistant.Role = models.RoleAssistant
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if upstreamID != "" {
			err := tx.Model(&models.Conversation{}).
				Where("id = ? AND dify_conversation_id IS NULL", conversationID).
				Update("dify_conversation_id", upstreamID).Error
			if err != nil {
				return fmt.Errorf("store: link conversation %d: %w", conversationID, err)
			}
		}
		return s.appendMessage(tx, assistant)
	})
}
