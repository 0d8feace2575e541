// Package store persists apps, conversations, and messages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/zulandar/chatrelay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// displayTitleLen is how many characters of the first user message are shown
// as a conversation's title in listings.
const displayTitleLen = 50

// Store is the conversation store. It is safe for concurrent use; writes to
// the same conversation are last-write-wins.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a Store over an already-migrated database.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// ConversationSummary is one row of the conversation listing.
type ConversationSummary struct {
	ID        uint
	Title     string
	AppName   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// notFound converts gorm.ErrRecordNotFound into ErrNotFound.
func notFound(err error, what string, id uint) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s %d: %w", ErrNotFound, what, id, err)
	}
	return fmt.Errorf("store: get %s %d: %w", what, id, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// GetApp returns an app by ID.
func (s *Store) GetApp(ctx context.Context, id uint) (*models.App, error) {
	var app models.App
	if err := s.db.WithContext(ctx).First(&app, id).Error; err != nil {
		return nil, notFound(err, "app", id)
	}
	return &app, nil
}

// ListApps returns all apps ordered by ID.
func (s *Store) ListApps(ctx context.Context) ([]models.App, error) {
	var apps []models.App
	if err := s.db.WithContext(ctx).Order("id").Find(&apps).Error; err != nil {
		return nil, fmt.Errorf("store: list apps: %w", err)
	}
	return apps, nil
}

// CreateConversation creates an empty conversation under an app.
func (s *Store) CreateConversation(ctx context.Context, appID uint, title string) (*models.Conversation, error) {
	conv := models.Conversation{Title: title, AppID: appID}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createConversation(tx, &conv)
	}); err != nil {
		return nil, err
	}
	return &conv, nil
}

func createConversation(tx *gorm.DB, conv *models.Conversation) error {
	var n int64
	if err := tx.Model(&models.App{}).Where("id = ?", conv.AppID).Count(&n).Error; err != nil {
		return fmt.Errorf("store: check app %d: %w", conv.AppID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: app %d", ErrNotFound, conv.AppID)
	}
	if err := tx.Omit(clause.Associations).Create(conv).Error; err != nil {
		return fmt.Errorf("store: create conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation with its app.
func (s *Store) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).Preload("App").First(&conv, id).Error; err != nil {
		return nil, notFound(err, "conversation", id)
	}
	return &conv, nil
}

// GetConversationWithMessages returns a conversation with its app and its
// messages in creation order.
func (s *Store) GetConversationWithMessages(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Preload("App").
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		First(&conv, id).Error
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	return &conv, nil
}

// SetUpstreamID records the Dify conversation identifier.
func (s *Store) SetUpstreamID(ctx context.Context, id uint, upstreamID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := conversationExists(tx, id); err != nil {
			return err
		}
		err := tx.Model(&models.Conversation{}).Where("id = ?", id).
			Updates(map[string]any{"dify_conversation_id": upstreamID, "updated_at": s.now()}).Error
		if err != nil {
			return fmt.Errorf("store: set upstream id for %d: %w", id, err)
		}
		return nil
	})
}

// AppendMessage inserts a message and bumps its conversation's updated_at.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.appendMessage(tx, msg)
	})
}

func (s *Store) appendMessage(tx *gorm.DB, msg *models.Message) error {
	if err := conversationExists(tx, msg.ConversationID); err != nil {
		return err
	}
	err := tx.Model(&models.Conversation{}).Where("id = ?", msg.ConversationID).
		Update("updated_at", s.now()).Error
	if err != nil {
		return fmt.Errorf("store: touch conversation %d: %w", msg.ConversationID, err)
	}
	if err := tx.Omit(clause.Associations).Create(msg).Error; err != nil {
		return fmt.Errorf("store: append %s message: %w", msg.Role, err)
	}
	return nil
}

// conversationExists checks by count; MySQL reports zero affected rows for an
// update that leaves a row unchanged.
func conversationExists(tx *gorm.DB, id uint) error {
	var n int64
	if err := tx.Model(&models.Conversation{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("store: check conversation %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: conversation %d", ErrNotFound, id)
	}
	return nil
}

// ListConversations returns conversations, most recently updated first. The
// title shown is the start of the first user message when there is one.
func (s *Store) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	db := s.db.WithContext(ctx)

	var convs []models.Conversation
	if err := db.Preload("App").Order("updated_at DESC, id DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}

	var firsts []models.Message
	err := db.Where("id IN (?)",
		db.Model(&models.Message{}).Select("MIN(id)").Where("role = ?", models.RoleUser).Group("conversation_id"),
	).Find(&firsts).Error
	if err != nil {
		return nil, fmt.Errorf("store: list first messages: %w", err)
	}
	firstByConv := make(map[uint]string, len(firsts))
	for _, m := range firsts {
		firstByConv[m.ConversationID] = m.Content
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		title := c.Title
		if first, ok := firstByConv[c.ID]; ok {
			title = DisplayTitle(first)
		}
		out = append(out, ConversationSummary{
			ID:        c.ID,
			Title:     title,
			AppName:   c.App.Name,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return out, nil
}

// DisplayTitle truncates text to the listing title length, marking the cut.
func DisplayTitle(text string) string {
	if utf8.RuneCountInString(text) <= displayTitleLen {
		return text
	}
	return string([]rune(text)[:displayTitleLen]) + "..."
}

// DeleteConversation removes a conversation and all of its messages in one
// transaction.
func (s *Store) DeleteConversation(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("store: delete messages of %d: %w", id, err)
		}
		result := tx.Delete(&models.Conversation{}, id)
		if result.Error != nil {
			return fmt.Errorf("store: delete conversation %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: conversation %d", ErrNotFound, id)
		}
		return nil
	})
}

// DeleteConversationsBefore removes every conversation last updated before
// cutoff, with its messages. It returns the number of conversations removed.
func (s *Store) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&models.Conversation{}).Select("id").Where("updated_at < ?", cutoff)
		if err := tx.Where("conversation_id IN (?)", stale).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("store: purge messages: %w", err)
		}
		result := tx.Where("updated_at < ?", cutoff).Delete(&models.Conversation{})
		if result.Error != nil {
			return fmt.Errorf("store: purge conversations: %w", result.Error)
		}
		removed = result.RowsAffected
		return nil
	})
	return removed, err
}

// GetMessage returns a message by ID.
func (s *Store) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := s.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		return nil, notFound(err, "message", id)
	}
	return &msg, nil
}
