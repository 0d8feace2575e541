package models

import "time"

// Conversation groups the messages exchanged with one App. UpstreamID is the
// conversation identifier assigned by Dify; it stays nil until the first
// exchange completes.
type Conversation struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Title      string    `gorm:"size:200;not null"`
	AppID      uint      `gorm:"column:dify_app_id;not null;index"`
	UpstreamID *string   `gorm:"column:dify_conversation_id;size:100"`
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time `gorm:"index"`

	App      App       `gorm:"foreignKey:AppID"`
	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// HasUpstreamID reports whether Dify has assigned an identifier yet.
func (c *Conversation) HasUpstreamID() bool {
	return c.UpstreamID != nil && *c.UpstreamID != ""
}
