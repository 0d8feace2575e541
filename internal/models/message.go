package models

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation. Assistant messages carry the raw
// upstream event log (JSON array) and the extracted keyphrase bundle (JSON
// object); both are nil for user messages.
type Message struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	ConversationID uint    `gorm:"not null;index"`
	Role           string  `gorm:"size:20;not null"`
	Content        string  `gorm:"type:mediumtext;not null"`
	RawEvents      *string `gorm:"column:raw_dify_response;type:mediumtext"`
	Keyphrases     *string `gorm:"column:keyphrase_data;type:mediumtext"`
	CreatedAt      time.Time
}
