package models

import "time"

// App is a Dify application the front-end can chat with. The API key is not
// stored; APIKeyEnv names the environment variable that holds it.
type App struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:100;not null;uniqueIndex"`
	Description string `gorm:"type:text"`
	APIKeyEnv   string `gorm:"column:api_key_env_name;size:100;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Conversations []Conversation `gorm:"foreignKey:AppID"`
}

// TableName keeps the table name used by existing databases.
func (App) TableName() string { return "dify_apps" }
