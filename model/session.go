package model

import (
	"encoding/json"
	"time"
)

const DefaultSessionTitle = "新会话"

type Session struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UserEmail string    `gorm:"not null;index" json:"user_email"`
	SessionID string    `gorm:"not null" json:"session_id"`
	Title     string    `json:"title"`
}

func (Session) TableName() string {
	return "chat_session"
}

// Message 建立联合索引 (session_id, created_at)
type Message struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index:idx_session_created" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SessionID string    `gorm:"not null;index:idx_session_created" json:"session_id"`
	Role      string    `gorm:"not null" json:"role"`
	Content   string    `gorm:"type:text" json:"content"`

	// Agent 本轮执行的 SQL 工具调用记录
	ToolCallResults json.RawMessage `gorm:"type:json" json:"tool_call_results"`

	Summary string `gorm:"type:text" json:"summary"`
}

type ToolCallResult struct {
	Name string `json:"name"`

	// 工具调用的参数与执行结果
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
}

func (Message) TableName() string {
	return "chat_message"
}
