package response

import (
	"encoding/json"
	"time"
)

type SessionResponse struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

type GetSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type MessageResponse struct {
	CreatedAt       time.Time       `json:"created_at"`
	Role            string          `json:"role"`
	Content         string          `json:"content"`
	ToolCallResults json.RawMessage `json:"tool_call_results"`
}

type GetSessionMessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
}

// AgentStatsResponse Agent 缓存的调试视图
type AgentStatsResponse struct {
	Entries []AgentCacheEntry `json:"entries"`
	Size    int               `json:"size"`
}

type AgentCacheEntry struct {
	FleetID string `json:"fleet_id"`
	Role    string `json:"role"`
	Model   string `json:"model"`
}
