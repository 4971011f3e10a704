package request

type UserRegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	FleetID  string `json:"fleet_id" binding:"required"`
}

type UserLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type UpdateSessionTitleRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Title     string `json:"title" binding:"required"`
}

// ChatMessage 前端携带的历史对话消息
type ChatMessage struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
}

type ChatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Query     string `json:"query" binding:"required"`

	// 历史对话由前端每轮完整携带，服务端在 Agent 运行期间不读写历史
	Messages []ChatMessage `json:"messages"`

	AgentConfig AgentConfig `json:"agent_config"`
}

type AgentConfig struct {
	Model string `json:"model"`
}
