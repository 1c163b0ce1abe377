package llm

import "context"

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 一条对话消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatProvider 是规划器依赖的唯一 LLM 能力：消息进，文本出.
// 实现应在 ctx 取消后尽快返回；规划器不会等待超时之后的结果.
type ChatProvider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Name() string
}

// ChatProviderFunc 把普通函数适配为 ChatProvider，便于测试与组合.
type ChatProviderFunc func(ctx context.Context, messages []Message) (string, error)

func (f ChatProviderFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

func (f ChatProviderFunc) Name() string { return "func" }
