package scorer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// MockResponse MockChatModel 的单次响应
type MockResponse struct {
	Content string
	Error   error
}

// MockChatModel 按顺序返回预设响应
type MockChatModel struct {
	mu               sync.Mutex
	Responses        []MockResponse
	index            int
	ReceivedMessages [][]*schema.Message
}

func NewMockChatModel(responses ...MockResponse) *MockChatModel {
	return &MockChatModel{Responses: responses}
}

func (m *MockChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReceivedMessages = append(m.ReceivedMessages, input)
	if m.index >= len(m.Responses) {
		return nil, errors.New("mock model has run out of responses")
	}
	resp := m.Responses[m.index]
	m.index++
	if resp.Error != nil {
		return nil, resp.Error
	}
	return schema.AssistantMessage(resp.Content, nil), nil
}

func (m *MockChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("streaming not implemented in MockChatModel")
}

func (m *MockChatModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func (m *MockChatModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ReceivedMessages)
}
