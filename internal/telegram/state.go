package telegram

import (
	"sync"
)

type ChatMode int

const (
	ModeIdle ChatMode = iota
	ModeAwaitingTopic
)

// ChatState is the per-chat UI state. Ledger and task state live in the
// service session; this only tracks what the chat is waiting for.
type ChatState struct {
	Mode ChatMode
}

type StateManager struct {
	mu    sync.RWMutex
	chats map[int64]*ChatState
}

func NewStateManager() *StateManager {
	return &StateManager{
		chats: make(map[int64]*ChatState),
	}
}

// Get returns a copy of the chat state, or the idle state for unknown chats.
func (m *StateManager) Get(chatID int64) ChatState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.chats[chatID]; ok {
		return *state
	}
	return ChatState{Mode: ModeIdle}
}

func (m *StateManager) Set(chatID int64, state ChatState) {
	m.mu.Lock()
	m.chats[chatID] = &state
	m.mu.Unlock()
}

func (m *StateManager) Reset(chatID int64) {
	m.Set(chatID, ChatState{Mode: ModeIdle})
}

func (m *StateManager) SetMode(chatID int64, mode ChatMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.chats[chatID]
	if !ok {
		state = &ChatState{}
		m.chats[chatID] = state
	}
	state.Mode = mode
}
