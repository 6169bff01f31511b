// Package session tracks whether a user owes an answer to a day's question.
//
// State lives in process memory only; a restart returns everybody to idle.
package session

import (
	"strconv"
	"sync"
)

// State is Idle when Day is zero, otherwise AwaitingAnswer(Day).
type State struct {
	Day int
}

func (s State) Idle() bool { return s.Day == 0 }

func (s State) String() string {
	if s.Idle() {
		return "idle"
	}
	return "awaiting_answer(" + strconv.Itoa(s.Day) + ")"
}

// KV stores per-user state.
type KV interface {
	Get(userID int64) (State, bool)
	Set(userID int64, s State)
	Delete(userID int64)
}

type MemoryKV struct {
	mu sync.Mutex
	m  map[int64]State
}

func NewMemoryKV() *MemoryKV { return &MemoryKV{m: map[int64]State{}} }

func (kv *MemoryKV) Get(userID int64) (State, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	s, ok := kv.m[userID]
	return s, ok
}

func (kv *MemoryKV) Set(userID int64, s State) {
	kv.mu.Lock()
	kv.m[userID] = s
	kv.mu.Unlock()
}

func (kv *MemoryKV) Delete(userID int64) {
	kv.mu.Lock()
	delete(kv.m, userID)
	kv.mu.Unlock()
}

func (kv *MemoryKV) Len() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return len(kv.m)
}

// Machine is the per-user conversation state machine. Consume is an atomic
// read-and-clear so one pending question accepts one answer.
type Machine struct {
	kv KV
	mu sync.Mutex
}

// New returns a machine over kv, or over a fresh MemoryKV when kv is nil.
func New(kv KV) *Machine {
	if kv == nil {
		kv = NewMemoryKV()
	}
	return &Machine{kv: kv}
}

// Arm moves the user to AwaitingAnswer(day), replacing any pending day.
// day <= 0 resets to idle.
func (m *Machine) Arm(userID int64, day int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if day <= 0 {
		m.kv.Delete(userID)
		return
	}
	m.kv.Set(userID, State{Day: day})
}

// Consume returns the pending day and resets the user to idle.
func (m *Machine) Consume(userID int64) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.kv.Get(userID)
	if !ok || s.Idle() {
		return 0, false
	}
	m.kv.Delete(userID)
	return s.Day, true
}

func (m *Machine) Peek(userID int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _ := m.kv.Get(userID)
	return s
}

// Reset drops any pending question.
func (m *Machine) Reset(userID int64) {
	m.mu.Lock()
	m.kv.Delete(userID)
	m.mu.Unlock()
}
