package intake

import (
	"strings"
	"sync"
	"time"

	"github.com/osiriscare/appliance-agent/internal/crypto"
)

// AgentState is one registered workstation agent. The verifier pins the
// public key presented at registration; re-registering replaces it.
type AgentState struct {
	AgentID       string
	Hostname      string
	Platform      string
	Verifier      *crypto.Verifier
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	DriftCount    int64
}

// Registry tracks registered workstation agents. Registrations are
// in-memory only; agents re-register after an appliance restart.
type Registry struct {
	mu            sync.RWMutex
	agents        map[string]*AgentState
	hostnameIndex map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		agents:        make(map[string]*AgentState),
		hostnameIndex: make(map[string]string),
	}
}

// Register adds or replaces an agent.
func (r *Registry) Register(state *AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[state.AgentID] = state
	r.hostnameIndex[strings.ToLower(state.Hostname)] = state.AgentID
}

// Get returns the agent by id, or nil.
func (r *Registry) Get(agentID string) *AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// GetByHostname returns the agent by case-insensitive hostname, or nil.
func (r *Registry) GetByHostname(hostname string) *AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.hostnameIndex[strings.ToLower(hostname)]
	if !ok {
		return nil
	}
	return r.agents[id]
}

// HasAgentForHost reports whether a workstation agent covers the host.
// The discovery cadence uses this to skip direct polling.
func (r *Registry) HasAgentForHost(hostname string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hostnameIndex[strings.ToLower(hostname)]
	return ok
}

// Touch updates the heartbeat clock. Returns false for unknown agents.
func (r *Registry) Touch(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	agent.LastHeartbeat = time.Now().UTC()
	return true
}

// CountDrift increments the per-agent event counter.
func (r *Registry) CountDrift(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[agentID]; ok {
		agent.DriftCount++
		agent.LastHeartbeat = time.Now().UTC()
	}
}

// ConnectedCount returns the number of registered agents.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
