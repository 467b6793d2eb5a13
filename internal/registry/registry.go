// Package registry is the Agent Registry: configured agent identities
// (display name, backing model, provider) stored as rows in the user
// table alongside ordinary chat participants, so the gateway's
// membership model routes a bot like any other user.
//
// Grounded on dbstore's own User/UpsertUser/ListAgents, already shaped
// around this exact concern; registry adds boot-time seeding from
// config and the add-to-session operation the Trigger Surface exposes.
package registry

import (
	"errors"
	"fmt"

	"github.com/HyphaGroup/oubliette/internal/config"
	"github.com/HyphaGroup/oubliette/internal/dbstore"
)

// ErrAgentNotFound is returned when an agent user id has no matching
// is_agent row.
var ErrAgentNotFound = errors.New("registry: agent not found")

// Identity is a configured agent identity, the Agent Registry's view
// of a dbstore.User row.
type Identity struct {
	UserID      string
	Nickname    string
	Description string
	Model       string
	Provider    string
}

// Registry wraps the user table's agent rows.
type Registry struct {
	store *dbstore.Store
}

// New creates an Agent Registry over store.
func New(store *dbstore.Store) *Registry {
	return &Registry{store: store}
}

// Seed upserts every configured agent identity into the user table,
// run once at startup so configured bots exist as users before the
// first trigger can reference them.
func (r *Registry) Seed(agents []config.AgentConfig) error {
	for _, a := range agents {
		u := &dbstore.User{
			UserID:           a.UserID,
			Nickname:         a.Nickname,
			IsAgent:          true,
			AgentModel:       a.Model,
			AgentProvider:    a.Provider,
			AgentDescription: a.Description,
		}
		if err := r.store.UpsertUser(u); err != nil {
			return fmt.Errorf("registry: seed agent %s: %w", a.UserID, err)
		}
	}
	return nil
}

// List returns every configured agent identity, for GET /agents.
func (r *Registry) List() ([]Identity, error) {
	users, err := r.store.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("registry: list agents: %w", err)
	}
	out := make([]Identity, len(users))
	for i, u := range users {
		out[i] = identityFromUser(u)
	}
	return out, nil
}

// Get fetches a single configured agent identity by user id.
func (r *Registry) Get(agentUserID string) (*Identity, error) {
	u, err := r.store.GetUser(agentUserID)
	if errors.Is(err, dbstore.ErrUserNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get agent %s: %w", agentUserID, err)
	}
	if !u.IsAgent {
		return nil, ErrAgentNotFound
	}
	id := identityFromUser(*u)
	return &id, nil
}

// AddToSession adds a configured agent as a member of a chat session,
// for POST /agents/add-to-session.
func (r *Registry) AddToSession(chatSessionID, agentUserID string) error {
	if _, err := r.Get(agentUserID); err != nil {
		return err
	}
	if err := r.store.AddSessionMember(chatSessionID, agentUserID); err != nil {
		return fmt.Errorf("registry: add %s to session %s: %w", agentUserID, chatSessionID, err)
	}
	return nil
}

func identityFromUser(u dbstore.User) Identity {
	return Identity{
		UserID:      u.UserID,
		Nickname:    u.Nickname,
		Description: u.AgentDescription,
		Model:       u.AgentModel,
		Provider:    u.AgentProvider,
	}
}
