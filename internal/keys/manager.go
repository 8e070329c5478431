package keys

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/keyrouter/internal/obs"
	"github.com/jordanhubbard/keyrouter/internal/store"
	"github.com/jordanhubbard/keyrouter/internal/vault"
)

const defaultCooldown = 5 * time.Minute

// allowedTransitions is the key lifecycle matrix. Only listed edges are
// legal; same-state entries are recorded as no-op transitions.
var allowedTransitions = map[store.KeyState]map[store.KeyState]bool{
	store.KeyAvailable: {
		store.KeyAvailable: true, store.KeyThrottled: true, store.KeyExhausted: true,
		store.KeyDisabled: true, store.KeyInvalid: true,
	},
	store.KeyThrottled: {
		store.KeyAvailable: true, store.KeyThrottled: true, store.KeyExhausted: true,
		store.KeyDisabled: true, store.KeyInvalid: true,
	},
	store.KeyExhausted: {
		store.KeyExhausted: true, store.KeyRecovering: true,
		store.KeyDisabled: true, store.KeyInvalid: true,
	},
	store.KeyRecovering: {
		store.KeyAvailable: true, store.KeyRecovering: true,
		store.KeyDisabled: true, store.KeyInvalid: true,
	},
	store.KeyDisabled: {
		store.KeyAvailable: true, store.KeyDisabled: true,
	},
	store.KeyInvalid: {
		store.KeyDisabled: true, store.KeyInvalid: true,
	},
}

// Policy narrows an eligible-key set after state filtering. A panicking or
// misbehaving policy falls back to the unfiltered set.
type Policy func(keys []store.APIKey) []store.APIKey

// Manager is the sole authority on key identity, lifecycle state, and
// material secrecy. Material is sealed by the vault before it reaches the
// store and is decrypted only through Material.
type Manager struct {
	store  store.Store
	vault  *vault.Vault
	sink   obs.Sink
	logger *slog.Logger

	cooldown time.Duration
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithCooldown overrides the default throttle cooldown.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a key manager.
func NewManager(s store.Store, v *vault.Vault, sink obs.Sink, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		vault:    v,
		sink:     sink,
		logger:   logger,
		cooldown: defaultCooldown,
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// lockFor returns the per-key mutex, creating it under the outer lock.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Register validates and encrypts new key material and stores the key in
// state Available.
func (m *Manager) Register(ctx context.Context, material, providerID string, metadata map[string]any) (*store.APIKey, error) {
	if err := validateMaterial(material); err != nil {
		return nil, &RegistrationError{Err: err}
	}
	if err := validateProviderID(providerID); err != nil {
		return nil, &RegistrationError{Err: err}
	}
	if err := validateMetadata(metadata); err != nil {
		return nil, &RegistrationError{Err: err}
	}

	sealed, err := m.vault.Seal(strings.TrimSpace(material))
	if err != nil {
		return nil, &RegistrationError{Err: fmt.Errorf("seal material: %w", err)}
	}

	now := m.now()
	key := store.APIKey{
		ID:                uuid.NewString(),
		ProviderID:        providerID,
		EncryptedMaterial: sealed,
		State:             store.KeyAvailable,
		Metadata:          metadata,
		CreatedAt:         now,
		StateUpdatedAt:    now,
	}
	if err := m.store.SaveKey(ctx, key); err != nil {
		return nil, &RegistrationError{Err: fmt.Errorf("persist key: %w", err)}
	}

	obs.Emit(ctx, m.sink, m.logger, obs.Event{
		Type:       obs.EventKeyRegistered,
		KeyID:      key.ID,
		ProviderID: providerID,
	})
	return &key, nil
}

// Get returns a stored key by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.APIKey, error) {
	key, err := m.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return key, nil
}

// List returns keys, optionally narrowed to one provider.
func (m *Manager) List(ctx context.Context, providerID string) ([]store.APIKey, error) {
	return m.store.ListKeys(ctx, providerID)
}

// Material decrypts and returns key plaintext. Every call emits a key_access
// audit event; the plaintext itself is never logged.
func (m *Manager) Material(ctx context.Context, id string) (string, error) {
	key, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	plaintext, err := m.vault.Open(key.EncryptedMaterial)
	result := "success"
	if err != nil {
		result = "failure"
	}
	obs.Emit(ctx, m.sink, m.logger, obs.Event{
		Type:  obs.EventKeyAccess,
		KeyID: id,
		Payload: map[string]any{
			"operation": "decrypt",
			"result":    result,
		},
	})
	if err != nil {
		return "", fmt.Errorf("decrypt key %s: %w", id, err)
	}
	return plaintext, nil
}

// UpdateState moves a key along the lifecycle matrix. cooldown applies only
// on transitions into Throttled; zero means the configured default.
func (m *Manager) UpdateState(ctx context.Context, id string, newState store.KeyState, trigger string, cooldown time.Duration, extra map[string]any) (*store.StateTransition, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	key, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowedTransitions[key.State][newState] {
		return nil, &InvalidStateTransitionError{KeyID: id, From: key.State, To: newState}
	}

	now := m.now()
	from := key.State
	key.State = newState
	key.StateUpdatedAt = now
	switch {
	case newState == store.KeyThrottled:
		if cooldown <= 0 {
			cooldown = m.cooldown
		}
		until := now.Add(cooldown)
		key.CooldownUntil = &until
	case from == store.KeyThrottled:
		key.CooldownUntil = nil
	}

	trCtx := map[string]any{"trigger": trigger}
	for k, v := range extra {
		trCtx[k] = v
	}
	if key.CooldownUntil != nil {
		trCtx["cooldown_until"] = key.CooldownUntil.Format(time.RFC3339)
	}
	tr := store.StateTransition{
		ID:         uuid.NewString(),
		EntityType: store.EntityKey,
		EntityID:   id,
		FromState:  string(from),
		ToState:    string(newState),
		Trigger:    trigger,
		Context:    trCtx,
		At:         now,
	}

	if err := m.store.SaveKey(ctx, *key); err != nil {
		return nil, fmt.Errorf("save key state: %w", err)
	}
	if err := m.store.SaveStateTransition(ctx, tr); err != nil {
		return nil, fmt.Errorf("save transition: %w", err)
	}

	obs.Emit(ctx, m.sink, m.logger, obs.Event{
		Type:       obs.EventStateTransition,
		KeyID:      id,
		ProviderID: key.ProviderID,
		Payload: map[string]any{
			"from":    string(from),
			"to":      string(newState),
			"trigger": trigger,
		},
	})
	return &tr, nil
}

// Revoke force-disables a key.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if _, err := m.UpdateState(ctx, id, store.KeyDisabled, "manual_revocation", 0, nil); err != nil {
		return err
	}
	obs.Emit(ctx, m.sink, m.logger, obs.Event{Type: obs.EventKeyRevoked, KeyID: id})
	return nil
}

// Rotate replaces key material in place, preserving identity, state,
// metadata, and counters.
func (m *Manager) Rotate(ctx context.Context, id, newMaterial string) (*store.APIKey, error) {
	if err := validateMaterial(newMaterial); err != nil {
		return nil, err
	}
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	key, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sealed, err := m.vault.Seal(strings.TrimSpace(newMaterial))
	if err != nil {
		return nil, fmt.Errorf("seal material: %w", err)
	}
	key.EncryptedMaterial = sealed

	now := m.now()
	tr := store.StateTransition{
		ID:         uuid.NewString(),
		EntityType: store.EntityKey,
		EntityID:   id,
		FromState:  string(key.State),
		ToState:    string(key.State),
		Trigger:    "rotation",
		Context:    map[string]any{"material_updated": true},
		At:         now,
	}
	if err := m.store.SaveKey(ctx, *key); err != nil {
		return nil, fmt.Errorf("save rotated key: %w", err)
	}
	if err := m.store.SaveStateTransition(ctx, tr); err != nil {
		return nil, fmt.Errorf("save rotation transition: %w", err)
	}

	obs.Emit(ctx, m.sink, m.logger, obs.Event{
		Type:       obs.EventKeyRotated,
		KeyID:      id,
		ProviderID: key.ProviderID,
	})
	return key, nil
}

// CheckAndRecoverStates sweeps throttled keys whose cooldown has elapsed back
// to Available. Per-key failures are logged and do not stop the sweep.
func (m *Manager) CheckAndRecoverStates(ctx context.Context) (int, error) {
	all, err := m.store.ListKeys(ctx, "")
	if err != nil {
		return 0, err
	}
	now := m.now()
	recovered := 0
	for _, key := range all {
		if key.State != store.KeyThrottled || key.CooldownUntil == nil || key.CooldownUntil.After(now) {
			continue
		}
		if _, err := m.UpdateState(ctx, key.ID, store.KeyAvailable, "cooldown_expired", 0, nil); err != nil {
			m.logger.Warn("cooldown recovery failed",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()))
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Eligible returns the keys a router may consider for a provider: Available,
// Recovering, and Throttled keys whose cooldown has lapsed.
func (m *Manager) Eligible(ctx context.Context, providerID string, policy Policy) ([]store.APIKey, error) {
	all, err := m.store.ListKeys(ctx, providerID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var eligible []store.APIKey
	for _, key := range all {
		switch key.State {
		case store.KeyAvailable, store.KeyRecovering:
			eligible = append(eligible, key)
		case store.KeyThrottled:
			if key.CooldownUntil == nil || !key.CooldownUntil.After(now) {
				eligible = append(eligible, key)
			}
		}
	}
	if policy == nil {
		return eligible, nil
	}
	return m.applyPolicy(eligible, policy), nil
}

// applyPolicy runs the caller-supplied policy, falling back to the
// state-filtered set if it panics or returns nil.
func (m *Manager) applyPolicy(eligible []store.APIKey, policy Policy) (out []store.APIKey) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("eligibility policy panicked; using state-filtered set",
				slog.Any("panic", r))
			out = eligible
		}
	}()
	filtered := policy(eligible)
	if filtered == nil {
		m.logger.Warn("eligibility policy returned nil; using state-filtered set")
		return eligible
	}
	return filtered
}
