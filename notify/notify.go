// Package notify implements the per-session notifications buffer from §4.7:
// it groups resources/list_changed and resources/updated{uri} events by
// origin mount prefix, and formats a drained batch into the
// "<system notification>" envelope the agent loop injects as a user_text
// event on the following turn.
package notify

import (
	"encoding/json"
	"sort"
	"sync"
)

type (
	// prefixState accumulates the notification state for a single mount
	// prefix between polls.
	prefixState struct {
		listChanged bool
		updated     map[string]struct{}
	}

	// Buffer is a per-client-session notifications buffer. It is safe for
	// concurrent use: the compositor calls ListChanged/ResourceUpdated from
	// whatever goroutine observed the event, while the agent loop calls
	// Poll once per turn boundary.
	Buffer struct {
		mu           sync.Mutex
		byPrefix     map[string]*prefixState
		policyChanged bool
	}

	// Batch is an atomically drained snapshot of a Buffer, ready to format.
	Batch struct {
		Resources     map[string]ResourceBatch
		PolicyChanged bool
	}

	// ResourceBatch is the per-prefix slice of a drained Batch.
	ResourceBatch struct {
		ListChanged bool
		Updated     []string
	}
)

// New constructs an empty Buffer.
func New() *Buffer {
	return &Buffer{byPrefix: make(map[string]*prefixState)}
}

func (b *Buffer) stateFor(prefix string) *prefixState {
	s, ok := b.byPrefix[prefix]
	if !ok {
		s = &prefixState{updated: make(map[string]struct{})}
		b.byPrefix[prefix] = s
	}
	return s
}

// ListChanged implements compositor.NotificationSink: records that prefix
// emitted resources/list_changed since the last poll.
func (b *Buffer) ListChanged(prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateFor(prefix).listChanged = true
}

// ResourceUpdated implements compositor.NotificationSink: records that uri
// (already compositor-prefixed) changed under prefix since the last poll.
func (b *Buffer) ResourceUpdated(prefix, uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateFor(prefix).updated[uri] = struct{}{}
}

// PolicyChanged records a policy-version notification, surfaced through the
// same batch mechanism as other resource updates per §5.
func (b *Buffer) PolicyChanged() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policyChanged = true
}

// Poll atomically snapshots and clears the buffer. It returns false if
// nothing has accumulated, so callers can skip injecting an empty envelope.
func (b *Buffer) Poll() (Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.byPrefix) == 0 && !b.policyChanged {
		return Batch{}, false
	}

	batch := Batch{Resources: make(map[string]ResourceBatch, len(b.byPrefix)), PolicyChanged: b.policyChanged}
	for prefix, s := range b.byPrefix {
		updated := make([]string, 0, len(s.updated))
		for uri := range s.updated {
			updated = append(updated, uri)
		}
		sort.Strings(updated)
		batch.Resources[prefix] = ResourceBatch{ListChanged: s.listChanged, Updated: updated}
	}

	b.byPrefix = make(map[string]*prefixState)
	b.policyChanged = false
	return batch, true
}

// wireResource and wireEnvelope mirror the exact JSON shape specified in §6:
// {"resources": {"{prefix}": {"list_changed": bool, "updated": [uri,...]}},
//  "policy": {"changed": bool}}.
type (
	wireResource struct {
		ListChanged bool     `json:"list_changed"`
		Updated     []string `json:"updated"`
	}
	wirePolicy struct {
		Changed bool `json:"changed"`
	}
	wireEnvelope struct {
		Resources map[string]wireResource `json:"resources"`
		Policy    wirePolicy              `json:"policy"`
	}
)

// Format renders batch into the "<system notification>...</system
// notification>" text the agent loop injects as a user_text event.
func Format(batch Batch) (string, error) {
	env := wireEnvelope{
		Resources: make(map[string]wireResource, len(batch.Resources)),
		Policy:    wirePolicy{Changed: batch.PolicyChanged},
	}
	for prefix, rb := range batch.Resources {
		updated := rb.Updated
		if updated == nil {
			updated = []string{}
		}
		env.Resources[prefix] = wireResource{ListChanged: rb.ListChanged, Updated: updated}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return "<system notification>\n" + string(body) + "\n</system notification>", nil
}
