package handler

import (
	"context"
	"sort"
	"sync"

	"github.com/agentydragon/coreagent/event"
)

type (
	// Tier is the priority of a reminder. Lower tiers take precedence when
	// enforcing caps.
	Tier int

	// Reminder describes one piece of guidance a ReminderHandler may inject
	// as a system_text item.
	Reminder struct {
		ID              string
		Text            string
		Priority        Tier
		MaxPerRun       int
		MinTurnsBetween int
	}

	reminderState struct {
		reminder Reminder
		emitted  int
		lastTurn int
	}

	// ReminderHandler is a concrete Handler adapting a run-scoped reminder
	// engine into the handler framework: on every OnBeforeSample it emits an
	// InjectItems decision carrying any reminders whose lifetime policy
	// (per-run cap, minimum turn spacing) allows emission this turn.
	ReminderHandler struct {
		BaseHandler
		mu        sync.Mutex
		reminders map[string]*reminderState
		turn      int
	}
)

const (
	TierSafety Tier = iota
	TierGuidance
)

// NewReminderHandler constructs an empty ReminderHandler.
func NewReminderHandler() *ReminderHandler {
	return &ReminderHandler{reminders: make(map[string]*reminderState)}
}

// AddReminder registers or updates a reminder. Updating an existing ID
// replaces its configuration while preserving emission counters, so rate
// limiting continues to apply across the update.
func (h *ReminderHandler) AddReminder(r Reminder) {
	if r.ID == "" || r.Text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.reminders[r.ID]; ok {
		st.reminder = r
		return
	}
	h.reminders[r.ID] = &reminderState{reminder: r}
}

// RemoveReminder deregisters a reminder; a no-op if unknown.
func (h *ReminderHandler) RemoveReminder(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.reminders, id)
}

// OnBeforeSample advances the turn counter and emits an InjectItems decision
// carrying every reminder whose lifetime policy permits emission this turn,
// ordered by priority tier then ID for stability.
func (h *ReminderHandler) OnBeforeSample(context.Context) LoopDecision {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.reminders) == 0 {
		return LoopDecision{Kind: NoAction}
	}
	h.turn++
	turn := h.turn

	var due []*reminderState
	for _, st := range h.reminders {
		if shouldEmit(st, turn) {
			due = append(due, st)
		}
	}
	if len(due) == 0 {
		return LoopDecision{Kind: NoAction}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].reminder.Priority != due[j].reminder.Priority {
			return due[i].reminder.Priority < due[j].reminder.Priority
		}
		return due[i].reminder.ID < due[j].reminder.ID
	})

	items := make([]event.Item, 0, len(due))
	for _, st := range due {
		st.emitted++
		st.lastTurn = turn
		items = append(items, event.SystemText{Text: st.reminder.Text})
	}
	return LoopDecision{Kind: InjectItems, Items: items}
}

// shouldEmit applies the per-run cap (bypassed for TierSafety) and the
// minimum turn spacing, mirroring the rate-limiting rules a reminder engine
// enforces on every snapshot.
func shouldEmit(st *reminderState, turn int) bool {
	r := st.reminder
	if r.MaxPerRun > 0 && st.emitted >= r.MaxPerRun && r.Priority != TierSafety {
		return false
	}
	if r.MinTurnsBetween > 0 && st.lastTurn > 0 {
		if delta := turn - st.lastTurn; delta >= 0 && delta < r.MinTurnsBetween {
			return false
		}
	}
	return true
}
