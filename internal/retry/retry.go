package retry

// Slot is the single persisted retry slot: one folder and how many times it failed
type Slot interface {
	SetCurrentRetryFolder(id string)
	IncrementCurrentRetryCount()
	CurrentRetryFolder() string
	CurrentRetryCount() int
	ClearCurrentRetry()
}

// Policy drives the retry slot through Idle -> Retrying(F, n) -> Idle.
// It only counts; deciding what a high count means is left to the caller.
type Policy struct {
	slot Slot
}

// New creates a policy over slot
func New(slot Slot) *Policy {
	return &Policy{slot: slot}
}

// RecordFailure records a failed attempt on id and returns its consecutive failure count.
// A failure on a different folder than the one in the slot starts over at 1.
func (p *Policy) RecordFailure(id string) int {
	p.slot.SetCurrentRetryFolder(id)
	p.slot.IncrementCurrentRetryCount()
	return p.slot.CurrentRetryCount()
}

// RecordSuccess returns the slot to idle if it was tracking id
func (p *Policy) RecordSuccess(id string) {
	if p.slot.CurrentRetryFolder() == id {
		p.slot.ClearCurrentRetry()
	}
}

// Current returns the folder in the slot and its count. An idle slot is ("", 0).
func (p *Policy) Current() (string, int) {
	return p.slot.CurrentRetryFolder(), p.slot.CurrentRetryCount()
}

// Exceeded reports whether the slot count has reached threshold. A threshold of 0 disables it.
func (p *Policy) Exceeded(threshold int) bool {
	if threshold <= 0 {
		return false
	}
	return p.slot.CurrentRetryCount() >= threshold
}
