package pipeline

import "context"

// --- Capability Traits ---
// Instances declare provider-agnostic output surfaces beyond the base
// Load/Stop contract. The HTTP layer discovers these through the executor and
// dispatches to the right instance.

// CapabilityType names a capability for dispatch.
type CapabilityType string

const (
	CapabilityFeed      CapabilityType = "feed"
	CapabilityCheckin   CapabilityType = "checkin"
	CapabilitySemaphore CapabilityType = "semaphore-group"
)

// Capability is the base trait all capabilities share.
type Capability interface {
	Type() CapabilityType
}

// Requester identifies the end user asking for issuance.
type Requester struct {
	Email       string
	SemaphoreID string
}

// FeedRequest asks a pipeline's feed to issue credentials to a requester.
type FeedRequest struct {
	Requester Requester
}

// FeedAction is one issued credential payload. The credential cryptography
// itself is an external collaborator; the core hands over entry maps.
type FeedAction struct {
	AtomID  string
	Entries map[string]any
}

// FeedCapability issues credential payloads from the pipeline's atoms.
type FeedCapability interface {
	Capability
	Issue(ctx context.Context, req *FeedRequest) ([]FeedAction, error)
}

// CheckinRequest asks to consume a ticket atom.
type CheckinRequest struct {
	EventID   string
	AtomID    string
	CheckerID string
}

// CheckinResult reports the outcome of a check-in or pre-check.
type CheckinResult struct {
	Allowed bool
	Reason  string
}

// CheckinCapability consumes ticket atoms for events the pipeline covers.
type CheckinCapability interface {
	Capability
	CanHandleEvent(eventID string) bool
	PreCheck(ctx context.Context, req *CheckinRequest) (*CheckinResult, error)
	Checkin(ctx context.Context, req *CheckinRequest) (*CheckinResult, error)
}

// SemaphoreGroupCapability exposes group membership derived from atoms.
type SemaphoreGroupCapability interface {
	Capability
	GroupIDs() []string
	Members(ctx context.Context, groupID string) ([]string, error)
}

// FindFeed returns the first feed capability among caps, if any.
func FindFeed(caps []Capability) (FeedCapability, bool) {
	for _, c := range caps {
		if f, ok := c.(FeedCapability); ok {
			return f, true
		}
	}
	return nil, false
}

// FindCheckinForEvent returns a check-in capability that covers eventID.
func FindCheckinForEvent(caps []Capability, eventID string) (CheckinCapability, bool) {
	for _, c := range caps {
		if ci, ok := c.(CheckinCapability); ok && ci.CanHandleEvent(eventID) {
			return ci, true
		}
	}
	return nil, false
}
