package pipeline

import (
	"context"
	"sort"
)

// atomFeed issues one credential payload per atom assigned to the requester's
// email. The payload is the atom's data map; the proving layer external to
// this core turns entries into credentials.
type atomFeed struct {
	pipelineID string
	atoms      AtomStore
}

func (f *atomFeed) Type() CapabilityType { return CapabilityFeed }

func (f *atomFeed) Issue(ctx context.Context, req *FeedRequest) ([]FeedAction, error) {
	all, err := f.atoms.Load(ctx, f.pipelineID)
	if err != nil {
		return nil, err
	}
	var actions []FeedAction
	for _, a := range all {
		if a.Email == "" || a.Email != req.Requester.Email {
			continue
		}
		entries := make(map[string]any, len(a.Data)+2)
		for k, v := range a.Data {
			entries[k] = v
		}
		entries["ticketId"] = a.ID
		entries["eventId"] = a.EventID
		actions = append(actions, FeedAction{AtomID: a.ID, Entries: entries})
	}
	return actions, nil
}

// atomSemaphoreGroups derives one membership group per event from the loaded
// atoms. Members are the distinct holder emails; identity commitment
// resolution happens in the excluded credential layer.
type atomSemaphoreGroups struct {
	pipelineID string
	atoms      AtomStore
	eventIDs   []string
}

func (g *atomSemaphoreGroups) Type() CapabilityType { return CapabilitySemaphore }

func (g *atomSemaphoreGroups) GroupIDs() []string {
	out := make([]string, len(g.eventIDs))
	copy(out, g.eventIDs)
	return out
}

func (g *atomSemaphoreGroups) Members(ctx context.Context, groupID string) ([]string, error) {
	all, err := g.atoms.Load(ctx, g.pipelineID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, a := range all {
		if a.EventID != groupID || a.Email == "" {
			continue
		}
		seen[a.Email] = struct{}{}
	}
	members := make([]string, 0, len(seen))
	for email := range seen {
		members = append(members, email)
	}
	sort.Strings(members)
	return members, nil
}

// findAtom looks up one atom by id within a pipeline's current atoms.
func findAtom(ctx context.Context, store AtomStore, pipelineID, atomID string) (*Atom, error) {
	all, err := store.Load(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == atomID {
			return &all[i], nil
		}
	}
	return nil, nil
}
