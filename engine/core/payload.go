package core

import "encoding/json"

// Payload carries task and workflow inputs/outputs as loosely typed maps;
// each task's declared schema constrains the shape at the boundary.
type Payload map[string]any

func (p Payload) AsMap() map[string]any {
	return map[string]any(p)
}

func (p Payload) String() string {
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}

func (p Payload) Clone() (Payload, error) {
	if p == nil {
		return nil, nil
	}
	copied, err := DeepCopy(map[string]any(p))
	if err != nil {
		return nil, err
	}
	return Payload(copied), nil
}

// Actor identifies the caller of a public engine operation. Effective scopes
// are resolved by the authorization service, never carried on the actor.
type Actor struct {
	UserID string `json:"user_id"`
}

// SystemActor is used for engine-internal transitions (automated tasks,
// composite propagation) which bypass offer/claim authorization.
var SystemActor = Actor{UserID: "system"}

func (a Actor) IsSystem() bool {
	return a.UserID == SystemActor.UserID
}
