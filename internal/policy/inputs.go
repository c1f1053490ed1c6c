package policy

// PolicyInput is the document sent to an external policy service.
type PolicyInput struct {
	Workspace   string   `json:"workspace"`
	PlanID      string   `json:"plan_id"`
	Actor       Actor    `json:"actor"`
	ActionKinds []string `json:"action_kinds"`
	Targets     []string `json:"targets"`
	Risk        Risk     `json:"risk"`
	Time        string   `json:"time"`
}

type Actor struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

type Risk struct {
	Score   int      `json:"score"`
	Factors []string `json:"factors,omitempty"`
	Band    string   `json:"band,omitempty"`
}
