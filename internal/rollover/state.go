package rollover

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/store"
)

// State is a node of the rollover state machine.
type State string

const (
	StateNoRolloverNeeded State = "NoRolloverNeeded"
	StatePlanBuilt        State = "PlanBuilt"
	StateVersionMerged    State = "VersionMerged"
	StateVersionCreated   State = "VersionCreated"
	StateDailyFolded      State = "DailyFolded"
	StateDailyCreated     State = "DailyCreated"
	StateFailed           State = "Failed"
)

// order is the forward path through the machine after PlanBuilt.
var order = []State{StatePlanBuilt, StateVersionMerged, StateVersionCreated, StateDailyFolded, StateDailyCreated}

// next returns the state reached after s, or "" when s is terminal.
func next(s State) State {
	for i, st := range order {
		if st == s && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

// Plan is the forward-merge chain for one calendar day.
type Plan struct {
	ID string `json:"id"`
	// Date is the day being rolled into, YYYY-MM-DD in the configured zone.
	Date        string `json:"date"`
	Target      string `json:"target"`
	PrevVersion string `json:"prevVersion,omitempty"`
	NewVersion  string `json:"newVersion"`
	PrevDaily   string `json:"prevDaily,omitempty"`
	Daily       string `json:"daily"`
	Push        bool   `json:"push"`
}

// Steps describes the plan in execution order.
func (p *Plan) Steps() []string {
	var steps []string
	if p.PrevVersion != "" {
		steps = append(steps, fmt.Sprintf("merge %s into %s", p.PrevVersion, p.Target))
	}
	steps = append(steps, fmt.Sprintf("create %s from %s", p.NewVersion, p.Target))
	if p.PrevDaily != "" {
		steps = append(steps, fmt.Sprintf("merge %s into %s", p.PrevDaily, p.NewVersion))
	}
	if p.Push {
		steps = append(steps, "push "+p.NewVersion)
	}
	steps = append(steps, fmt.Sprintf("create %s from %s", p.Daily, p.NewVersion))
	if p.Push {
		steps = append(steps, "push "+p.Daily)
	}
	return steps
}

// Status is the persisted progress of the most recent plan.
type Status struct {
	Plan *Plan `json:"plan,omitempty"`
	// State is the current machine state; Failed when the last attempt
	// stopped on an error.
	State State `json:"state"`
	// Reached is the last state entered successfully. Resume continues
	// from here.
	Reached   State     `json:"reached"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Incomplete reports whether the plan stopped before creating the daily
// branch.
func (s *Status) Incomplete() bool {
	return s != nil && s.Plan != nil && s.Reached != StateDailyCreated
}

func loadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &st, nil
}

func saveStatus(path string, st *Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, append(data, '\n'), 0o644)
}
