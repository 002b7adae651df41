package models

import "time"

// Operation is the kind of edit a declaration announces.
type Operation string

const (
	OperationEdit   Operation = "edit"
	OperationCreate Operation = "create"
	OperationDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OperationEdit || o == OperationCreate || o == OperationDelete
}

// Declaration is an agent's advisory claim over a set of files, keyed by
// the (agent, session) pair.
type Declaration struct {
	Agent             string     `json:"agent"`
	Session           string     `json:"session"`
	Files             []string   `json:"files"`
	Operation         Operation  `json:"operation"`
	Reason            string     `json:"reason"`
	DeclaredAt        time.Time  `json:"declaredAt"`
	EstimatedDuration int        `json:"estimatedDuration"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
}

// Holds reports whether the declaration covers file.
func (d *Declaration) Holds(file string) bool {
	for _, f := range d.Files {
		if f == file {
			return true
		}
	}
	return false
}
