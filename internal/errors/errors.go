// Package errors defines the structured error taxonomy shared by every
// engine: configuration, git, merge conflict, coordination conflict and
// missing-resource failures. Callers branch on Kind rather than on message
// text, and the CLI maps kinds to exit codes.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Op describes an operation, usually as "package.Function".
type Op string

// Kind categorizes an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindGit
	KindMergeConflict
	KindCoordination
	KindMissing
	KindDirtyTree
	KindInvalid
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration error"
	case KindGit:
		return "git operation error"
	case KindMergeConflict:
		return "merge conflict"
	case KindCoordination:
		return "coordination conflict"
	case KindMissing:
		return "missing resource"
	case KindDirtyTree:
		return "dirty working tree"
	case KindInvalid:
		return "invalid"
	case KindIO:
		return "I/O error"
	default:
		return "unknown error"
	}
}

// Error is the structured error carried through the engines.
type Error struct {
	Op      Op
	Kind    Kind
	Err     error
	Context string
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error from any mix of Op, Kind, string context and a wrapped
// error. When no error is given the context becomes the message.
func E(args ...any) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	if e.Kind == KindUnknown {
		e.Kind = GetKind(e.Err)
	}
	return e
}

// Is reports whether any error in err's chain has the given Kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// GetKind returns the Kind of the outermost classified error in the chain.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	var mc *MergeConflictError
	if errors.As(err, &mc) {
		return KindMergeConflict
	}
	var cc *CoordinationConflictError
	if errors.As(err, &cc) {
		return KindCoordination
	}
	var mr *MissingResourceError
	if errors.As(err, &mr) {
		return KindMissing
	}
	return KindUnknown
}

// As and New re-export the standard helpers so callers need one import.
func As(err error, target any) bool { return errors.As(err, target) }
func New(text string) error        { return errors.New(text) }

// MergeConflictError reports a merge that stopped on conflicts. The merge
// has already been aborted; Files lists the paths git reported unmerged.
type MergeConflictError struct {
	Source string
	Target string
	Files  []string
}

func (e *MergeConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("merge conflict merging %s into %s", e.Source, e.Target)
	}
	return fmt.Sprintf("merge conflict merging %s into %s: %s", e.Source, e.Target, strings.Join(e.Files, ", "))
}

// FileConflict names the declaration already holding a file.
type FileConflict struct {
	File    string `json:"file"`
	Agent   string `json:"agent"`
	Session string `json:"session"`
}

// CoordinationConflictError is returned when a declaration overlaps one or
// more active declarations held by other sessions.
type CoordinationConflictError struct {
	Conflicts []FileConflict
}

func (e *CoordinationConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s (held by %s/%s)", c.File, c.Agent, c.Session))
	}
	return "files already declared: " + strings.Join(parts, ", ")
}

// MissingResourceError reports an absent branch, lock file or record.
type MissingResourceError struct {
	Resource string
	Name     string
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Name)
}

// Missing is shorthand for a MissingResourceError.
func Missing(resource, name string) error {
	return &MissingResourceError{Resource: resource, Name: name}
}

// Config errors

func ConfigInvalid(field, reason string) error {
	return E(Op("config.Validate"), KindConfig, fmt.Sprintf("%s: %s", field, reason))
}

func ConfigLoadFailed(path string, err error) error {
	return E(Op("config.Load"), KindConfig, fmt.Sprintf("failed to load %s", path), err)
}

// Exit codes used by the CLI.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfig        = 2
	ExitMergeConflict = 3
	ExitCoordination  = 4
)

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch GetKind(err) {
	case KindConfig:
		return ExitConfig
	case KindMergeConflict:
		return ExitMergeConflict
	case KindCoordination:
		return ExitCoordination
	default:
		return ExitFailure
	}
}
