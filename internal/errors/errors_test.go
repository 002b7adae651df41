package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindUnknown, "unknown error"},
		{KindConfig, "configuration error"},
		{KindGit, "git operation error"},
		{KindMergeConflict, "merge conflict"},
		{KindCoordination, "coordination conflict"},
		{KindMissing, "missing resource"},
		{KindDirtyTree, "dirty working tree"},
		{KindInvalid, "invalid"},
		{KindIO, "I/O error"},
		{Kind(999), "unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.String())
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{"with op and context", &Error{Op: "x.Y", Context: "ctx", Err: errors.New("boom")}, "x.Y: ctx: boom"},
		{"with op only", &Error{Op: "x.Y", Err: errors.New("boom")}, "x.Y: boom"},
		{"without op", &Error{Err: errors.New("boom")}, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestE_ContextOnly(t *testing.T) {
	err := E(Op("registry.Get"), KindMissing, "no such session")
	assert.Equal(t, "registry.Get: no such session", err.Error())
	assert.True(t, Is(err, KindMissing))
}

func TestE_InheritsKindFromWrapped(t *testing.T) {
	inner := &MergeConflictError{Source: "a", Target: "b", Files: []string{"x.txt"}}
	err := E(Op("merge.Close"), "merging", inner)
	assert.True(t, Is(err, KindMergeConflict))

	var mc *MergeConflictError
	require.True(t, As(err, &mc))
	assert.Equal(t, []string{"x.txt"}, mc.Files)
}

func TestGetKind_Typed(t *testing.T) {
	assert.Equal(t, KindCoordination, GetKind(&CoordinationConflictError{}))
	assert.Equal(t, KindMissing, GetKind(Missing("branch", "feat")))
	assert.Equal(t, KindMergeConflict, GetKind(fmt.Errorf("wrapped: %w", &MergeConflictError{})))
	assert.Equal(t, KindUnknown, GetKind(errors.New("plain")))
}

func TestCoordinationConflictError_Message(t *testing.T) {
	err := &CoordinationConflictError{Conflicts: []FileConflict{
		{File: "a.txt", Agent: "claude", Session: "s1"},
		{File: "b.txt", Agent: "cursor", Session: "s2"},
	}}
	assert.Equal(t, "files already declared: a.txt (held by claude/s1), b.txt (held by cursor/s2)", err.Error())
}

func TestMergeConflictError_Message(t *testing.T) {
	assert.Equal(t, "merge conflict merging s into main", (&MergeConflictError{Source: "s", Target: "main"}).Error())
	assert.Equal(t, "merge conflict merging s into main: a, b",
		(&MergeConflictError{Source: "s", Target: "main", Files: []string{"a", "b"}}).Error())
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitConfig, ExitCode(ConfigInvalid("mergeStrategy", "unknown")))
	assert.Equal(t, ExitMergeConflict, ExitCode(&MergeConflictError{}))
	assert.Equal(t, ExitCoordination, ExitCode(&CoordinationConflictError{}))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("other")))
	assert.Equal(t, ExitFailure, ExitCode(Missing("branch", "x")))
}
