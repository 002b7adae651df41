package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the YYYY-MM-DD layout used in daily and weekly names.
const DateLayout = "2006-01-02"

// BranchKind classifies a branch within the hierarchy.
type BranchKind string

const (
	BranchSession BranchKind = "session"
	BranchDaily   BranchKind = "daily"
	BranchWeekly  BranchKind = "weekly"
	BranchVersion BranchKind = "version"
	BranchTarget  BranchKind = "target"
	BranchOther   BranchKind = "other"
)

// BranchNode is one branch in the session → daily → weekly → mainline
// hierarchy.
type BranchNode struct {
	Name   string
	Kind   BranchKind
	Start  time.Time // daily date, or first day of a weekly range
	End    time.Time // last day of a weekly range
	Minor  int       // version counter
	Parent string
}

// Naming holds the prefixes that define the hierarchy's branch names.
type Naming struct {
	DailyPrefix   string
	WeeklyPrefix  string
	VersionPrefix string
	Target        string
}

// DailyName returns the daily branch name for day.
func (n Naming) DailyName(day time.Time) string {
	return n.DailyPrefix + day.Format(DateLayout)
}

// ParseDaily extracts the date from a daily branch name.
func (n Naming) ParseDaily(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, n.DailyPrefix)
	if !ok {
		return time.Time{}, false
	}
	d, err := time.Parse(DateLayout, rest)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// WeeklyName returns weekly/<start>_to_<end>.
func (n Naming) WeeklyName(start, end time.Time) string {
	return fmt.Sprintf("%s%s_to_%s", n.WeeklyPrefix, start.Format(DateLayout), end.Format(DateLayout))
}

// ParseWeekly extracts the inclusive date range from a weekly branch name.
func (n Naming) ParseWeekly(name string) (start, end time.Time, ok bool) {
	rest, found := strings.CutPrefix(name, n.WeeklyPrefix)
	if !found {
		return time.Time{}, time.Time{}, false
	}
	a, b, found := strings.Cut(rest, "_to_")
	if !found {
		return time.Time{}, time.Time{}, false
	}
	start, err1 := time.Parse(DateLayout, a)
	end, err2 := time.Parse(DateLayout, b)
	if err1 != nil || err2 != nil || end.Before(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// VersionName returns <prefix><minor>, e.g. v0.21.
func (n Naming) VersionName(minor int) string {
	return n.VersionPrefix + strconv.Itoa(minor)
}

// ParseVersion extracts the minor counter from a version branch name.
func (n Naming) ParseVersion(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, n.VersionPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	minor, err := strconv.Atoi(rest)
	if err != nil || minor < 0 {
		return 0, false
	}
	return minor, true
}

// Classify builds the BranchNode for name.
func (n Naming) Classify(name string) BranchNode {
	node := BranchNode{Name: name, Kind: BranchOther}
	switch {
	case name == n.Target:
		node.Kind = BranchTarget
	default:
		if d, ok := n.ParseDaily(name); ok {
			node.Kind, node.Start, node.End = BranchDaily, d, d
		} else if s, e, ok := n.ParseWeekly(name); ok {
			node.Kind, node.Start, node.End, node.Parent = BranchWeekly, s, e, n.Target
		} else if m, ok := n.ParseVersion(name); ok {
			node.Kind, node.Minor, node.Parent = BranchVersion, m, n.Target
		}
	}
	return node
}

// Overlaps reports whether two inclusive date ranges intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
