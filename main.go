package main

import "github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/cmd"

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.Execute(version, commit, date)
}
