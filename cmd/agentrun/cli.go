// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config string `short:"c" help:"Config file path (default: ./agentrun.toml)"`

	Run     RunCmd     `cmd:"" help:"Start a job with an expert"`
	Resume  ResumeCmd  `cmd:"" help:"Continue a stopped job"`
	Inspect InspectCmd `cmd:"" help:"Show a job's runs and event timeline"`
	Version VersionCmd `cmd:"" help:"Show version information (${version})"`
}

// RunCmd starts a job.
type RunCmd struct {
	Expert    string `short:"e" required:"" help:"Expert key"`
	Job       string `help:"Job ID (generated when empty)"`
	MaxSteps  int    `help:"Step limit for the job (overrides config)"`
	Workspace string `help:"Workspace directory for the base skill"`
	Query     string `arg:"" help:"Query for the expert"`
}

// ResumeCmd continues a job from a checkpoint.
type ResumeCmd struct {
	Job        string `required:"" help:"Job ID"`
	Checkpoint string `help:"Checkpoint ID (default: the job's last checkpoint)"`
	Input      string `short:"i" help:"Answer to the pending question, or a new query"`
}

// InspectCmd renders a stored job.
type InspectCmd struct {
	Job     string `arg:"" help:"Job ID"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
	Width   int    `default:"100" help:"Wrap width"`
	Cost    string `help:"Token pricing per 1M tokens" placeholder:"IN,OUT"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
