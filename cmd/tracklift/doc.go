// Package main hosts the tracklift CLI entrypoint and command graph.
//
// The Cobra command tree covers the whole workflow: inspecting the disc and
// the recorder, running a transfer batch, browsing the transfer history and
// scaffolding configuration. Config resolution, logging setup and the
// history store are centralized in commandContext so subcommands only wire
// internal packages together and render results.
package main
