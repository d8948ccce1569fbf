package main

import (
	"encoding/json"
	"io"

	"bitbucket.org/Davydov/sfsinfer/output"
)

// CallSummary is the json summary of a sfsinfer call.
type CallSummary struct {
	// Version stores sfsinfer version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Command is the subcommand.
	Command string `json:"command"`
	// NThreads is the number of processes used.
	NThreads int `json:"nThreads"`
	// TotalTime is the computations time in seconds.
	TotalTime float64 `json:"time"`
	// Result is the command result.
	Result interface{} `json:"result,omitempty"`
}

// Save writes the summary; an existing file is replaced.
func (s *CallSummary) Save(path string) error {
	return output.WriteFile(path, true, func(w io.Writer) error {
		j, err := json.Marshal(s)
		if err != nil {
			return err
		}
		log.Debug(string(j))
		_, err = w.Write(j)
		return err
	})
}
