// Package report describes the outcome of one orchestrator run.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/compose-network/contract-deployer/internal/executor"
	"github.com/compose-network/contract-deployer/internal/steps"
)

const (
	ExitOK              = 0
	ExitDeployFailed    = 1
	ExitConfigureFailed = 2
)

type (
	StepReport struct {
		ID           string   `yaml:"id"`
		Kind         string   `yaml:"kind"`
		Status       string   `yaml:"status"`
		Implicit     bool     `yaml:"implicit,omitempty"`
		Artifact     string   `yaml:"artifact,omitempty"`
		Address      string   `yaml:"address,omitempty"`
		Transactions int      `yaml:"transactions"`
		Reason       string   `yaml:"reason,omitempty"`
		Error        string   `yaml:"error,omitempty"`
		Warnings     []string `yaml:"warnings,omitempty"`
		Duration     string   `yaml:"duration,omitempty"`

		seconds float64
	}

	Report struct {
		RunID      string       `yaml:"run-id"`
		Network    string       `yaml:"network"`
		Selection  string       `yaml:"selection"`
		DryRun     bool         `yaml:"dry-run"`
		Force      bool         `yaml:"force"`
		StartedAt  time.Time    `yaml:"started-at"`
		FinishedAt time.Time    `yaml:"finished-at"`
		Steps      []StepReport `yaml:"steps"`
		Excluded   []string     `yaml:"excluded,omitempty"`
		Warnings   []string     `yaml:"warnings,omitempty"`
		Halted     bool         `yaml:"halted,omitempty"`
		HaltReason string       `yaml:"halt-reason,omitempty"`
		Canceled   bool         `yaml:"canceled,omitempty"`
		Error      string       `yaml:"error,omitempty"`
	}

	Counts struct {
		Deployed   int
		Skipped    int
		Configured int
		Failed     int
		NotRun     int
	}
)

func New(network string, sel steps.Selection, dryRun, force bool) *Report {
	return &Report{
		RunID:     uuid.NewString(),
		Network:   network,
		Selection: sel.String(),
		DryRun:    dryRun,
		Force:     force,
		StartedAt: time.Now().UTC(),
	}
}

// AddResult appends the outcome of an executed step. Warnings are also
// collected at run level so none is lost in a long report.
func (r *Report) AddResult(ps steps.PlannedStep, res executor.Result) {
	sr := StepReport{
		ID:           ps.ID,
		Kind:         string(ps.Kind),
		Status:       string(res.Status),
		Implicit:     ps.Implicit,
		Artifact:     ps.Artifact(),
		Transactions: res.Transactions(),
		Reason:       res.Reason,
		Duration:     res.Duration.Round(time.Millisecond).String(),
		seconds:      res.Duration.Seconds(),
	}
	if res.Artifact != nil {
		sr.Address = res.Artifact.Address.Hex()
	}
	if res.Err != nil {
		sr.Error = res.Err.Error()
	}
	for _, w := range res.Warnings {
		sr.Warnings = append(sr.Warnings, w.Error())
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %s", ps.ID, w.Error()))
	}

	r.Steps = append(r.Steps, sr)
}

// AddSkipped records a step that was not attempted, with the reason.
func (r *Report) AddSkipped(ps steps.PlannedStep, status executor.Status, reason string) {
	r.Steps = append(r.Steps, StepReport{
		ID:       ps.ID,
		Kind:     string(ps.Kind),
		Status:   string(status),
		Implicit: ps.Implicit,
		Artifact: ps.Artifact(),
		Reason:   reason,
	})
}

func (r *Report) Halt(reason string) {
	r.Halted = true
	r.HaltReason = reason
}

func (r *Report) Fail(err error) {
	r.Error = err.Error()
}

func (r *Report) Finish() {
	r.FinishedAt = time.Now().UTC()
}

func (r *Report) Counts() Counts {
	var c Counts
	for _, s := range r.Steps {
		switch s.Status {
		case string(executor.StatusDeployed):
			c.Deployed++
		case string(executor.StatusSkipped):
			c.Skipped++
		case string(executor.StatusConfigured):
			c.Configured++
		case string(executor.StatusFailed):
			c.Failed++
		default:
			if !executor.Status(s.Status).Terminal() {
				c.NotRun++
			}
		}
	}
	return c
}

// ExitCode is 1 when the run failed to plan, was cancelled or lost a deploy,
// 2 when only configure steps failed, 0 otherwise.
func (r *Report) ExitCode() int {
	if r.Error != "" || r.Canceled {
		return ExitDeployFailed
	}

	configureFailed := false
	for _, s := range r.Steps {
		if s.Status != string(executor.StatusFailed) {
			continue
		}
		if s.Kind == string(steps.KindDeploy) {
			return ExitDeployFailed
		}
		configureFailed = true
	}

	if configureFailed {
		return ExitConfigureFailed
	}
	return ExitOK
}

// WriteFile writes the report as YAML.
func (r *Report) WriteFile(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not marshal run report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create report directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("could not write run report: %w", err)
	}

	return nil
}
