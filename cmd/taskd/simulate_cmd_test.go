package main

import (
	"context"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
)

func TestRunSimulationProcessesPublishedMessages(t *testing.T) {
	report, err := runSimulation(context.Background(), simulateOptions{
		Instances:     2,
		Channels:      3,
		Levels:        2,
		ConcurrentMax: 8,
		Duration:      300 * time.Millisecond,
		Drain:         5 * time.Second,
		Rate:          200,
		Work:          time.Millisecond,
		FailRatio:     0,
		BodyBytes:     16,
		Seed:          7,
	}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if report.Published == 0 {
		t.Fatal("nothing was published")
	}
	if len(report.Instances) != 2 {
		t.Fatalf("expected two instance reports, got %d", len(report.Instances))
	}
	var acked uint64
	for _, inst := range report.Instances {
		acked += inst.Acked
	}
	if acked != uint64(report.Published) {
		t.Fatalf("expected every published message to be acked once: published=%d acked=%d", report.Published, acked)
	}
	if len(report.Masters) > 1 {
		t.Fatalf("more than one master reported: %v", report.Masters)
	}
}

func TestSimulateCommandPrintsYAML(t *testing.T) {
	t.Setenv("TASKD_CONFIG_DIR", t.TempDir())
	stdout, _, err := executeRootCommand(t, "simulate",
		"--instances", "1",
		"--channels", "1",
		"--duration", "100ms",
		"--rate", "50",
		"--work", "0s",
		"--fail-ratio", "0",
	)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	var report simulationReport
	if err := yaml.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, stdout)
	}
	if len(report.Instances) != 1 || report.Instances[0].Originator != "sim-00" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestSimulateOptionsValidate(t *testing.T) {
	base := simulateOptions{Instances: 1, Channels: 1, Rate: 1, Duration: time.Second}
	if err := base.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	bad := []func(*simulateOptions){
		func(o *simulateOptions) { o.Instances = 0 },
		func(o *simulateOptions) { o.Channels = 0 },
		func(o *simulateOptions) { o.Rate = 0 },
		func(o *simulateOptions) { o.FailRatio = 2 },
		func(o *simulateOptions) { o.Duration = 0 },
	}
	for i, mutate := range bad {
		o := base
		mutate(&o)
		if err := o.validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
