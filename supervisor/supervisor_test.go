package supervisor

import (
	"context"
	"testing"
	"time"
)

// testSupervisor builds a Supervisor that spawns "sh -c <script>" per role
// instead of re-invoking a worker binary, so these tests never depend on
// cmd/worker being built.
func testSupervisor(script string) *Supervisor {
	return &Supervisor{
		Self:     "/bin/sh",
		Args:     func(role string) []string { return []string{"-c", script} },
		children: make(map[string]*child),
	}
}

func TestStart_RecordsChildProcess(t *testing.T) {
	s := testSupervisor("sleep 5")
	defer s.stop(context.Background())

	if err := s.start(context.Background(), "classifier"); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.mu.Lock()
	c, ok := s.children["classifier"]
	s.mu.Unlock()
	if !ok {
		t.Fatal("expected child to be recorded")
	}
	if c.cmd.Process == nil {
		t.Fatal("expected process to be running")
	}
}

func TestRestartDead_RespawnsExitedChild(t *testing.T) {
	s := testSupervisor("true")
	ctx := context.Background()

	if err := s.start(ctx, "observer"); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.mu.Lock()
	first := s.children["observer"]
	s.mu.Unlock()
	// Wait for the child to exit, then hand the result back so restartDead
	// finds it on first.done.
	first.done <- <-first.done

	s.restartDead(ctx)

	s.mu.Lock()
	second, ok := s.children["observer"]
	s.mu.Unlock()
	if !ok {
		t.Fatal("expected observer to be respawned")
	}
	if second == first {
		t.Fatal("expected a fresh child, got the same one back")
	}
	s.stop(ctx)
}

func TestStop_TerminatesAllChildren(t *testing.T) {
	s := testSupervisor("sleep 5")
	ctx := context.Background()

	for _, role := range Roles {
		if err := s.start(ctx, role); err != nil {
			t.Fatalf("start %s: %v", role, err)
		}
	}

	s.stop(ctx)

	s.mu.Lock()
	remaining := len(s.children)
	s.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected no tracked children after stop, got %d", remaining)
	}
}

func TestRun_ExitsOnContextCancel(t *testing.T) {
	s := testSupervisor("sleep 5")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestNew_DefaultsArgsToWorkerRoleFlag(t *testing.T) {
	s := New("/usr/bin/maice-worker")
	args := s.Args("classifier")
	if len(args) != 1 || args[0] != "--role=classifier" {
		t.Fatalf("unexpected args: %v", args)
	}
}
