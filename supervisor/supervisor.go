// Package supervisor runs the five agent-role worker processes as
// supervised child processes of one long-lived parent, replacing the
// original Python agent worker's multiprocessing.Process pool (spawn start
// method, SIGINT/SIGTERM handler flipping a shutdown asyncio.Event, a
// monitor loop polling process liveness every 5s and respawning dead
// children) with os/exec child processes re-invoking this same binary with
// a --role flag per agent.
//
// Grounded on original_source/agent/worker.py's AgentWorker class:
// start_agent_processes/stop_agent_processes/monitor_processes/run map
// directly onto Supervisor.start/Supervisor.stop/Supervisor.monitor/
// Supervisor.Run below, with the same 5-role roster and 5-second poll
// interval.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"goa.design/clue/log"
)

// pollInterval mirrors the original monitor loop's 5-second liveness check.
const pollInterval = 5 * time.Second

// Roles is the fixed roster of agent-role subcommands the supervisor
// spawns one child process per, in worker.py's agent_configs order.
var Roles = []string{"classifier", "improvement", "answergen", "freetalker", "observer"}

// child tracks one supervised process.
type child struct {
	role string
	cmd  *exec.Cmd
	done chan error
}

// Supervisor spawns Self (this binary, re-invoked with "worker --role=<role>")
// once per entry in Roles, restarting any that exit, until its context is
// canceled.
type Supervisor struct {
	// Self is the executable path to re-invoke per child; os.Args[0] in
	// production, a test double in tests.
	Self string
	// Args returns the args to pass Self for role (excluding Self itself).
	Args func(role string) []string

	mu       sync.Mutex
	children map[string]*child
}

// New builds a Supervisor that re-invokes exe with "--role=<role>" for each
// entry in Roles.
func New(exe string) *Supervisor {
	return &Supervisor{
		Self:     exe,
		Args:     func(role string) []string { return []string{"--role=" + role} },
		children: make(map[string]*child),
	}
}

// Run starts every role's child process, then blocks monitoring and
// restarting dead children until ctx is canceled, at which point it
// terminates every remaining child and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Print(ctx, log.KV{K: "event", V: "supervisor starting"}, log.KV{K: "roles", V: fmt.Sprintf("%v", Roles)})

	for _, role := range Roles {
		if err := s.start(ctx, role); err != nil {
			s.stop(ctx)
			return fmt.Errorf("supervisor: start %s: %w", role, err)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Print(ctx, log.KV{K: "event", V: "supervisor shutdown signal received"})
			s.stop(ctx)
			return nil
		case <-ticker.C:
			s.restartDead(ctx)
		}
	}
}

// start launches role's child process and records it.
func (s *Supervisor) start(ctx context.Context, role string) error {
	cmd := exec.Command(s.Self, s.Args(role)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	c := &child{role: role, cmd: cmd, done: make(chan error, 1)}
	go func() { c.done <- cmd.Wait() }()

	s.mu.Lock()
	s.children[role] = c
	s.mu.Unlock()

	log.Print(ctx, log.KV{K: "event", V: "child started"}, log.KV{K: "role", V: role}, log.KV{K: "pid", V: cmd.Process.Pid})
	return nil
}

// restartDead replaces any child whose process has exited, mirroring
// monitor_processes's dead-process detection and respawn.
func (s *Supervisor) restartDead(ctx context.Context) {
	s.mu.Lock()
	dead := make([]string, 0, len(s.children))
	for role, c := range s.children {
		select {
		case err := <-c.done:
			log.Error(ctx, fmt.Errorf("child exited: %w", err), log.KV{K: "role", V: role})
			dead = append(dead, role)
		default:
		}
	}
	s.mu.Unlock()

	for _, role := range dead {
		log.Print(ctx, log.KV{K: "event", V: "restarting child"}, log.KV{K: "role", V: role})
		if err := s.start(ctx, role); err != nil {
			log.Error(ctx, err, log.KV{K: "event", V: "restart failed"}, log.KV{K: "role", V: role})
		}
	}
}

// stop terminates every running child, escalating to Kill if Terminate
// does not finish the process within 5 seconds, mirroring
// stop_agent_processes's terminate-then-join(5)-then-kill escalation.
func (s *Supervisor) stop(ctx context.Context) {
	s.mu.Lock()
	children := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.children = make(map[string]*child)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func(c *child) {
			defer wg.Done()
			s.stopOne(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (s *Supervisor) stopOne(ctx context.Context, c *child) {
	if c.cmd.Process == nil {
		return
	}
	_ = c.cmd.Process.Signal(os.Interrupt)

	select {
	case <-c.done:
		log.Print(ctx, log.KV{K: "event", V: "child stopped"}, log.KV{K: "role", V: c.role})
		return
	case <-time.After(5 * time.Second):
	}

	log.Print(ctx, log.KV{K: "event", V: "child force-killed"}, log.KV{K: "role", V: c.role})
	_ = c.cmd.Process.Kill()
	<-c.done
}
