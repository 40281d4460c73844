// Package runner implements the subscriber-loop shape shared by every agent
// worker: join the ingress consumer group, replay one batch of entries left
// pending from a prior crash, then block-read new entries and dispatch them by
// target agent. Grounded on the original Python BaseAgent's
// run_subscriber/_process_*_request/ack pattern, generalized from one
// hand-written loop per agent into a single reusable driver.
package runner

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"

	"maice.ai/orchestrator/bus"
	"maice.ai/orchestrator/messages"
)

// Handler processes one decoded ingress envelope. Returning an error only
// logs; the message is still acked, matching the original agent's
// ack-regardless-of-outcome behavior (redelivery cannot repair a bad
// payload, so retrying it forever would not help).
type Handler func(ctx context.Context, env messages.Envelope) error

// Config names the consumer group/identity a Run loop joins.
type Config struct {
	Group        string
	Consumer     string
	TargetAgent  string
	Block        time.Duration
	ReadCount    int64
}

// Run joins group on the shared ingress stream as consumer, replays up to
// cfg.ReadCount pending entries left over from a previous crash (one read;
// pending entries beyond that batch are not replayed), and then services new
// entries until ctx is canceled. Entries whose target_agent matches
// cfg.TargetAgent, or is empty, are passed to handle; entries addressed to
// another agent are acked and skipped, since the ingress stream is shared by
// every agent role.
func Run(ctx context.Context, b *bus.Bus, cfg Config, handle Handler) error {
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if err := b.EnsureGroup(ctx, bus.IngressStream, cfg.Group); err != nil {
		return err
	}

	if err := drain(ctx, b, cfg, handle); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, err, log.KV{K: "stage", V: "pending-drain"})
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := b.ReadNew(ctx, bus.IngressStream, cfg.Group, cfg.Consumer, cfg.ReadCount, cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(ctx, err, log.KV{K: "stage", V: "read"})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, e := range entries {
			dispatch(ctx, b, cfg, handle, e)
		}
	}
}

func drain(ctx context.Context, b *bus.Bus, cfg Config, handle Handler) error {
	entries, err := b.ReadPending(ctx, bus.IngressStream, cfg.Group, cfg.Consumer, cfg.ReadCount)
	if err != nil {
		return err
	}
	for _, e := range entries {
		dispatch(ctx, b, cfg, handle, e)
	}
	return nil
}

func dispatch(ctx context.Context, b *bus.Bus, cfg Config, handle Handler, e bus.Entry) {
	defer func() {
		if err := b.Ack(ctx, bus.IngressStream, cfg.Group, e.ID); err != nil {
			log.Error(ctx, err, log.KV{K: "stage", V: "ack"}, log.KV{K: "id", V: e.ID})
		}
	}()

	env, err := messages.FromFields(e.Fields)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "stage", V: "decode"}, log.KV{K: "id", V: e.ID})
		return
	}
	if env.TargetAgent != "" && env.TargetAgent != cfg.TargetAgent {
		return
	}
	if err := handle(ctx, env); err != nil {
		log.Error(ctx, err, log.KV{K: "stage", V: "handle"}, log.KV{K: "type", V: env.Type}, log.KV{K: "request_id", V: env.RequestID})
	}
}
