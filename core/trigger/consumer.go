package trigger

import (
	"context"
	"errors"

	"github.com/cordum/masher/core/infra/logging"
	"github.com/cordum/masher/core/infra/metrics"
	"github.com/cordum/masher/core/masher"
)

// Pusher runs pushes; *masher.Coordinator satisfies it.
type Pusher interface {
	Push(ctx context.Context, titles []string) (*masher.PushResult, error)
	Resume(ctx context.Context, tagIDs []string) (*masher.PushResult, error)
}

// Consumer handles trigger messages. Rejected messages are logged and
// dropped; nothing is returned to the sender.
type Consumer struct {
	Verifier *Verifier
	Pusher   Pusher
	Metrics  metrics.PushMetrics
}

// Handle processes one raw message and blocks until the push finishes.
func (c *Consumer) Handle(ctx context.Context, data []byte) error {
	env, body, err := Parse(data)
	if err != nil {
		c.reject("malformed", err)
		return nil
	}
	if err := c.Verifier.Verify(env); err != nil {
		c.reject("signature", err)
		return nil
	}
	msg := body.Msg
	if msg.Resume {
		logging.Info("trigger", "resume requested", "repos", msg.Repos)
		_, err = c.Pusher.Resume(ctx, msg.Repos)
		return err
	}
	titles := msg.Titles()
	if len(titles) == 0 {
		c.reject("empty", errors.New("no update titles"))
		return nil
	}
	logging.Info("trigger", "push requested", "titles", len(titles), "topic", env.Topic)
	res, err := c.Pusher.Push(ctx, titles)
	if err != nil {
		return err
	}
	logging.Info("trigger", "push complete", "push_id", res.PushID, "units", len(res.Units), "failed", len(res.Failed()))
	return nil
}

func (c *Consumer) reject(reason string, err error) {
	logging.Error("trigger", "dropping message", "reason", reason, "error", err)
	if c.Metrics != nil {
		c.Metrics.IncMessagesRejected(reason)
	}
}
