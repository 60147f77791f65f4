package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/nats-io/nkeys"
	"github.com/spf13/cobra"

	"github.com/cordum/masher/core/infra/bus"
	"github.com/cordum/masher/core/masher"
	"github.com/cordum/masher/core/masher/pushstate"
	"github.com/cordum/masher/core/trigger"
)

const envSignerSeed = "MASHER_SIGNER_SEED"

var (
	pushCmd = &cobra.Command{
		Use:   "push TITLE...",
		Short: "Push the named updates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if publish {
				return publishTrigger(cmd, trigger.Message{Updates: strings.Join(args, " ")})
			}
			rt, err := openRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()
			res, err := rt.coordinator().Push(cmd.Context(), args)
			if err != nil {
				return err
			}
			return report(cmd, res)
		},
	}

	resumeCmd = &cobra.Command{
		Use:   "resume [TAG...]",
		Short: "Resume retained pushes, all of them when no tag is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			if publish {
				return publishTrigger(cmd, trigger.Message{Resume: true, Repos: args})
			}
			rt, err := openRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()
			res, err := rt.coordinator().Resume(cmd.Context(), args)
			if err != nil {
				return err
			}
			return report(cmd, res)
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "List retained push state files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			entries, err := pushstate.NewStore(cfg.StateDir).List()
			if err != nil {
				return err
			}
			printStates(cmd, entries)
			return nil
		},
	}
)

func report(cmd *cobra.Command, res *masher.PushResult) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "push %s\n", res.PushID)
	for _, title := range res.Skipped {
		fmt.Fprintf(out, "  skipped %s\n", title)
	}
	for _, u := range res.Units {
		status := "ok"
		if !u.Success() {
			status = "FAILED: " + u.Err.Error()
		}
		fmt.Fprintf(out, "  %-28s %s\n", u.TagID, status)
	}
	if failed := res.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d work units failed", len(failed), len(res.Units))
	}
	return nil
}

func printStates(cmd *cobra.Command, entries []pushstate.Entry) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tSTAGE\tTAGGED\tUPDATED\tUPDATES")
	for _, e := range entries {
		if e.State == nil {
			fmt.Fprintf(tw, "%s\t(unreadable)\t\t\t\n", e.TagID)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", e.TagID, e.State.Stage, e.State.Tagged,
			e.State.UpdatedAt.Format("2006-01-02 15:04"), strings.Join(e.State.Updates, " "))
	}
	_ = tw.Flush()
}

// publishTrigger sends msg on the trigger subject, signed with the seed in
// MASHER_SIGNER_SEED when present.
func publishTrigger(cmd *cobra.Command, msg trigger.Message) error {
	env, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	subject := cfg.TriggerSubject()
	body := trigger.Body{Msg: msg}

	var envelope *trigger.Envelope
	if seed := strings.TrimSpace(os.Getenv(envSignerSeed)); seed != "" {
		kp, err := nkeys.FromSeed([]byte(seed))
		if err != nil {
			return fmt.Errorf("signer seed: %w", err)
		}
		envelope, err = trigger.Sign(kp, subject, body)
		if err != nil {
			return err
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		envelope = &trigger.Envelope{Topic: subject, Body: raw}
	}

	nb, err := bus.NewNatsBus(env.NatsURL)
	if err != nil {
		return err
	}
	defer nb.Close()
	if err := nb.PublishJSON(subject, envelope); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published trigger on %s\n", subject)
	return nil
}
