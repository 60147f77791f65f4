package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cordum/masher/core/infra/buildinfo"
	"github.com/cordum/masher/core/infra/logging"
	"github.com/cordum/masher/core/masher/pushstate"
	"github.com/cordum/masher/core/statusapi"
	"github.com/cordum/masher/core/trigger"
)

const triggerQueue = "masherd"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume push triggers and serve status until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	buildinfo.Log("masherd")
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(true)
	if err != nil {
		return err
	}
	defer rt.Close()

	consumer := &trigger.Consumer{
		Verifier: &trigger.Verifier{Signer: rt.cfg.ValidSigner},
		Pusher:   rt.coordinator(),
		Metrics:  rt.metrics,
	}
	subject := rt.cfg.TriggerSubject()
	if err := rt.bus.Subscribe(subject, triggerQueue, func(data []byte) error {
		return consumer.Handle(ctx, data)
	}); err != nil {
		return err
	}
	if !consumer.Verifier.Enabled() {
		logging.Warn("masherd", "trigger signature validation disabled")
	}
	logging.Info("masherd", "listening for triggers", "subject", subject)

	status := &statusapi.Server{States: pushstate.NewStore(rt.cfg.StateDir), Hub: rt.hub, Bus: rt.bus}
	err = status.Run(ctx, rt.env.StatusAddr)
	logging.Info("masherd", "shutting down")
	return err
}
