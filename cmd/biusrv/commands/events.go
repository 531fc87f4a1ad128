package commands

import (
	"errors"

	"github.com/andrej220/biusrv/internal/events"
	"github.com/andrej220/biusrv/internal/render"
	"github.com/andrej220/biusrv/pkg/consumer"
	"github.com/andrej220/biusrv/pkg/lg"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
)

// Events groups the event stream subcommands.
func Events(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read run events published to Kafka",
	}
	cmd.AddCommand(eventsTail(o))
	return cmd
}

func eventsTail(o *options) *cobra.Command {
	var (
		group     string
		fromStart bool
		runID     string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print events as they arrive",
		Long: `Print output and progress events published by other biusrv runs.

Brokers and topic come from --kafka-brokers and --kafka-topic, or from the
[events.kafka] section of the inventory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := o.logger()
			defer logger.Sync()

			kc := o.kafka(nil)
			if kc == nil {
				if inv, err := o.inventory(); err == nil {
					kc = o.kafka(inv)
				}
			}
			if kc == nil {
				return errors.New("no Kafka topic: pass --kafka-brokers and --kafka-topic or configure [events.kafka]")
			}
			cfg := consumer.Config{Brokers: kc.Brokers, Topic: kc.Topic, GroupID: group, FromStart: fromStart}
			if err := validator.New().Struct(cfg); err != nil {
				return err
			}

			c := consumer.NewConsumer[events.Envelope](cfg)
			defer c.Close()
			printer := render.New(cmd.OutOrStdout())
			return c.Tail(cmd.Context(), func(env events.Envelope) error {
				if runID == "" || env.RunID == runID {
					printer.Envelope(env)
				}
				return nil
			}, func(err error) {
				logger.Warn("Skipping undecodable event", lg.Err(err))
			})
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "Consumer group; offsets are committed when set")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "Read the topic from the beginning instead of new events only")
	cmd.Flags().StringVar(&runID, "run", "", "Only print events of this run id")

	return cmd
}
