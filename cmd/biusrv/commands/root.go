// Package commands defines the biusrv command tree and its flag bindings.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultConfig = "config.yaml"

// Root returns the root command. Flags declared here apply to every subcommand.
func Root() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:           "biusrv",
		Short:         "Run commands, scripts, transfers and shells across a fleet of SSH servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath := os.Getenv("BIUSRV_CONFIG")
	if configPath == "" {
		configPath = defaultConfig
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", configPath, "Inventory file (.yaml, .yml or .toml)")
	f.StringVar(&o.mongoURI, "mongo-uri", "", "Load the inventory from MongoDB instead of a file")
	f.StringVar(&o.mongoDB, "mongo-db", "biusrv", "MongoDB database holding the inventory")
	f.StringVar(&o.mongoColl, "mongo-collection", "inventory", "MongoDB collection holding the inventory")
	f.StringVar(&o.mongoID, "mongo-id", "default", "Document id of the inventory")
	f.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	f.StringVar(&o.logFormat, "log-format", "console", "Log encoding: console or json")
	f.StringSliceVarP(&o.servers, "server", "s", nil, "Server names to target (repeatable or comma separated)")
	f.BoolVar(&o.allServers, "all-servers", false, "Target every server in the inventory")
	f.IntVarP(&o.threads, "threads", "t", 0, "Servers handled in parallel (default from inventory)")
	f.IntVar(&o.maxRetry, "max-retry", 0, "Retries per server after a connection failure (default from inventory)")
	f.BoolVar(&o.hideProgress, "hide-progress", false, "Do not print transfer progress")
	f.StringVar(&o.reportPath, "report", "", "Write the run report as JSON to this file")
	f.StringVar(&o.knownHosts, "known-hosts", "", "known_hosts file for host key checking")
	f.StringSliceVar(&o.kafkaBrokers, "kafka-brokers", nil, "Publish events to these Kafka brokers")
	f.StringVar(&o.kafkaTopic, "kafka-topic", "", "Kafka topic for events")

	cmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		o.maxRetrySet = cmd.Flags().Changed("max-retry")
	}

	cmd.AddCommand(Exec(o))
	cmd.AddCommand(Shell(o))
	cmd.AddCommand(Script(o))
	cmd.AddCommand(Transfer(o))
	cmd.AddCommand(Firewall(o))
	cmd.AddCommand(Servers(o))
	cmd.AddCommand(Serve(o))
	cmd.AddCommand(Events(o))
	cmd.AddCommand(Version())

	return cmd
}
