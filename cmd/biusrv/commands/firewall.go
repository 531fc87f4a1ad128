package commands

import (
	"errors"

	"github.com/andrej220/biusrv/internal/executor"
	"github.com/andrej220/biusrv/internal/firewall"
	"github.com/andrej220/biusrv/internal/ops"
	"github.com/spf13/cobra"
)

// Firewall groups the ufw subcommands.
func Firewall(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "firewall",
		Short: "Manage ufw firewall rules",
		Long: `Manage ufw on every selected server. Ports use the ufw syntax: "22",
"443/tcp" or a range with a protocol such as "6000:6007/udp".`,
	}
	cmd.AddCommand(firewallApply(o))
	cmd.AddCommand(firewallRemove(o))
	cmd.AddCommand(firewallStatus(o))
	cmd.AddCommand(firewallEnable(o))
	return cmd
}

// runFirewall executes op and prints the resulting rules of every server that
// succeeded.
func runFirewall(cmd *cobra.Command, r *run, op *ops.Firewall) error {
	report := r.execute(cmd.Context(), op)
	for _, res := range report.Sorted() {
		if res.Outcome == executor.Success {
			r.printer.Firewall(res.Server, op.Status(res.Server))
		}
	}
	return r.finish(report)
}

func firewallApply(o *options) *cobra.Command {
	var (
		policy   string
		allow    []string
		deny     []string
		noEnable bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a firewall policy",
		Long: `Apply a firewall policy. Without flags the [firewall] section of the
inventory is used.

A whitelist denies incoming traffic by default and allows --allow-port. A
blacklist allows by default and denies --deny-port. Without --policy the
listed ports are allowed or denied and the default is left alone.

Examples:
  biusrv firewall apply --all-servers
  biusrv firewall apply -s web1 --policy whitelist --allow-port 22/tcp,443/tcp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := o.newRun(cmd.OutOrStdout())
			if err != nil {
				return err
			}

			var p firewall.Policy
			switch {
			case policy != "" || len(allow) > 0 || len(deny) > 0:
				p = firewall.Policy{Policy: policy, AllowPorts: allow, DenyPorts: deny}
			case r.inv.Firewall != nil:
				p = *r.inv.Firewall
			default:
				return r.abort(errors.New("no firewall policy: pass --policy or --allow-port/--deny-port, or add [firewall] to the inventory"))
			}
			plan, err := p.Plan()
			if err == nil && plan.Empty() {
				err = errors.New("firewall policy has no rules")
			}
			if err != nil {
				return r.abort(err)
			}
			return runFirewall(cmd, r, &ops.Firewall{Plan: plan, Enable: !noEnable})
		},
	}

	cmd.Flags().StringVar(&policy, "policy", "", "whitelist or blacklist")
	cmd.Flags().StringSliceVar(&allow, "allow-port", nil, "Ports to allow (comma separated)")
	cmd.Flags().StringSliceVar(&deny, "deny-port", nil, "Ports to deny (comma separated)")
	cmd.Flags().BoolVar(&noEnable, "no-enable", false, "Do not install or enable ufw first")

	return cmd
}

func firewallRemove(o *options) *cobra.Command {
	var allow, deny []string

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete allow or deny rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(allow) == 0 && len(deny) == 0 {
				return errors.New("nothing to remove: pass --allow-port or --deny-port")
			}
			allowRules, err := firewall.Rules(firewall.Allow, allow)
			if err != nil {
				return err
			}
			denyRules, err := firewall.Rules(firewall.Deny, deny)
			if err != nil {
				return err
			}

			r, err := o.newRun(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			plan := firewall.Plan{Remove: append(allowRules, denyRules...)}
			return runFirewall(cmd, r, &ops.Firewall{Plan: plan})
		},
	}

	cmd.Flags().StringSliceVar(&allow, "allow-port", nil, "Allowed ports whose rules are deleted")
	cmd.Flags().StringSliceVar(&deny, "deny-port", nil, "Denied ports whose rules are deleted")

	return cmd
}

func firewallStatus(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active firewall rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := o.newRun(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return runFirewall(cmd, r, &ops.Firewall{})
		},
	}
}

func firewallEnable(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Install ufw if needed and enable it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := o.newRun(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return runFirewall(cmd, r, &ops.Firewall{Enable: true})
		},
	}
}
