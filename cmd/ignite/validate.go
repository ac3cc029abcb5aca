package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"arc-framework/ignite/internal/scheduler"
)

var validateCmd = &cobra.Command{
	Use:   "validate [descriptor]",
	Short: "Check a deployment descriptor and print its start order",
	Long: `Validate parses the deployment descriptor (the argument, --file, or
scheduler.deployment_file) and rejects unknown fields, unknown or duplicate
nodes, bad edge modes and dependency cycles. On success it prints the start
order one tier per line; nodes on the same line may start together.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&deploymentFile, "file", "f", "", "deployment descriptor (overrides scheduler.deployment_file)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := descriptorPath()
	if len(args) == 1 {
		path = args[0]
	}

	d, err := scheduler.LoadDescriptor(path)
	if err != nil {
		return err
	}
	tiers, err := scheduler.StartOrder(d.Nodes)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, tier := range tiers {
		fmt.Fprintf(out, "%d: %s\n", i+1, strings.Join(tier, " "))
	}
	return nil
}
