package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/engine"
)

var (
	headersEnv        string
	headersConnectSrc []string
)

var headersCmd = &cobra.Command{
	Use:   "headers",
	Short: "Print the security headers served for an environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		env := engine.Environment(headersEnv)
		if env != engine.Development && env != engine.Production {
			return fmt.Errorf("unknown environment %q", headersEnv)
		}
		h := engine.SecurityHeaders(engine.HeaderPolicy{Environment: env, ConnectSrc: headersConnectSrc})
		keys := make([]string, 0, len(h))
		for k := range h {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := cmd.OutOrStdout()
		for _, k := range keys {
			fmt.Fprintf(out, "%s: %s\n", k, h.Get(k))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(headersCmd)
	headersCmd.Flags().StringVar(&headersEnv, "env", string(engine.Production), "Environment: development or production")
	headersCmd.Flags().StringSliceVar(&headersConnectSrc, "connect-src", nil, "Extra connect-src origins")
}
