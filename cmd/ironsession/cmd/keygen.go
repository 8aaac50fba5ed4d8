package cmd

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/internal/util"
)

var keygenBytes int

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random wrapping secret",
	Long: `Prints a random secret suitable for session.wrapping_secret. Every
process serving the same partition must use the same secret to share
sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenBytes < 16 {
			return fmt.Errorf("--bytes must be at least 16, got %d", keygenBytes)
		}
		secret, err := util.RandomToken(rand.Reader, keygenBytes)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().IntVar(&keygenBytes, "bytes", 32, "Secret length in bytes")
}
