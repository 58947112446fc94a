package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentguard/agentguard/internal/config"
)

var initOutput string

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter policy file",
	Long: `Write a commented starter policy to the given path (positional
argument or --output; default agentguard-policy.yaml). Refuses to
overwrite an existing file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := initOutput
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteSamplePolicy(path); err != nil {
			return err
		}
		fmt.Printf("Wrote starter policy to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "agentguard-policy.yaml", "where to write the starter policy")
	rootCmd.AddCommand(initCmd)
}
