package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/service"
)

var validateCmd = &cobra.Command{
	Use:   "validate <policy-file>",
	Short: "Validate a policy file",
	Long: `Load, validate, and compile a policy document. Reports the first
problem found: unknown actions or operators, malformed condition
values, invalid CEL expressions, or a broken webhook configuration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := config.LoadPolicyFile(args[0])
		if err != nil {
			return err
		}
		evaluator, err := service.NewEvaluator(slog.Default())
		if err != nil {
			return err
		}
		if _, err := evaluator.Compile(pol); err != nil {
			return err
		}
		fmt.Printf("%s is valid: policy %q, %d rules, default action %s\n",
			args[0], pol.Name, len(pol.Rules), pol.DefaultAction)
		if pol.Webhook != nil {
			fmt.Printf("  webhook: %s (timeout %dms, %d attempts)\n",
				pol.Webhook.URL, pol.Webhook.TimeoutMs, pol.Webhook.Retries)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
