package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/service"
)

var (
	testAgentID   string
	testSessionID string
)

var testCmd = &cobra.Command{
	Use:   "test <policy-file> <tool-name> [key=value...]",
	Short: "Dry-run a tool call against a policy",
	Long: `Evaluate a hypothetical tool call against a policy file and print
the decision. No tool is invoked and no webhook is sent.

Parameter values are parsed as JSON when possible, otherwise taken as
strings: amount=500 is a number, path=/etc/passwd is a string, and
tags='["a","b"]' is an array.

Examples:
  agentguard test policy.yaml read_file path=/etc/passwd
  agentguard test policy.yaml send_payment amount=500 --agent-id billing-bot`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := config.LoadPolicyFile(args[0])
		if err != nil {
			return err
		}

		params, err := parseParams(args[2:])
		if err != nil {
			return err
		}

		evaluator, err := service.NewEvaluator(slog.Default())
		if err != nil {
			return err
		}
		compiled, err := evaluator.Compile(pol)
		if err != nil {
			return err
		}

		call := &guard.ToolCall{
			ToolName:   args[1],
			Parameters: params,
			AgentID:    testAgentID,
			SessionID:  testSessionID,
			Timestamp:  time.Now().UTC(),
		}
		decision := evaluator.Evaluate(compiled, call)

		fmt.Printf("Action: %s\n", decision.Action)
		fmt.Printf("Reason: %s\n", decision.Reason)
		if decision.MatchedRule != nil {
			fmt.Printf("Rule:   %s (priority %d)\n", decision.MatchedRule.Name, decision.MatchedRule.Priority)
		}
		return nil
	},
}

// parseParams turns key=value arguments into a parameter map. Values
// that parse as JSON keep their JSON type; everything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("parameter %q must be key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			params[key] = parsed
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func init() {
	testCmd.Flags().StringVar(&testAgentID, "agent-id", "", "agent id visible to policy conditions")
	testCmd.Flags().StringVar(&testSessionID, "session-id", "", "session id visible to policy conditions")
	rootCmd.AddCommand(testCmd)
}
