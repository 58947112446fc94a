package config

import (
	"fmt"
	"os"
)

// samplePolicy is the starter document written by `agentguard init`.
const samplePolicy = `version: "1.0"
name: starter-policy
description: Block destructive tools, hold payments for approval, allow the rest.
defaultAction: allow

rules:
  - name: block-destructive-tools
    description: Never let the agent delete or drop anything.
    priority: 100
    action: block
    conditions:
      - field: toolCall.toolName
        operator: regex
        value: "^(delete|drop|remove)_"

  - name: hold-large-payments
    description: Payments above $100 need a human decision.
    priority: 50
    action: require_approval
    conditions:
      - field: toolCall.toolName
        operator: equals
        value: send_payment
      - field: toolCall.parameters.amount
        operator: gt
        value: 100

# Uncomment to notify an approval endpoint. The signing secret must be
# at least 32 bytes.
# webhook:
#   url: https://approvals.example.com/hooks/agentguard
#   timeoutMs: 10000
#   retries: 3
#   security:
#     signingSecret: "change-me-to-a-32-byte-minimum-secret"
#     encryptionKey: ""            # 64 hex chars enables field encryption
#     encryptSensitiveData: false
#     sensitiveFields:
#       - request.toolCall.parameters.cardNumber
`

// GenerateSamplePolicy returns the starter policy document.
func GenerateSamplePolicy() string {
	return samplePolicy
}

// WriteSamplePolicy writes the starter policy to path, refusing to
// overwrite an existing file.
func WriteSamplePolicy(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(samplePolicy), 0o644); err != nil {
		return fmt.Errorf("writing sample policy: %w", err)
	}
	return nil
}
