// meterctl operates the LLM usage metering core: schema migration, API keys
// and balances, model rates, usage reports and reconciliation of generations
// that could not be billed.
//
// Usage:
//
//	# Apply the schema
//	meterctl migrate
//
//	# Issue a key with an opening balance
//	meterctl keys create --name ci --balance 100
//
//	# Publish a rate effective from a date
//	meterctl rates add gpt-4o --input 0.00015 --output 0.00025 --from 2024-06-01
//
//	# Report usage of a key
//	meterctl usage summary <key-id> --from 2024-06-01 --to 2024-06-30
//
//	# Replay parked generations
//	meterctl reconcile replay --all
//
// Configuration is read from the environment (and .env when present).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
