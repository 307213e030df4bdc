// codeagent is a command-line coding agent that works inside one directory.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "codeagent [prompt]",
	Short: "codeagent is a tool-calling coding agent confined to a working directory.",
	Long: `codeagent sends a prompt to a language model and lets it list, read,
write and run Python files inside a single working directory until it
answers in plain text or runs out of passes.

Running codeagent with a prompt and no subcommand is the same as "codeagent run".`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runAgent, // Default to a single run.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addGlobalFlags(rootCmd)
	addRunFlags(rootCmd)
	rootCmd.AddCommand(runCmd, toolsCmd, mcpCmd, auditCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errPromptRequired) {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		}
		os.Exit(1)
	}
}
