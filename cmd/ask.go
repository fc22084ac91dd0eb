package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fixwise/fixwise/internal/app"
)

var flagUser string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a troubleshooting question",
	Long: `Ask routes a question through intent classification, knowledge
retrieval and the answer composer. With no argument it starts an
interactive session where multi-step flows (like equipment intake)
can run across turns.`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&flagUser, "user", "u", "local", "user id for conversation state")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("starting application: %w", err)
	}
	defer a.Close()

	if len(args) > 0 {
		return askOnce(cmd, a, strings.Join(args, " "))
	}
	return askInteractive(cmd, a)
}

func askOnce(cmd *cobra.Command, a *app.App, question string) error {
	reply, err := a.Orchestrator.HandleTurn(cmd.Context(), "", flagUser, question)
	if err != nil {
		return fmt.Errorf("handling question: %w", err)
	}
	fmt.Println(reply.Text)
	if reply.Decision != nil && flagVerbose {
		fmt.Fprintf(os.Stderr, "route=%s coverage=%s confidence=%.2f\n",
			reply.Decision.Route, reply.Decision.Coverage, reply.Decision.Confidence)
	}
	return nil
}

func askInteractive(cmd *cobra.Command, a *app.App) error {
	fmt.Println("fixwise interactive session. Type 'exit' to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	var convID string
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			break
		}
		reply, err := a.Orchestrator.HandleTurn(cmd.Context(), convID, flagUser, line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		convID = reply.ConversationID
		fmt.Println(reply.Text)
	}
	return scanner.Err()
}
