package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ciris/internal/audit"
	"ciris/internal/clock"
	"ciris/internal/config"
	"ciris/internal/persistence"
	"ciris/internal/types"
)

// statusCmd shows agent status from the data directory
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status: queues, audit chain, configuration",
	Long: `Reads the data directory directly and reports task and thought queue
depths, audit chain length and signing key, and the effective
configuration. Works without a running agent.`,
	RunE: showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Printf("%s v%s (%s)\n", cfg.Agent.Name, cfg.Agent.Version, cfg.Agent.Domain)
	fmt.Println("==============================")
	fmt.Printf("Config:   %s\n", configPath)
	fmt.Printf("Data dir: %s\n", cfg.Storage.DataDir)
	fmt.Printf("LLM:      %s", cfg.LLM.Provider)
	if cfg.LLM.Model != "" {
		fmt.Printf(" (%s)", cfg.LLM.Model)
	}
	fmt.Println()
	fmt.Println()

	store, err := persistence.NewStore(cfg.MainDBPath(), clock.System())
	if err != nil {
		return fmt.Errorf("failed to open main store: %w", err)
	}
	defer store.Close()

	fmt.Println("Tasks:")
	for _, status := range []types.TaskStatus{
		types.TaskPending, types.TaskActive, types.TaskDeferred,
		types.TaskCompleted, types.TaskFailed,
	} {
		n, err := store.CountTasksByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to count tasks: %w", err)
		}
		fmt.Printf("  %-10s %d\n", status, n)
	}

	fmt.Println("Thoughts:")
	for _, status := range []types.ThoughtStatus{
		types.ThoughtPending, types.ThoughtProcessing,
	} {
		n, err := store.CountThoughtsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to count thoughts: %w", err)
		}
		fmt.Printf("  %-10s %d\n", status, n)
	}
	fmt.Println()

	chain, err := audit.NewService(cfg.JournalPath(), cfg.AuditDBPath(), cfg.Audit.SigningAlgorithm, clock.System())
	if err != nil {
		return fmt.Errorf("failed to open audit chain: %w", err)
	}
	defer chain.Close()

	fmt.Printf("Audit:    %d entries, signing key %s\n", chain.LastSequence(), chain.ActiveKeyID())
	res, err := chain.VerifyTail(ctx, 64)
	if err != nil {
		return fmt.Errorf("failed to verify audit tail: %w", err)
	}
	if res.Valid {
		fmt.Printf("✓ chain tail verified (%d entries checked)\n", res.Checked)
	} else {
		fmt.Printf("✗ chain tail INVALID at sequence %d: %s\n", res.FirstInvalid, res.Detail)
	}
	return nil
}
