package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talvik/pairline/internal/config"
	"github.com/talvik/pairline/internal/credstore"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage the stored WhatsApp session",
	}

	cmd.AddCommand(newSessionStatusCmd())
	cmd.AddCommand(newSessionClearCmd())
	return cmd
}

func newSessionStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session and its validity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pairline.yaml", "path to Pairline config file")
	return cmd
}

func newSessionClearCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored session credential",
		Long:  "Removes the persisted credential so the next start requires fresh pairing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionClear(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pairline.yaml", "path to Pairline config file")
	return cmd
}

func runSessionStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ctx := context.Background()

	info, err := store.Info(ctx, cfg.SessionID)
	if errors.Is(err, credstore.ErrNotFound) {
		fmt.Fprintf(out, "Session %s: not paired\n", cfg.SessionID)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Session %s\n", cfg.SessionID)
	fmt.Fprintf(out, "  Phone:     %s\n", info.Phone)
	fmt.Fprintf(out, "  Platform:  %s\n", info.Platform)
	fmt.Fprintf(out, "  Logged in: %t\n", info.LoggedIn)
	fmt.Fprintf(out, "  Valid:     %t\n", store.IsValid(ctx, cfg.SessionID))
	return nil
}

func runSessionClear(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	if err := store.Clear(context.Background(), cfg.SessionID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s cleared\n", cfg.SessionID)
	return nil
}
