package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Read or change the persisted routing policy",
		Long: "Read or change the persisted routing policy. A running coachd reads the\n" +
			"policy at startup; use the HTTP API to change it without a restart.",
	}
	cmd.AddCommand(newPolicyGetCmd(opts), newPolicySetCmd(opts))
	return cmd
}

func newPolicyGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the routing policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := store.LoadRoutingPolicy(cmd.Context())
			if err != nil {
				return err
			}
			if p == nil {
				def := domain.DefaultRoutingPolicy()
				p = &def
			}
			return printPolicy(cmd, opts, *p)
		},
	}
}

func newPolicySetCmd(opts *rootOptions) *cobra.Command {
	var (
		level    string
		fallback bool
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the optimization level or local fallback",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			current, err := store.LoadRoutingPolicy(cmd.Context())
			if err != nil {
				return err
			}
			p := domain.DefaultRoutingPolicy()
			if current != nil {
				p = *current
			}
			if cmd.Flags().Changed("level") {
				p.OptimizationLevel = domain.OptimizationLevel(level)
			}
			if cmd.Flags().Changed("fallback-to-local") {
				p.FallbackToLocal = fallback
			}
			if err := p.Validate(); err != nil {
				return err
			}
			if err := store.SaveRoutingPolicy(cmd.Context(), p); err != nil {
				return err
			}
			return printPolicy(cmd, opts, p)
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "optimization level: aggressive, balanced or quality_first")
	cmd.Flags().BoolVar(&fallback, "fallback-to-local", true, "fall back to on-device inference when a provider fails")
	return cmd
}

func printPolicy(cmd *cobra.Command, opts *rootOptions, p domain.RoutingPolicy) error {
	out := cmd.OutOrStdout()
	if opts.jsonOut {
		return writeJSON(out, p)
	}
	fmt.Fprintf(out, "optimization_level: %s\nfallback_to_local: %t\n", p.OptimizationLevel, p.FallbackToLocal)
	return nil
}
