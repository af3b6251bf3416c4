package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/ledger"
)

// errChainInvalid makes verify exit non-zero without repeating its report.
var errChainInvalid = errors.New("audit chain verification failed")

func newLedgerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the audit ledger",
	}
	cmd.AddCommand(newLedgerVerifyCmd(opts), newLedgerEventsCmd(opts))
	return cmd
}

// chainFlags selects a chain by user, trace or raw key.
type chainFlags struct {
	user  string
	trace string
	chain string
}

func (f *chainFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "user id")
	cmd.Flags().StringVar(&f.trace, "trace", "", "trace id, for events without a user")
	cmd.Flags().StringVar(&f.chain, "chain", "", "raw chain key")
}

// key returns the selected chain key, or "" when no flag was given.
func (f *chainFlags) key() string {
	switch {
	case f.chain != "":
		return f.chain
	case f.user == "" && f.trace == "":
		return ""
	default:
		return domain.ChainKeyFor(f.user, f.trace)
	}
}

func newLedgerVerifyCmd(opts *rootOptions) *cobra.Command {
	var (
		sel chainFlags
		all bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report the first broken link",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			l := ledger.New(store)
			ctx := cmd.Context()

			var keys []string
			switch {
			case all:
				if keys, err = l.Chains(ctx); err != nil {
					return err
				}
			case sel.key() != "":
				keys = []string{sel.key()}
			default:
				return errors.New("one of --user, --trace, --chain or --all is required")
			}

			results := make([]*domain.ChainVerification, 0, len(keys))
			valid := true
			for _, k := range keys {
				res, err := l.Verify(ctx, k)
				if err != nil {
					return err
				}
				valid = valid && res.Valid
				results = append(results, res)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Valid {
						fmt.Fprintf(out, "%s: ok (%d events, head %s)\n", r.ChainKey, r.Length, shortHash(r.HeadHash))
						continue
					}
					pos := int64(-1)
					if r.BrokenAt != nil {
						pos = *r.BrokenAt
					}
					fmt.Fprintf(out, "%s: BROKEN at position %d: %s (%s)\n", r.ChainKey, pos, r.Description, r.Reason)
				}
			}
			if !valid {
				cmd.SilenceErrors = true
				return errChainInvalid
			}
			return nil
		},
	}
	sel.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "verify every chain")
	return cmd
}

func newLedgerEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		sel   chainFlags
		from  int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the events of one chain in position order",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := sel.key()
			if key == "" {
				return errors.New("one of --user, --trace or --chain is required")
			}
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := ledger.New(store).Events(cmd.Context(), key, ports.ListOptions{FromPosition: from, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				if events == nil {
					events = []*domain.AuditEvent{}
				}
				return writeJSON(out, events)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "POS\tCREATED\tTYPE\tMETHOD\tSTATUS\tTRACE\tHASH")
			for _, e := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.ChainPosition,
					e.CreatedAt.UTC().Format(time.RFC3339),
					e.EventType,
					e.ProcessingMethod,
					e.Status,
					e.TraceID,
					shortHash(e.EventHash))
			}
			return tw.Flush()
		},
	}
	sel.register(cmd)
	cmd.Flags().Int64Var(&from, "from", 0, "first chain position")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events, 0 for all")
	return cmd
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
