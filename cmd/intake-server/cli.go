package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindwell/intake/internal/config"
	"github.com/mindwell/intake/internal/domain/assessment"
	"github.com/mindwell/intake/internal/platform/auth"
	"github.com/mindwell/intake/internal/platform/db"
)

func instrumentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instruments",
		Short: "List the instrument catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := assessment.DefaultRegistry()
			if err != nil {
				return err
			}
			printInstruments(cmd.OutOrStdout(), registry.List())
			return nil
		},
	}
}

func printInstruments(w io.Writer, list []*assessment.Instrument) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tITEMS\tMAX\tFLAGS\tTITLE")
	for _, in := range list {
		flags := strings.Join(in.FlagNames(), ",")
		if flags == "" {
			flags = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", in.ID, in.ItemCount(), in.MaxScore(), flags, in.Title)
	}
	tw.Flush()
}

func scoreCmd() *cobra.Command {
	var (
		responses string
		flagNames []string
	)
	cmd := &cobra.Command{
		Use:   "score <type>",
		Short: "Score a response vector offline and print the triage payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := assessment.DefaultRegistry()
			if err != nil {
				return err
			}
			in, err := registry.Lookup(args[0])
			if err != nil {
				return err
			}
			values, err := parseResponses(responses)
			if err != nil {
				return err
			}
			flags, err := parseFlags(flagNames)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(assessment.Evaluate(values, flags, in))
		},
	}
	cmd.Flags().StringVar(&responses, "responses", "", "Comma-separated answers, e.g. 0,1,2,3")
	cmd.Flags().StringSliceVar(&flagNames, "flag", nil, "Auxiliary flag, as name or name=false (repeatable)")
	return cmd
}

// parseResponses reads "0,1,2". Values are not range-checked; the scorer
// clamps them.
func parseResponses(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("response %d: %q is not an integer", i+1, p)
		}
		out[i] = v
	}
	return out, nil
}

func parseFlags(names []string) (assessment.Flags, error) {
	flags := assessment.Flags{}
	for _, n := range names {
		name, raw, hasValue := strings.Cut(n, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("empty flag name in %q", n)
		}
		value := true
		if hasValue {
			b, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("flag %s: %w", name, err)
			}
			value = b
		}
		flags[name] = value
	}
	return flags, nil
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with ADMIN_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AdminJWTSecret == "" {
				return fmt.Errorf("ADMIN_JWT_SECRET is not set")
			}
			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				SigningKey: []byte(cfg.AdminJWTSecret),
			}, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Team member id")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"clinician"}, "Role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func rekeyCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt contact fields sealed with a retired PHI key",
		Long: "Rewrites every contact field encrypted with a key listed in PHI_PREVIOUS_KEYS\n" +
			"under PHI_ENCRYPTION_KEY, in a single transaction.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.PHIEncryptionKey == "" {
				return fmt.Errorf("PHI_ENCRYPTION_KEY is required")
			}
			fc, err := newFieldCipher(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			registry, err := assessment.DefaultRegistry()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			svc := assessment.NewService(registry, assessment.NewSubmissionRepoPG(pool),
				assessment.NewMemorySessionStore(time.Minute), logger)
			svc.SetCipher(fc)

			var n int
			err = db.WithTx(ctx, pool, func(ctx context.Context) error {
				n, err = svc.RotateContactKeys(ctx, batch)
				return err
			})
			if err != nil {
				return fmt.Errorf("rekey failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-encrypted %d submission(s) under key v%d.\n", n, cfg.PHIKeyVersion)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 200, "Rows read per page")
	return cmd
}
