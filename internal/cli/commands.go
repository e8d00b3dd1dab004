package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/aptforge/internal/app"
	"github.com/lvonguyen/aptforge/internal/attribution"
	"github.com/lvonguyen/aptforge/internal/corpus"
	"github.com/lvonguyen/aptforge/internal/matcher"
	"github.com/lvonguyen/aptforge/internal/report"
)

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [log-file]",
		Short: "Run the full pipeline over a log file",
		Example: `  # Analyze a JSON array of log objects
  aptctl analyze logs.json

  # Analyze line-delimited logs from stdin
  tail -n 200 /var/log/zeek/conn.log | aptctl analyze -`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error { return validateOutput() },
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd, args)
			if err != nil {
				return err
			}

			a, cleanup, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			rec, err := a.Pipeline.Run(cmd.Context(), input)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
}

func newMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match [candidates-file]",
		Short: "Match candidate TTPs (JSON array) against the technique corpus",
		Example: `  aptctl match candidates.json
  echo '[{"kill_chain_phases":["Credential Access"],"description":"password spraying"}]' | aptctl match`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error { return validateOutput() },
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			var candidates []matcher.Candidate
			if err := json.Unmarshal(input, &candidates); err != nil {
				return fmt.Errorf("candidates must be a JSON array: %w", err)
			}

			a, cleanup, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := a.Matcher.MatchReport(cmd.Context(), candidates)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			printMatches(cmd.OutOrStdout(), out.Matches)
			for _, s := range out.Skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped candidate %d: %s\n", s.Index, s.Reason)
			}
			return nil
		},
	}
}

func newAttributeCmd() *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "attribute [ttps-file]",
		Short: "Rank threat actors for matched TTPs (JSON array of {id, similarity})",
		Long: `Attribute scores every threat actor in the APT corpus against a set of
matched techniques. It does not need the embedding provider or the language
model.`,
		Example: `  echo '[{"id":"T1078","similarity":0.8}]' | aptctl attribute`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error { return validateOutput() },
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			var matched []matcher.MatchedTTP
			if err := json.Unmarshal(input, &matched); err != nil {
				return fmt.Errorf("ttps must be a JSON array: %w", err)
			}
			if err := matcher.ValidateMatches(matched); err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold") {
				cfg.Matching.APTThreshold = threshold
			}

			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())

			profiles, warnings, err := corpus.LoadAPTs(cfg.Corpus.APTPath)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}

			engine := attribution.NewEngine(profiles, cfg.Matching.APTThreshold, tel.Logger(), tel.Metrics())
			results := engine.Attribute(cmd.Context(), matched)
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), results)
			}
			printAttributions(cmd.OutOrStdout(), results)
			return nil
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", attribution.DefaultThreshold, "minimum match score")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		phase string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search the technique corpus by id or description",
		Example: `  aptctl search "credential dumping"
  aptctl search T1059
  aptctl search --phase exfiltration`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error { return validateOutput() },
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")

			a, cleanup, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			hits, err := a.Index.Search(text, phase, limit)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), hits)
			}
			w := cmd.OutOrStdout()
			for _, h := range hits {
				fmt.Fprintf(w, "%-10s %-40s %s\n", h.Entry.ID, h.Entry.KillChainPhases, h.Entry.URL())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "restrict to one kill chain phase")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

// startApp loads the config and wires every component.
func startApp(cmd *cobra.Command) (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(cmd.Context(), cfg, tel)
	if err != nil {
		tel.Shutdown(cmd.Context())
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		tel.Shutdown(cmd.Context())
	}, nil
}

func printRecord(w io.Writer, rec *report.Record) {
	fmt.Fprintf(w, "Report %s (%.1fs)\n\n", rec.ID, rec.ElapsedSeconds)
	fmt.Fprintf(w, "%s\n\n", rec.Description)

	fmt.Fprintf(w, "Candidate TTPs (%d)\n", len(rec.NetworkAnalysis))
	for _, c := range rec.NetworkAnalysis {
		fmt.Fprintf(w, "  [%s] %s\n", c.KillChainPhases, c.Description)
	}
	fmt.Fprintln(w)

	printMatches(w, rec.TTPs)
	fmt.Fprintln(w)
	printAttributions(w, rec.APTs)
}

func printMatches(w io.Writer, matches []matcher.MatchedTTP) {
	fmt.Fprintf(w, "Matched techniques (%d)\n", len(matches))
	for _, m := range matches {
		fmt.Fprintf(w, "  %-10s %.2f\n", m.ID, m.Similarity.Rounded())
	}
}

func printAttributions(w io.Writer, results []attribution.Result) {
	fmt.Fprintf(w, "Threat actors (%d)\n", len(results))
	for _, r := range results {
		fmt.Fprintf(w, "  %-6s %-24s %6.2f  matched: %s\n",
			r.MitreID, r.Name, r.MatchScore, strings.Join(r.MatchingTTPIDs, ", "))
	}
}
