package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-expand/internal/expand"
	"github.com/kozaktomas/face-expand/internal/progress"
)

var expandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Run one expansion job for a person",
	Long: `Sample prototype faces of a person, search for similar unassigned faces
and store the best matches as pending suggestions. The job runs in this
process and its progress is shown as a progress bar.`,
	Example: `  face-expand expand --person 42
  face-expand expand --person "Jan Novák" --count all --cap 200
  face-expand expand --person jan-novak --threshold 0.7 --json`,
	RunE: runExpand,
}

func init() {
	rootCmd.AddCommand(expandCmd)

	expandCmd.Flags().String("person", "", "Person id or name (required)")
	expandCmd.Flags().String("count", "", `Number of prototypes to sample, or "all" (default 50)`)
	expandCmd.Flags().Int("cap", 0, "Maximum suggestions to create (default 100)")
	expandCmd.Flags().Float64("threshold", 0, "Minimum similarity for a candidate (default from config)")
	expandCmd.Flags().Bool("json", false, "Output the final progress record as JSON")
	_ = expandCmd.MarkFlagRequired("person")
}

func runExpand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	jobCfg := expand.Config{SuggestionCap: mustGetInt(cmd, "cap")}
	if s := mustGetString(cmd, "count"); s != "" {
		count, err := expand.ParsePrototypeCount(s)
		if err != nil {
			return err
		}
		jobCfg.PrototypeCount = count
	}
	if cmd.Flags().Changed("threshold") {
		t := mustGetFloat64(cmd, "threshold")
		jobCfg.ConfidenceThreshold = &t
	}
	jsonOutput := mustGetBool(cmd, "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Jobs started here always run in this process.
	b, err := openBackend(ctx, cfg, logger, backendOptions{forceLocal: true, hnsw: true})
	if err != nil {
		return err
	}
	defer b.Close()

	person, err := b.service.ResolvePerson(ctx, mustGetString(cmd, "person"))
	if err != nil {
		return fmt.Errorf("resolving person: %w", err)
	}

	sub, err := b.service.Submit(ctx, expand.SubmitRequest{PersonID: person.ID, Config: jobCfg})
	if err != nil {
		var insufficient *expand.InsufficientDataError
		if errors.As(err, &insufficient) {
			return fmt.Errorf("%s has %d labeled faces, at least %d are needed",
				person.Name, insufficient.Eligible, insufficient.Required)
		}
		return err
	}
	if !jsonOutput {
		fmt.Printf("Expanding %s (person %d), job %s\n", person.Name, person.ID, sub.JobID)
	}

	records, err := b.service.Subscribe(ctx, sub.ProgressToken)
	if err != nil {
		return err
	}
	last := watchProgress(records, jsonOutput)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(last)
	}
	return printOutcome(last)
}

// watchProgress renders records on a progress bar and returns the last one.
func watchProgress(records <-chan progress.Record, quiet bool) progress.Record {
	var bar *progressbar.ProgressBar
	var phase progress.Phase
	var last progress.Record

	for rec := range records {
		last = rec
		if quiet {
			continue
		}
		if rec.Phase != phase && rec.Total > 0 {
			if bar != nil {
				_ = bar.Finish()
				fmt.Println()
			}
			bar = progressbar.NewOptions(rec.Total,
				progressbar.OptionSetDescription(string(rec.Phase)),
				progressbar.OptionShowCount(),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionFullWidth(),
			)
			phase = rec.Phase
		}
		if bar != nil && rec.Phase == phase {
			_ = bar.Set(rec.Current)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	return last
}

func printOutcome(rec progress.Record) error {
	switch rec.Phase {
	case progress.PhaseCompleted:
		fmt.Println("Expansion completed")
		if r := rec.Result; r != nil {
			fmt.Printf("  Prototypes used:     %d\n", r.PrototypesUsed)
			fmt.Printf("  Candidates found:    %d\n", r.CandidatesFound)
			fmt.Printf("  Suggestions created: %d\n", r.SuggestionsCreated)
			fmt.Printf("  Duplicates skipped:  %d\n", r.DuplicatesSkipped)
			if r.FailedQueries > 0 {
				fmt.Printf("  Failed queries:      %d\n", r.FailedQueries)
			}
		}
		return nil
	case progress.PhaseFailed:
		return fmt.Errorf("expansion failed: %s", rec.Error)
	case progress.PhaseTimeout:
		return errors.New("gave up waiting for the job to finish")
	default:
		return fmt.Errorf("expansion interrupted in phase %s", rec.Phase)
	}
}
