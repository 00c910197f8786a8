package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"contextmem/internal/core"
	"contextmem/internal/item"
)

var (
	chatPath  string
	diffsPath string
	logsPath  string

	budget          int
	includeKinds    []string
	excludeSubtypes []string
	includeRetired  bool
	crossThread     bool

	expandFull  bool
	magnitude   float64
	canonicalID string
	actor       string
)

// ingestCmd feeds raw materials into memory
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest chat, diff, or log materials into memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		var m core.Materials
		var err error
		if m.Chat, err = readMaterial(chatPath); err != nil {
			return err
		}
		if m.Diffs, err = readMaterial(diffsPath); err != nil {
			return err
		}
		if m.Logs, err = readMaterial(logsPath); err != nil {
			return err
		}

		res, err := memory.Ingest(cmd.Context(), workspace, thread, m)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// recallCmd ranks memory against a purpose
var recallCmd = &cobra.Command{
	Use:   "recall <purpose>",
	Short: "Recall ranked memory items for a purpose under a token budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := memory.Recall(cmd.Context(), workspace, thread, args[0], budget, cliFilters())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// workingSetCmd assembles the budgeted working set
var workingSetCmd = &cobra.Command{
	Use:   "workingset <purpose>",
	Short: "Build a deterministic working set for a purpose",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := memory.BuildWorkingSet(cmd.Context(), workspace, thread, args[0], budget, cliFilters())
		if err != nil {
			return err
		}
		out, err := ws.Marshal()
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// expandCmd resolves a cited item id
var expandCmd = &cobra.Command{
	Use:   "expand <item-id>",
	Short: "Expand a cited item to its stored record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		form := core.FormSummary
		if expandFull {
			form = core.FormFull
		}
		exp, err := memory.Expand(cmd.Context(), workspace, args[0], form)
		if err != nil {
			return err
		}
		return printJSON(exp)
	},
}

// feedbackCmd applies a signal to an item
var feedbackCmd = &cobra.Command{
	Use:   "feedback <item-id> <helpful|not_helpful|outdated|duplicate>",
	Short: "Apply feedback to an item's salience and usage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := memory.Feedback(cmd.Context(), workspace, core.FeedbackRequest{
			ItemID:      args[0],
			Signal:      item.Signal(args[1]),
			Magnitude:   magnitude,
			CanonicalID: canonicalID,
			Actor:       actor,
		})
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

// backfillCmd resolves embedding_pending items
var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed items that persisted during a provider outage",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := memory.BackfillEmbeddings(cmd.Context(), workspace, 0)
		if err != nil {
			return err
		}
		fmt.Printf("resolved %d pending items\n", n)
		return nil
	},
}

// statsCmd prints workspace counters
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-table and per-kind counts for the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := memory.Stats(cmd.Context(), workspace)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&chatPath, "chat", "", "chat transcript file ('-' for stdin)")
	ingestCmd.Flags().StringVar(&diffsPath, "diffs", "", "unified diff file ('-' for stdin)")
	ingestCmd.Flags().StringVar(&logsPath, "logs", "", "log output file ('-' for stdin)")

	for _, c := range []*cobra.Command{recallCmd, workingSetCmd} {
		c.Flags().IntVarP(&budget, "budget", "b", 4000, "token budget")
		c.Flags().StringSliceVar(&includeKinds, "kinds", nil, "restrict to kinds (semantic, episodic)")
		c.Flags().StringSliceVar(&excludeSubtypes, "exclude", nil, "subtypes to exclude")
		c.Flags().BoolVar(&includeRetired, "include-retired", false, "include retired items")
		c.Flags().BoolVar(&crossThread, "cross-thread", false, "search the whole workspace, not just the thread")
	}

	expandCmd.Flags().BoolVar(&expandFull, "full", false, "include the raw source span and links")

	feedbackCmd.Flags().Float64VarP(&magnitude, "magnitude", "m", 1.0, "signal magnitude in [-1, 1]")
	feedbackCmd.Flags().StringVar(&canonicalID, "canonical", "", "canonical item id for duplicate feedback")
	feedbackCmd.Flags().StringVar(&actor, "actor", "", "who is giving the feedback")
}

func cliFilters() core.Filters {
	return core.Filters{
		IncludeKinds:    includeKinds,
		ExcludeSubtypes: excludeSubtypes,
		IncludeRetired:  includeRetired,
		CrossThread:     crossThread,
	}
}

func readMaterial(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "-" {
		data, err := os.ReadFile("/dev/stdin")
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
