package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/anas-aljanaby/call-center-backend/internal/extractor"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

var (
	askLimit       int
	askCategory    string
	askJSON        bool
	labelDefs      []string
	checklistItems []string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the indexed documents",
	Long: `Searches the knowledge base for the question and answers it from the nearest
chunks, citing the documents and pages used.`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

var labelCmd = &cobra.Command{
	Use:   "label [call-id]",
	Short: "Label the transcript segments of a processed call",
	Long:  `Each --label is name=description. A segment gets at most one label.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runLabel,
}

var checklistCmd = &cobra.Command{
	Use:   "checklist [call-id]",
	Short: "Check a processed call against an agent checklist",
	Args:  cobra.ExactArgs(1),
	RunE:  runChecklist,
}

func init() {
	askCmd.Flags().IntVarP(&askLimit, "limit", "n", 5, "number of chunks to answer from")
	askCmd.Flags().StringVar(&askCategory, "category", "", "only use documents of this category")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer as JSON")
	labelCmd.Flags().StringArrayVar(&labelDefs, "label", nil, "label as name=description (repeatable)")
	checklistCmd.Flags().StringArrayVar(&checklistItems, "item", nil, "checklist item (repeatable)")
	rootCmd.AddCommand(askCmd, labelCmd, checklistCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	var filter types.SearchFilter
	if askCategory != "" {
		c, ok := types.ParseCategory(askCategory)
		if !ok {
			return fmt.Errorf("unknown category %q", askCategory)
		}
		filter.Category = c
	}

	ans, err := application.Answerer.Answer(cmd.Context(), args[0], askLimit, filter)
	if err != nil {
		return fmt.Errorf("answer failed: %w", err)
	}
	if askJSON {
		data, err := json.MarshalIndent(ans, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal answer: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(ans.Text)
	if len(ans.Sources) > 0 {
		cmd.Println("\nSources:")
		for i, s := range ans.Sources {
			cmd.Printf("  [%d] %s p.%d (%.3f)\n", i+1, s.DocumentTitle, s.Page, s.Similarity)
		}
	}
	return nil
}

func runLabel(cmd *cobra.Command, args []string) error {
	tr, err := callTranscript(cmd, args[0])
	if err != nil {
		return err
	}
	labels := make([]extractor.Label, 0, len(labelDefs))
	for _, def := range labelDefs {
		name, desc, _ := strings.Cut(def, "=")
		labels = append(labels, extractor.Label{Name: strings.TrimSpace(name), Description: strings.TrimSpace(desc)})
	}

	res, err := application.Reviewer.LabelSegments(cmd.Context(), tr, labels)
	if err != nil {
		return err
	}
	if len(res) == 0 {
		cmd.Println("No segments labelled.")
		return nil
	}
	for _, l := range res {
		cmd.Printf("  #%d %-16s %s\n", l.Index+1, l.Label, snippet(tr.Segments[l.Index].Text, 100))
	}
	return nil
}

func runChecklist(cmd *cobra.Command, args []string) error {
	tr, err := callTranscript(cmd, args[0])
	if err != nil {
		return err
	}
	res, err := application.Reviewer.MatchChecklist(cmd.Context(), tr, checklistItems)
	if err != nil {
		return err
	}
	for _, m := range res.Matches {
		cmd.Printf("  done    %s (segment %d)\n", m.Item, m.Index+1)
	}
	for _, item := range res.Missing {
		cmd.Printf("  missing %s\n", item)
	}
	cmd.Printf("%d of %d items covered.\n", len(checklistItems)-len(res.Missing), len(checklistItems))
	return nil
}

func callTranscript(cmd *cobra.Command, arg string) (types.Transcript, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("invalid call id: %w", err)
	}
	a, err := application.Store.GetAnalytics(cmd.Context(), id)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("call %s: %w", id, err)
	}
	return a.Transcription, nil
}
