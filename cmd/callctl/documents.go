package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/anas-aljanaby/call-center-backend/internal/indexer"
	"github.com/anas-aljanaby/call-center-backend/internal/retrieval"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

var (
	indexCategory  string
	searchLimit    int
	searchCategory string
	searchTags     []string
	searchJSON     bool
)

var indexCmd = &cobra.Command{
	Use:   "index [file...]",
	Short: "Index extracted-text documents",
	Long: `Chunks and embeds .txt and .md files. Form feeds in the text mark page breaks;
a PDF with the same base name next to the file supplies the page count. Files in a
directory named after a category get that category.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIndex,
}

var reembedCmd = &cobra.Command{
	Use:   "reembed [doc-id]",
	Short: "Embed the chunks of a document that still lack embeddings",
	Args:  cobra.ExactArgs(1),
	RunE:  runReembed,
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed documents",
	Long:  `Embeds the query and returns the nearest document chunks by cosine distance.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

func init() {
	indexCmd.Flags().StringVar(&indexCategory, "category", "", "category for files outside a category directory (default from config)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 5, "maximum number of results")
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "only search documents of this category")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "only search documents carrying every tag")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(indexCmd, reembedCmd, searchCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	category := types.Category(application.Config.Storage.DocumentCategory)
	if indexCategory != "" {
		c, ok := types.ParseCategory(indexCategory)
		if !ok {
			return fmt.Errorf("unknown category %q", indexCategory)
		}
		category = c
	}

	var errs []error
	for _, path := range args {
		if !indexer.Supported(path) {
			errs = append(errs, fmt.Errorf("%s: unsupported file type", path))
			continue
		}
		job, err := indexer.LoadFile(path, category)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res, err := application.Indexer.Index(cmd.Context(), job.Document, job.Text, job.Pagination)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		cmd.Printf("  %s %s (%d/%d chunks embedded) %s\n", res.DocumentID, res.State, res.Embedded, res.Chunks, job.Document.Title)
	}
	return errors.Join(errs...)
}

func runReembed(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid document id: %w", err)
	}
	res, err := application.Indexer.Reembed(cmd.Context(), id)
	if err != nil {
		return err
	}
	cmd.Printf("Document %s %s (%d/%d chunks embedded)\n", res.DocumentID, res.State, res.Embedded, res.Chunks)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	filter := types.SearchFilter{Tags: searchTags}
	if searchCategory != "" {
		c, ok := types.ParseCategory(searchCategory)
		if !ok {
			return fmt.Errorf("unknown category %q", searchCategory)
		}
		filter.Category = c
	}

	hits, err := application.Retrieval.SearchText(cmd.Context(), args[0], searchLimit, filter)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		data, err := json.MarshalIndent(hits, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal results: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}
	printHits(cmd, hits)
	return nil
}

func printHits(cmd *cobra.Command, hits []retrieval.Hit) {
	if len(hits) == 0 {
		cmd.Println("No results found.")
		return
	}
	cmd.Println("Results:")
	for i, h := range hits {
		cmd.Printf("  [%d] %s p.%d (%.3f)\n", i+1, h.DocumentTitle, h.Chunk.PageNumber, h.Distance)
		cmd.Printf("      %s\n", snippet(h.Chunk.Content, 160))
	}
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
