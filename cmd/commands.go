package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"knowledge_spider/internal/app"
	"knowledge_spider/internal/index"
	"knowledge_spider/internal/models"
	"knowledge_spider/internal/server"
)

var (
	boldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	red       = color.New(color.FgRed).SprintFunc()
	faint     = color.New(color.Faint).SprintFunc()
)

var (
	kbDepth int
	topK    int

	condenseModel      string
	condenseSystemFile string
	condenseUserFile   string
	condenseKBFile     string
	condenseDiffFile   string
)

func init() {
	kbCreateCmd.Flags().IntVar(&kbDepth, "depth", 0, "Crawl depth for this knowledge base (default: logic.max_depth)")
	searchCmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of results (default: index.top_k)")
	contextCmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of chunks (default: index.top_k)")

	condenseCmd.Flags().StringVarP(&condenseModel, "model", "m", "", "Target model id (required)")
	condenseCmd.Flags().StringVar(&condenseSystemFile, "system-file", "", "File holding the system prompt")
	condenseCmd.Flags().StringVar(&condenseUserFile, "user-file", "", "File holding the user prompt")
	condenseCmd.Flags().StringVar(&condenseKBFile, "kb-file", "", "File holding the knowledge base excerpt embedded in the system prompt")
	condenseCmd.Flags().StringVar(&condenseDiffFile, "diff-file", "", "File holding the diff embedded in the user prompt")
	_ = condenseCmd.MarkFlagRequired("model")
}

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage knowledge bases",
}

var kbCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
			kb, err := rt.CreateKnowledgeBase(ctx, strings.Join(args, " "), kbDepth)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%s)\n", boldGreen("created"), kb.Name, kb.ID)
			return nil
		})
	},
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge bases and their sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
			kbs, err := rt.ListKnowledgeBases(ctx)
			if err != nil {
				return err
			}
			if len(kbs) == 0 {
				fmt.Println("no knowledge bases")
				return nil
			}
			for _, kb := range kbs {
				fmt.Printf("%s  %s  %s\n", boldCyan(kb.ID), kb.Name,
					faint(fmt.Sprintf("%d pages, depth %d", kb.TotalPages, kb.CrawlDepth)))
				for _, s := range kb.Sources {
					fmt.Printf("    %s  %s  %s\n", s.ID, s.URL, statusLabel(s))
				}
			}
			return nil
		})
	},
}

var kbAddSourceCmd = &cobra.Command{
	Use:   "add-source <kb-id> <url>",
	Short: "Add a seed URL to a knowledge base",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
			src, err := rt.AddSource(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%s)\n", boldGreen("added"), src.URL, src.ID)
			return nil
		})
	},
}

var kbStatsCmd = &cobra.Command{
	Use:   "stats <kb-id>",
	Short: "Show stored page statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
			st, err := rt.PageStats(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("documents:          %d\n", st.Documents)
			fmt.Printf("avg content length: %.0f\n", st.AvgContentLength)
			fmt.Printf("max scrape count:   %d\n", st.MaxScrapedCount)
			return nil
		})
	},
}

var crawlCmd = &cobra.Command{
	Use:   "crawl <kb-id> [source-id]",
	Short: "Crawl one source, or every source of a knowledge base",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
			kb, err := rt.KnowledgeBase(ctx, args[0])
			if err != nil {
				return err
			}

			var sourceIDs []string
			if len(args) == 2 {
				sourceIDs = []string{args[1]}
			} else {
				for _, s := range kb.Sources {
					sourceIDs = append(sourceIDs, s.ID)
				}
			}
			if len(sourceIDs) == 0 {
				return fmt.Errorf("knowledge base %s has no sources", kb.ID)
			}

			var errs []error
			for _, id := range sourceIDs {
				result, err := rt.CrawlSource(ctx, kb.ID, id, printCrawlProgress)
				fmt.Println()
				if result != nil {
					printCrawlResult(result)
				}
				if err != nil {
					fmt.Printf("%s %v\n", red("crawl failed:"), err)
					errs = append(errs, err)
					if errors.Is(err, context.Canceled) {
						break
					}
				}
			}
			return errors.Join(errs...)
		})
	},
}

func printCrawlProgress(p models.CrawlProgress) {
	if p.CurrentURL == "" {
		fmt.Printf("\r%s %d pages", boldCyan("crawled"), p.Crawled)
		return
	}
	fmt.Printf("\r%s [%d/%d] %s\x1b[K", boldCyan("crawling"), p.Crawled, p.Total, p.CurrentURL)
}

func printCrawlResult(result *models.CrawlResult) {
	fmt.Printf("%s %d pages, %d errors\n", boldGreen("done"), len(result.Pages), len(result.Errors))
	for _, e := range result.Errors {
		fmt.Printf("  %s %s: %s\n", yellow("!"), e.URL, e.Error)
	}
}

func statusLabel(s models.Source) string {
	label := fmt.Sprintf("[%s, %d pages]", s.Status, s.PageCount)
	switch s.Status {
	case models.SourceStatusComplete:
		return boldGreen(label)
	case models.SourceStatusError:
		return red(label) + " " + s.Error
	default:
		return yellow(label)
	}
}

var indexCmd = &cobra.Command{
	Use:   "index <kb-id>",
	Short: "Rebuild the search index of a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
			err := rt.IndexKnowledgeBase(ctx, args[0], func(p models.IndexProgress) {
				if p.Phase == models.IndexPhaseIdle {
					return
				}
				fmt.Printf("\r%s %d/%d\x1b[K", boldCyan(string(p.Phase)), p.Current, p.Total)
			})
			fmt.Println()
			if err != nil {
				return err
			}
			fmt.Println(boldGreen("indexed"))
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <kb-id> <query...>",
	Short: "Search an indexed knowledge base",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
			results, err := rt.Search(ctx, args[0], strings.Join(args[1:], " "), topK)
			if errors.Is(err, index.ErrNotIndexed) {
				fmt.Printf("%s run `kbspider index %s` first\n", yellow("not indexed:"), args[0])
				return nil
			}
			if err != nil {
				return err
			}
			for i, r := range results {
				fmt.Printf("%s %s %s\n", boldCyan(fmt.Sprintf("[%d]", i+1)), faint(fmt.Sprintf("%.3f", r.Score)), r.Chunk.PageURL)
				fmt.Printf("    %s\n\n", r.Chunk.Text)
			}
			return nil
		})
	},
}

var contextCmd = &cobra.Command{
	Use:   "context <kb-id> <query...>",
	Short: "Print the documentation context block for a query",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
			block, err := rt.BuildContext(ctx, args[0], strings.Join(args[1:], " "), topK)
			if err != nil {
				return err
			}
			if !block.Indexed {
				fmt.Fprintln(os.Stderr, yellow("knowledge base not indexed; using raw page content"))
			}
			fmt.Print(block.Text)
			return nil
		})
	},
}

// condense needs only the tokenizer, so it runs without MongoDB.
var condenseCmd = &cobra.Command{
	Use:   "condense",
	Short: "Fit prompts into a model's input token budget",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(condenseModel) == "" {
			return errors.New("--model is required")
		}
		read := func(path string) (string, error) {
			if path == "" {
				return "", nil
			}
			data, err := os.ReadFile(path)
			return string(data), err
		}
		var inputs [4]string
		for i, path := range []string{condenseSystemFile, condenseUserFile, condenseKBFile, condenseDiffFile} {
			text, err := read(path)
			if err != nil {
				return err
			}
			inputs[i] = text
		}

		m, err := app.NewCondenser(cfg.Budget, logger)
		if err != nil {
			return err
		}

		res := m.CondenseContext(condenseModel, inputs[0], inputs[1], inputs[2], inputs[3])
		for _, w := range res.Warnings {
			fmt.Fprintln(os.Stderr, yellow("warning:"), w)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the knowledge base tools over MCP stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *app.Runtime) error {
			logger.Info("serving MCP over stdio")
			return server.ServeStdio(rt.App)
		})
	},
}
