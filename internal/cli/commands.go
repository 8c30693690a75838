package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	appsvc "studymate/internal/app"
	"studymate/internal/pkg/jwtutil"
	"studymate/internal/rag"
)

var (
	askTopK       int
	askDocuments  []string
	tokenName     string
	tokenLifetime time.Duration
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a PDF or text file",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from ingested documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the user's documents",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [document-id]",
	Short: "Delete a document with its chunks and index entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Check the vector index against the chunk store and repair it",
	Long: `Fails documents left in processing, restores index entries for stored
chunks and removes entries whose chunk is gone. It runs on every start; this
command prints the report.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index and document statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Retrain the approximate search lists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, app.RAG.RebuildIndex())
	},
}

var tokenCmd = &cobra.Command{
	Use:         "token",
	Short:       "Mint an API token for a user",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipAppAnnotation: "true"},
	RunE:        runToken,
}

func init() {
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "number of chunks to retrieve (0 uses the configured default)")
	askCmd.Flags().StringSliceVarP(&askDocuments, "document", "d", nil, "limit retrieval to these document ids")
	tokenCmd.Flags().StringVar(&tokenName, "name", "operator", "username carried in the token")
	tokenCmd.Flags().DurationVar(&tokenLifetime, "ttl", 0, "token lifetime (0 uses auth.jwt_expire_minute)")

	rootCmd.AddCommand(ingestCmd, askCmd, listCmd, deleteCmd, reconcileCmd, statsCmd, rebuildCmd, tokenCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s failed: %w", args[0], err)
	}
	res, err := app.RAG.Ingest(cmd.Context(), appsvc.IngestInput{
		UserID:   userID,
		Filename: filepath.Base(args[0]),
		Data:     data,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd, res)
	}
	cmd.Printf("Ingested %s as %s (%d chunks, %d pages)\n", res.Document.Filename, res.Document.ID, res.ChunkCount, res.Document.PageCount)
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	answer := app.RAG.Query(cmd.Context(), appsvc.QueryInput{
		UserID:      userID,
		Question:    args[0],
		TopK:        askTopK,
		DocumentIDs: askDocuments,
	})
	if jsonOut {
		return printJSON(cmd, answer)
	}
	printAnswer(cmd, answer)
	return nil
}

func printAnswer(cmd *cobra.Command, answer rag.Answer) {
	cmd.Println(answer.Text)
	if len(answer.Citations) == 0 {
		return
	}
	cmd.Println()
	cmd.Printf("Confidence: %.0f%%\n", answer.Confidence)
	cmd.Println("Sources:")
	for i, c := range answer.Citations {
		switch {
		case c.PageEnd > c.Page && c.Page > 0:
			cmd.Printf("  [%d] %s, pages %d-%d (%.3f)\n", i+1, c.Source, c.Page, c.PageEnd, c.Score)
		case c.Page > 0:
			cmd.Printf("  [%d] %s, page %d (%.3f)\n", i+1, c.Source, c.Page, c.Score)
		default:
			cmd.Printf("  [%d] %s (%.3f)\n", i+1, c.Source, c.Score)
		}
	}
}

func runList(cmd *cobra.Command, args []string) error {
	docs, err := app.RAG.ListDocuments(cmd.Context(), userID)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd, docs)
	}
	if len(docs) == 0 {
		cmd.Println("No documents.")
		return nil
	}
	for _, d := range docs {
		cmd.Printf("%s  %-10s  %4d chunks  %s\n", d.ID, d.Status, d.ChunkCount, d.Filename)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := app.RAG.DeleteDocument(cmd.Context(), userID, args[0]); err != nil {
		return err
	}
	cmd.Printf("Deleted %s\n", args[0])
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	report, err := app.RAG.Reconcile(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := app.RAG.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, stats)
}

func runToken(cmd *cobra.Command, args []string) error {
	ttl := tokenLifetime
	if ttl <= 0 {
		ttl = time.Duration(cfg.Auth.JWTExpireMinute) * time.Minute
	}
	token, err := jwtutil.GenerateToken(cfg.Auth.JWTSecret, ttl, userID, tokenName)
	if err != nil {
		return err
	}
	cmd.Println(token)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output failed: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
