package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lenslog/lenslog/internal/config"
	"github.com/lenslog/lenslog/internal/ingest"
	"github.com/lenslog/lenslog/internal/query"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lenslog system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Vision model", "%s", cfg.Ollama.VisionModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Answer model", "%s", cfg.Ollama.AnswerModel)
	printStatus("Vector backend", "%s", cfg.Vector.Backend)
	printStatus("Blob backend", "%s", cfg.Blob.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload an image into a project",
	Long: `Upload an image into a project.

Examples:
  lenslog upload --project backyard --file ./IMG_2041.jpg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		file, _ := cmd.Flags().GetString("file")

		if project == "" || file == "" {
			return fmt.Errorf("--project and --file are required")
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postImage(cmd.Context(), "/upload", project, file, data)
		if err != nil {
			return err
		}

		var receipt ingest.Receipt
		if err := decodeJSON(resp, &receipt); err != nil {
			return err
		}

		printSuccess("Uploaded image #%d (%s), processing queued", receipt.SequenceNumber, receipt.ImageID)
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("project", "", "project identifier")
	uploadCmd.Flags().String("file", "", "path to the image file")
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question about a project's images",
	Long: `Ask a question about a project's images.

Examples:
  lenslog query --project backyard "is the fence finished?"
  lenslog query --project backyard --vector "where did the ladder go?"
  lenslog query --project backyard --compare 3,7 "what changed?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		useVector, _ := cmd.Flags().GetBool("vector")
		sequence, _ := cmd.Flags().GetInt64("sequence")
		compare, _ := cmd.Flags().GetString("compare")

		if project == "" {
			return fmt.Errorf("--project is required")
		}
		question := strings.Join(args, " ")

		req := query.Request{
			ProjectID:       project,
			Question:        question,
			UseVectorSearch: useVector,
		}
		if sequence > 0 {
			req.SequenceNumber = &sequence
		}
		if compare != "" {
			seqs, err := parseComparePair(compare)
			if err != nil {
				return err
			}
			req.ComparisonSequences = seqs
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postJSON(cmd.Context(), "/query", req)
		if err != nil {
			return err
		}

		var res query.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		printResult(res)
		return nil
	},
}

func init() {
	queryCmd.Flags().String("project", "", "project identifier")
	queryCmd.Flags().Bool("vector", false, "rank images by semantic similarity to the question")
	queryCmd.Flags().Int64("sequence", 0, "scope the question to one image by sequence number")
	queryCmd.Flags().String("compare", "", "compare two images, e.g. --compare 3,7")
}

func parseComparePair(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("--compare expects two sequence numbers, e.g. 3,7")
	}
	seqs := make([]int64, 2)
	for i, p := range parts {
		var v int64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &v); err != nil || v < 1 {
			return nil, fmt.Errorf("invalid sequence number %q", p)
		}
		seqs[i] = v
	}
	return seqs, nil
}

func printResult(res query.Result) {
	fmt.Println(colorize(colorBold, res.Summary))
	for _, d := range res.Details {
		fmt.Printf("  %s\n", d)
	}
	for _, c := range res.Changes {
		fmt.Printf("  [%s] %s (%.2f)\n", c.Type, c.Description, c.Confidence)
	}
	if len(res.RelevantImages) > 0 {
		fmt.Println()
		for _, img := range res.RelevantImages {
			fmt.Printf("  #%d %s [%.3f] %s\n", img.SequenceNumber, img.Filename, img.RelevanceScore, img.Caption)
		}
	}
	fmt.Printf("\nConfidence: %.2f (mode: %s, images: %d/%d)\n",
		res.Confidence, res.Metadata.SearchMode, res.Metadata.ImagesSearched, res.Metadata.TotalImages)
}
