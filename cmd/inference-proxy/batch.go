package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/inference-client/pkg/batch"
	"github.com/Sternrassler/inference-client/pkg/logging"
	"github.com/Sternrassler/inference-client/pkg/models"
	"github.com/spf13/cobra"
)

// batchLine is one JSON line written by the batch command.
type batchLine struct {
	Index      int    `json:"index"`
	Prompt     string `json:"prompt"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func newBatchCmd() *cobra.Command {
	var (
		configPath  string
		baseURL     string
		input       string
		model       string
		system      string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Send one chat request per input line and print JSON results",
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				return fmt.Errorf("--model is required")
			}
			cfg, err := loadConfig(configPath, "", baseURL)
			if err != nil {
				return err
			}
			logger := logging.Setup(cfg.Logging)

			var in io.Reader = cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			prompts, err := readPrompts(in)
			if err != nil {
				return err
			}

			rdb, err := newRedisClient(cmd.Context(), cfg.Redis)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer func() { _ = rdb.Close() }()
			}

			c, _, err := buildClient(cfg, rdb, nil, logger)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			bcfg := batch.DefaultConfig()
			bcfg.MaxConcurrency = concurrency
			return runBatch(cmd.Context(), c, bcfg, buildRequests(prompts, model, system), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "inference server base URL (overrides config)")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "file with one prompt per line (- for stdin)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name")
	cmd.Flags().StringVar(&system, "system", "", "optional system prompt")
	cmd.Flags().IntVar(&concurrency, "concurrency", batch.DefaultConfig().MaxConcurrency, "parallel requests")
	return cmd
}

// readPrompts returns the non-blank lines of r.
func readPrompts(r io.Reader) ([]string, error) {
	var prompts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBody)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			prompts = append(prompts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return prompts, nil
}

func buildRequests(prompts []string, model, system string) []*models.Request {
	reqs := make([]*models.Request, len(prompts))
	for i, p := range prompts {
		var msgs []models.Message
		if system != "" {
			msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: system})
		}
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: p})
		reqs[i] = &models.Request{Model: model, Messages: msgs}
	}
	return reqs
}

// runBatch executes reqs and writes one JSON line per request in input order.
// Per-request failures are reported in the output, not as an error.
func runBatch(ctx context.Context, chatter batch.Chatter, cfg batch.Config, reqs []*models.Request, w io.Writer) error {
	results, err := batch.NewRunner(chatter, cfg).Run(ctx, reqs)
	if results == nil {
		return err
	}

	enc := json.NewEncoder(w)
	for _, r := range results {
		line := batchLine{
			Index:      r.Index,
			Prompt:     lastUserContent(reqs[r.Index]),
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			line.Error = r.Err.Error()
		} else {
			line.Content = r.Response.Content()
		}
		if encErr := enc.Encode(line); encErr != nil {
			return fmt.Errorf("write result: %w", encErr)
		}
	}
	return err
}

func lastUserContent(req *models.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
