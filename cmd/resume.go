package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/client"
	"github.com/JakeFAU/page-annotator/internal/resume"
)

func newResumeCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "resume <annotator>",
		Short: "Print the row an annotator should continue from",
		Long: `Computes the resume position for an annotator: one past the last row they
own, otherwise the first unclaimed row. With --server the position is asked
from a running API instead of the local store.`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationNeeds: needsConfig},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("annotator name must not be empty")
			}

			var index int
			var rowID string
			if server != "" {
				index, rowID, err = resumeRemote(cmd.Context(), e, server, name)
			} else {
				index, rowID, err = resumeLocal(cmd.Context(), e, name)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", index, rowID)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "base URL of a running annotator API")
	return cmd
}

func resumeLocal(ctx context.Context, e *env, name string) (int, string, error) {
	appInstance, err := newApp(ctx, e.cfg, e.logger)
	if err != nil {
		return 0, "", fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer appInstance.Close()

	records, err := appInstance.Store().All(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("load annotations: %w", err)
	}
	rows := appInstance.Dataset().Rows
	index := resume.Index(name, rows, records)
	var rowID string
	if index < len(rows) {
		rowID = rows[index].ID
	}
	e.logger.Debug("resume computed locally", zap.String("annotator", name), zap.Int("index", index))
	return index, rowID, nil
}

func resumeRemote(ctx context.Context, e *env, server, name string) (int, string, error) {
	c, err := client.New(client.Options{
		BaseURL:   server,
		APIKey:    e.cfg.Auth.APIKey,
		UserAgent: e.cfg.HTTP.UserAgent,
		Timeout:   e.cfg.RequestTimeout(),
	}, nil, e.logger)
	if err != nil {
		return 0, "", err
	}
	return c.Resume(ctx, name)
}
