package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/hireflow/internal/diagram"
	"github.com/rendis/hireflow/internal/store"
)

func newDiagramCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagram <workflow-id>",
		Short: "Draw a workflow rule as ASCII, Mermaid, SVG or PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			execID, _ := cmd.Flags().GetString("execution")
			outPath, _ := cmd.Flags().GetString("out")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			newLogger(cfg)
			ctx := cmd.Context()

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			wf, err := s.GetWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			var rec *store.ExecutionRecord
			if execID != "" {
				if rec, err = s.GetExecution(ctx, execID); err != nil {
					return err
				}
			}
			model, err := diagram.Build(wf, rec)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case string(diagram.FormatSVG), string(diagram.FormatPNG):
				if out, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(format)); err != nil {
					return err
				}
				if outPath == "" && format == string(diagram.FormatPNG) {
					return fmt.Errorf("png output needs --out")
				}
			default:
				return fmt.Errorf("unknown format %q (ascii, mermaid, svg, png)", format)
			}

			if outPath == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			if err := os.WriteFile(outPath, out, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringP("format", "f", "ascii", "Output format: ascii, mermaid, svg or png")
	cmd.Flags().String("execution", "", "Overlay the results of this execution")
	cmd.Flags().StringP("out", "o", "", "Write to this file instead of stdout")
	return cmd
}
