package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danshapiro/diagmend/internal/repair"
)

func newHealCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heal",
		Short: "Render a diagram, repairing it if the renderer rejects it",
		Args:  cobra.NoArgs,
		RunE:  runHeal,
	}
	cmd.Flags().String("file", "", "diagram source (default stdin)")
	cmd.Flags().String("sim-id", "", "simulation the diagram belongs to")
	cmd.Flags().Int("step", -1, "step index within the simulation")
	cmd.Flags().StringArray("step-file", nil, "ordered step sources registered for fallback (repeatable)")
	cmd.Flags().String("out", "", "write the rendered SVG here")
	cmd.Flags().Bool("json", false, "print the heal result as JSON")
	return cmd
}

func runHeal(cmd *cobra.Command, _ []string) error {
	file, _ := cmd.Flags().GetString("file")
	simID, _ := cmd.Flags().GetString("sim-id")
	step, _ := cmd.Flags().GetInt("step")
	stepFiles, _ := cmd.Flags().GetStringArray("step-file")
	outPath, _ := cmd.Flags().GetString("out")
	asJSON, _ := cmd.Flags().GetBool("json")

	raw, err := readSource(cmd, file)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	if len(stepFiles) > 0 {
		if simID == "" {
			return errors.New("--step-file requires --sim-id")
		}
		steps := make([]string, 0, len(stepFiles))
		for _, f := range stepFiles {
			b, err := os.ReadFile(f)
			if err != nil {
				return err
			}
			steps = append(steps, string(b))
		}
		st.cache.SetSteps(simID, steps)
	}

	surface, err := st.engine.NewSurface(ctx)
	if err != nil {
		return err
	}
	defer surface.Close()

	req := repair.Request{Raw: raw, SimID: simID, Surface: surface}
	if step >= 0 {
		req.StepIndex = &step
	}
	res, healErr := st.controller.Heal(ctx, req)

	out := cmd.OutOrStdout()
	if asJSON && res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printHealResult(out, res, healErr)
	}
	if healErr != nil {
		return healErr
	}

	if outPath != "" {
		svg, err := surface.SVG(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("read svg: %w", err)
		}
		if err := os.WriteFile(outPath, []byte(svg), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func readSource(cmd *cobra.Command, file string) (string, error) {
	if file == "" || file == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func printHealResult(w io.Writer, res *repair.Result, err error) {
	ok := color.New(color.FgGreen, color.Bold)
	warn := color.New(color.FgYellow)
	bad := color.New(color.FgRed, color.Bold)

	if err != nil {
		bad.Fprintln(w, "✗ diagram could not be rendered")
		if res != nil && res.Artifact != nil {
			fmt.Fprintf(w, "  session: %s\n  error:   %s\n", res.SessionID, res.Artifact.FinalError)
		}
		return
	}
	switch {
	case res.SessionID == "":
		ok.Fprintln(w, "✓ rendered")
	case res.FallbackSource != "":
		warn.Fprintf(w, "✓ rendered fallback (%s) after repair session %s\n", res.FallbackSource, res.SessionID)
	default:
		ok.Fprintf(w, "✓ repaired by tier %d (%s) in %s\n", res.Tier, res.TierName, res.Duration.Round(time.Millisecond))
	}
}
