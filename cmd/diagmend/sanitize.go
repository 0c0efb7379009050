package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/diagmend/internal/sanitize"
)

func newSanitizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sanitize [files...]",
		Short: "Normalize Mermaid sources without rendering them",
		Long: `Runs the sanitizer over each file (or stdin when no file is given).
Output goes to stdout unless --write rewrites the files in place.`,
		RunE: runSanitize,
	}
	cmd.Flags().StringArray("glob", nil, "doublestar pattern selecting input files (repeatable)")
	cmd.Flags().Bool("explain", false, "list the passes that changed each input on stderr")
	cmd.Flags().Bool("write", false, "rewrite files in place")
	cmd.Flags().Int("jobs", 4, "files sanitized in parallel")
	cmd.Flags().String("direction", "", "canonical flowchart direction (overrides config)")
	return cmd
}

type sanitized struct {
	path string
	res  sanitize.Result
}

func runSanitize(cmd *cobra.Command, args []string) error {
	globs, _ := cmd.Flags().GetStringArray("glob")
	explain, _ := cmd.Flags().GetBool("explain")
	write, _ := cmd.Flags().GetBool("write")
	jobs, _ := cmd.Flags().GetInt("jobs")
	direction, _ := cmd.Flags().GetString("direction")

	opts := sanitizeOptions(cfg)
	if d := strings.TrimSpace(direction); d != "" {
		opts.Direction = strings.ToUpper(d)
	}

	paths, err := expandInputs(args, globs)
	if err != nil {
		return err
	}
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	if len(paths) == 0 {
		if write {
			return errors.New("--write needs at least one file")
		}
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		res := sanitize.Run(string(raw), opts)
		if explain {
			printExplain(errOut, "<stdin>", res)
		}
		_, err = fmt.Fprintln(out, res.Text)
		return err
	}

	results := make([]sanitized, len(paths))
	g := new(errgroup.Group)
	if jobs < 1 {
		jobs = 1
	}
	g.SetLimit(jobs)
	for i, p := range paths {
		g.Go(func() error {
			raw, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			res := sanitize.Run(string(raw), opts)
			if write && len(res.Changed) > 0 {
				if err := os.WriteFile(p, []byte(res.Text+"\n"), 0o644); err != nil {
					return err
				}
			}
			results[i] = sanitized{path: p, res: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		if explain {
			printExplain(errOut, r.path, r.res)
		}
		if write {
			continue
		}
		if len(results) > 1 {
			fmt.Fprintf(out, "%%%% %s\n", r.path)
		}
		fmt.Fprintln(out, r.res.Text)
	}
	return nil
}

func printExplain(w io.Writer, name string, res sanitize.Result) {
	switch {
	case res.Degenerate:
		fmt.Fprintf(w, "%s: degenerate input, replaced with default diagram\n", name)
	case len(res.Changed) == 0:
		fmt.Fprintf(w, "%s: unchanged\n", name)
	default:
		fmt.Fprintf(w, "%s: %s\n", name, strings.Join(res.Changed, ", "))
	}
}

// expandInputs merges explicit paths with glob matches, deduplicated and in
// stable order.
func expandInputs(args, globs []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, a := range args {
		add(a)
	}
	for _, pat := range globs {
		if !doublestar.ValidatePattern(filepath.ToSlash(pat)) {
			return nil, fmt.Errorf("invalid glob %q", pat)
		}
		matches, err := doublestar.FilepathGlob(pat, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pat, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(m)
		}
	}
	return out, nil
}
