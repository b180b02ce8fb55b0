package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"geminibridge/internal/config"
	"geminibridge/internal/prompt"
	"geminibridge/internal/transcribe"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the bridge installation",
		Long: `Verifies that the configuration loads, the Gemini and Whisper CLIs can be
found, the work directory is writable and the system prompt is readable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "geminibridge doctor v%s\n", version)
			fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			cfg, err := loadConfig()
			if err != nil {
				printFail(out, "Config", err.Error())
				return fmt.Errorf("config invalid")
			}
			printPass(out, "Config", "valid")

			r := runChecks(out, cfg)
			r.passed++

			fmt.Fprintf(out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Fprintf(out, "\nPlease fix the failed checks before running the bridge.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Fprintf(out, "\nThe bridge will run but consider fixing the warnings.\n")
			} else {
				fmt.Fprintf(out, "\nAll checks passed.\n")
			}
			return nil
		},
	}
}

type checkResults struct {
	passed, warned, failed int
}

// runChecks runs every check after config loading. A missing Gemini CLI
// or unusable work dir fails; a missing Whisper or preamble only warns.
func runChecks(out io.Writer, cfg *config.Config) checkResults {
	var r checkResults
	pass := func(check, detail string) { printPass(out, check, detail); r.passed++ }
	warn := func(check, detail string) { printWarn(out, check, detail); r.warned++ }
	fail := func(check, detail string) { printFail(out, check, detail); r.failed++ }

	if path, err := exec.LookPath(cfg.Gemini.Bin); err != nil {
		fail("Gemini CLI", fmt.Sprintf("%s not found: %v", cfg.Gemini.Bin, err))
	} else {
		pass("Gemini CLI", path)
	}
	if cfg.Gemini.APIKey == "" {
		warn("Gemini API key", "GEMINI_API_KEY not set (the CLI must be logged in)")
	} else {
		pass("Gemini API key", "set")
	}

	resolver := transcribe.PathResolver{Override: cfg.Whisper.Bin, Venv: cfg.Whisper.Venv}
	if path, err := resolver.Resolve(context.Background()); err != nil {
		warn("Whisper CLI", err.Error())
	} else {
		pass("Whisper CLI", path)
	}

	if err := checkWritable(cfg.Work.Dir); err != nil {
		fail("Work dir", err.Error())
	} else {
		pass("Work dir", cfg.Work.Dir)
	}

	switch preamble, err := prompt.LoadPreamble(cfg.Prompt.SystemPromptFile); {
	case err != nil:
		warn("System prompt", err.Error())
	case cfg.Prompt.SystemPromptFile == "":
		warn("System prompt", "not configured")
	default:
		pass("System prompt", fmt.Sprintf("%s (%s)", cfg.Prompt.SystemPromptFile, humanize.Bytes(uint64(len(preamble)))))
	}
	return r
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func printPass(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "  [PASS] %-20s %s\n", check, detail)
}

func printFail(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(w io.Writer, check, detail string) {
	fmt.Fprintf(w, "  [WARN] %-20s %s\n", check, detail)
}
