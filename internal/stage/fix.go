package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	repoctx "github.com/lucasnoah/healfactory/internal/context"
	"github.com/lucasnoah/healfactory/internal/llm"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/prompt"
)

const (
	maxFixesPerIteration = 5
	maxFixFileBytes      = 20000
	fixMaxTokens         = 4096
)

// FixInput is what a fix generator sees of the run.
type FixInput struct {
	RepoDir   string
	Language  string
	Framework string
	Iteration int
	Failures  []pipeline.Failure
}

// FixGenerator turns failures into code changes in the working tree.
type FixGenerator interface {
	Generate(ctx context.Context, in FixInput) ([]pipeline.FixRecord, error)
}

// LLMFixGenerator asks the model for a complete corrected copy of each failing
// file and writes it in place. It touches at most one file per failure and
// never writes outside the repository.
type LLMFixGenerator struct {
	gen          llm.Generator
	builder      *repoctx.Builder
	templatesDir string
	logger       *slog.Logger
}

// NewLLMFixGenerator creates a generator. builder supplies recent commits for
// the prompt and may be nil.
func NewLLMFixGenerator(gen llm.Generator, builder *repoctx.Builder, templatesDir string, logger *slog.Logger) *LLMFixGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMFixGenerator{gen: gen, builder: builder, templatesDir: templatesDir, logger: logger}
}

// Generate produces applied FixRecords. Without model credentials it returns
// nothing; individual model or file errors skip that failure.
func (g *LLMFixGenerator) Generate(ctx context.Context, in FixInput) ([]pipeline.FixRecord, error) {
	fixes := []pipeline.FixRecord{}
	if g.gen == nil || !g.gen.Available() {
		g.logger.Warn("no LLM keys, skipping fix generation")
		return fixes, nil
	}

	commits := ""
	if g.builder != nil {
		if res, err := g.builder.Build(in.RepoDir, repoctx.BuildOpts{Mode: repoctx.ModeFull, MaxFiles: 1}); err == nil {
			commits = res.Vars["git_commits"]
		}
	}

	seen := map[string]bool{}
	for _, f := range in.Failures {
		if len(fixes) == maxFixesPerIteration {
			break
		}
		if f.File == "" || f.File == "unknown" || seen[f.File] {
			continue
		}
		seen[f.File] = true

		rec, err := g.fixOne(ctx, in, f, commits)
		if err != nil {
			if ctx.Err() != nil {
				return fixes, ctx.Err()
			}
			g.logger.Warn("fix skipped", "file", f.File, "error", err)
			continue
		}
		if rec != nil {
			fixes = append(fixes, *rec)
		}
	}
	return fixes, nil
}

func (g *LLMFixGenerator) fixOne(ctx context.Context, in FixInput, f pipeline.Failure, commits string) (*pipeline.FixRecord, error) {
	path, err := repoctx.SafeJoin(in.RepoDir, f.File)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFixFileBytes {
		return nil, fmt.Errorf("file too large to rewrite (%d bytes)", info.Size())
	}
	current, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	user, err := prompt.Build(prompt.FixFailure, g.templatesDir, prompt.Vars{
		"language":      in.Language,
		"framework":     in.Framework,
		"file_path":     f.File,
		"line_number":   strconv.Itoa(f.Line),
		"bug_type":      string(f.BugType),
		"test_name":     f.TestName,
		"error_message": f.Message,
		"git_commits":   commits,
		"file_content":  string(current),
	})
	if err != nil {
		return nil, fmt.Errorf("render fix prompt: %w", err)
	}
	reply, err := g.gen.Complete(ctx, llm.Request{
		System:      prompt.SystemFixer,
		User:        user,
		Temperature: llm.Temp(0.1),
		MaxTokens:   fixMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	fixed := llm.StripFences(reply)
	if strings.TrimSpace(fixed) == "" || strings.TrimSpace(fixed) == strings.TrimSpace(string(current)) {
		return nil, nil
	}
	if !strings.HasSuffix(fixed, "\n") {
		fixed += "\n"
	}
	if err := pipeline.WriteAtomic(path, []byte(fixed)); err != nil {
		return nil, err
	}
	if err := os.Chmod(path, info.Mode().Perm()); err != nil {
		return nil, err
	}

	return &pipeline.FixRecord{
		File:        f.File,
		BugType:     f.BugType,
		Line:        f.Line,
		Description: describeFix(f),
		Status:      pipeline.FixApplied,
		Iteration:   in.Iteration,
	}, nil
}

func describeFix(f pipeline.Failure) string {
	msg, _, _ := strings.Cut(strings.TrimSpace(f.Message), "\n")
	if msg == "" {
		msg = "test " + f.TestName
	}
	return fmt.Sprintf("line %d: %s", f.Line, msg)
}
