package stage

import (
	"context"
	"fmt"
	"log/slog"

	repoctx "github.com/lucasnoah/healfactory/internal/context"
)

// Cloner is the source-control capability the scanner needs.
type Cloner interface {
	Clone(ctx context.Context, repoURL, runID string) (string, error)
	CheckoutBranch(ctx context.Context, dir, branch string) error
}

// ScanResult is what the scan stage learned about a repository.
type ScanResult struct {
	RepoDir   string
	Language  string
	Framework string
	TestFiles []string
}

// Scanner clones a repository onto the healing branch and identifies its
// language and test framework.
type Scanner struct {
	repos  Cloner
	logger *slog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(repos Cloner, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{repos: repos, logger: logger}
}

// Scan clones repoURL into the run's directory and checks out branch. A clone
// or checkout failure is returned; the run cannot continue without a tree.
func (s *Scanner) Scan(ctx context.Context, runID, repoURL, branch string) (*ScanResult, error) {
	dir, err := s.repos.Clone(ctx, repoURL, runID)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if err := s.repos.CheckoutBranch(ctx, dir, branch); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	res, err := Inspect(dir)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	s.logger.Info("repository scanned",
		"language", res.Language, "framework", res.Framework, "test_files", len(res.TestFiles))
	return res, nil
}

// Inspect detects language and framework of an already checked-out tree.
func Inspect(dir string) (*ScanResult, error) {
	files, err := repoctx.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	lang := DetectLanguage(files)
	framework, testFiles := DetectFramework(dir, files, lang)
	return &ScanResult{
		RepoDir:   dir,
		Language:  lang,
		Framework: framework,
		TestFiles: testFiles,
	}, nil
}
