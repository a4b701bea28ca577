package runstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// OutputDirEnv overrides the default output directory when no explicit
// directory is configured.
const OutputDirEnv = "AICODEAGENT_OUTPUT_DIR"

const (
	counterFile = "run_counter.txt"
	runPrefix   = "run_"

	DefaultRetention       = 10
	DefaultRolloverCeiling = 1000
)

// RunSession identifies one invocation's directory inside the Store.
type RunSession struct {
	ID       string `json:"run_id"`
	Sequence int    `json:"sequence"`
	BaseDir  string `json:"base_dir"`
}

func (r RunSession) BackupDir() string       { return filepath.Join(r.BaseDir, "backups") }
func (r RunSession) DiffDir() string         { return filepath.Join(r.BaseDir, "diffs") }
func (r RunSession) LogDir() string          { return filepath.Join(r.BaseDir, "logs") }
func (r RunSession) LogPath() string         { return filepath.Join(r.LogDir(), "actions.log") }
func (r RunSession) SummaryTextPath() string { return filepath.Join(r.BaseDir, "summary.txt") }
func (r RunSession) SummaryPath() string     { return filepath.Join(r.BaseDir, "run_summary.json") }
func (r RunSession) MessagePath() string     { return filepath.Join(r.BaseDir, "llm_message") }

// Store manages the numbered run directories under a single root.
type Store struct {
	root   string
	logger *zap.Logger
}

// ResolveOutputDir picks the output root: an explicit directory first, then
// $AICODEAGENT_OUTPUT_DIR, then <projectRoot>/__ai_outputs__.
func ResolveOutputDir(explicit, projectRoot string) (string, error) {
	dir := explicit
	if dir == "" {
		dir = os.Getenv(OutputDirEnv)
	}
	if dir == "" {
		dir = filepath.Join(projectRoot, "__ai_outputs__")
	}
	return filepath.Abs(dir)
}

// OpenStore creates root if needed and returns a Store over it.
func OpenStore(root string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute output directory.
func (s *Store) Root() string { return s.root }

// InitSession advances the run counter and creates the next run directory.
// Once the counter passes ceiling every run directory is wiped and numbering
// restarts at 1. Afterwards only the newest retention runs are kept.
func (s *Store) InitSession(retention, ceiling int) (RunSession, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if ceiling <= 0 {
		ceiling = DefaultRolloverCeiling
	}

	count := s.readCounter() + 1
	if count > ceiling {
		s.logger.Warn("run counter passed rollover ceiling, wiping all runs",
			zap.Int("ceiling", ceiling), zap.String("root", s.root))
		for _, run := range s.listRuns() {
			if err := os.RemoveAll(filepath.Join(s.root, run.name)); err != nil {
				s.logger.Warn("failed to remove run directory", zap.String("run", run.name), zap.Error(err))
			}
		}
		count = 1
	}

	if err := os.WriteFile(filepath.Join(s.root, counterFile), []byte(strconv.Itoa(count)), 0o644); err != nil {
		return RunSession{}, fmt.Errorf("persist run counter: %w", err)
	}

	run := RunSession{
		ID:       runID(count),
		Sequence: count,
		BaseDir:  filepath.Join(s.root, runID(count)),
	}
	for _, dir := range []string{run.BaseDir, run.BackupDir(), run.DiffDir(), run.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return RunSession{}, fmt.Errorf("create run directory: %w", err)
		}
	}

	s.evict(retention)
	s.logger.Debug("run session initialised", zap.String("run_id", run.ID), zap.String("dir", run.BaseDir))
	return run, nil
}

// PreviousSummaryPath returns the run_summary.json of the run numbered one
// below run, or "" when that file does not exist.
func (s *Store) PreviousSummaryPath(run RunSession) string {
	if run.Sequence <= 1 {
		return ""
	}
	path := filepath.Join(s.root, runID(run.Sequence-1), "run_summary.json")
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return ""
	}
	return path
}

func (s *Store) readCounter() int {
	raw, err := os.ReadFile(filepath.Join(s.root, counterFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("unreadable run counter, starting from 0", zap.Error(err))
		}
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n < 0 {
		s.logger.Warn("corrupt run counter, starting from 0", zap.String("content", string(raw)))
		return 0
	}
	return n
}

type runDir struct {
	name string
	seq  int
}

// listRuns returns run_* directories ordered by sequence number. Names that
// do not parse sort first so they are evicted before real runs.
func (s *Store) listRuns() []runDir {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var runs []runDir
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), runPrefix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(e.Name(), runPrefix))
		if err != nil {
			seq = -1
		}
		runs = append(runs, runDir{name: e.Name(), seq: seq})
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].seq != runs[j].seq {
			return runs[i].seq < runs[j].seq
		}
		return runs[i].name < runs[j].name
	})
	return runs
}

func (s *Store) evict(retention int) {
	runs := s.listRuns()
	if len(runs) <= retention {
		return
	}
	for _, run := range runs[:len(runs)-retention] {
		if err := os.RemoveAll(filepath.Join(s.root, run.name)); err != nil {
			s.logger.Warn("failed to evict run directory", zap.String("run", run.name), zap.Error(err))
			continue
		}
		s.logger.Debug("evicted run directory", zap.String("run", run.name))
	}
}

func runID(seq int) string {
	return fmt.Sprintf("%s%03d", runPrefix, seq)
}
