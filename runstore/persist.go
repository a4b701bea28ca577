package runstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Outcome is the end-of-run classification that decides how the run summary
// is persisted.
type Outcome int

const (
	OutcomeDefault Outcome = iota
	OutcomeProposeRun
	OutcomeAdditional
	OutcomeError
	OutcomeDiscard
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProposeRun:
		return "propose_run"
	case OutcomeAdditional:
		return "Additional_run"
	case OutcomeError:
		return "Error"
	case OutcomeDiscard:
		return "Discard_run"
	default:
		return "Default"
	}
}

// BuildSummary turns a run record into its structured summary.
func BuildSummary(rec RunRecord, outcome Outcome, now time.Time) RunSummary {
	prompt := strings.TrimSpace(rec.Prompt)
	phase := "NONE"
	if outcome == OutcomeProposeRun {
		phase = "PROPOSE"
	}

	calls := rec.Calls
	if len(calls) > MaxCalls {
		calls = calls[len(calls)-MaxCalls:]
	}
	if calls == nil {
		calls = []CallRecord{}
	}
	proposals := rec.Proposals
	if proposals == nil {
		proposals = []Proposal{}
	}

	return RunSummary{
		Header: Header{
			RunID:           rec.RunID,
			TS:              unixSeconds(now),
			Phase:           phase,
			UserPrompt:      prompt,
			UserPromptLen:   utf8.RuneCountInString(prompt),
			UserPromptBrief: Brief(prompt, promptBriefLen),
		},
		Calls:      calls,
		Proposals:  proposals,
		FlowErrors: rec.FlowErrors,
		Assistant:  Assistant{LastText: Brief(rec.LastText, lastTextLen)},
	}
}

// Persist writes run_summary.json (and llm_message) for run according to
// outcome. message describes the failure for OutcomeError.
//
//   - Default, ProposeRun: the run's own summary.
//   - Discard: a byte copy of the previous summary, or nothing.
//   - Error: the previous summary with an additional_runs entry appended.
//   - Additional: previous and current summaries merged, keeping the
//     previous proposals at the top level.
func (s *Store) Persist(run RunSession, outcome Outcome, rec RunRecord, message string) error {
	now := time.Now()
	prevPath := s.PreviousSummaryPath(run)
	log := s.logger.With(zap.String("run_id", run.ID), zap.Stringer("outcome", outcome))

	switch outcome {
	case OutcomeDiscard:
		if prevPath == "" {
			log.Info("discarded run has no previous summary to carry over")
			return nil
		}
		raw, err := os.ReadFile(prevPath)
		if err != nil {
			return fmt.Errorf("persist %s: read previous summary: %w", run.ID, err)
		}
		if err := writeFileAtomic(run.SummaryPath(), raw); err != nil {
			return fmt.Errorf("persist %s: %w", run.ID, err)
		}

	case OutcomeError:
		base := readSummaryMap(prevPath)
		if message == "" {
			message = "Invalid apply; resume from previous proposals."
		}
		runs, _ := base["additional_runs"].([]any)
		base["additional_runs"] = append(runs, map[string]any{
			"run_id":  run.ID,
			"type":    "error",
			"ts":      now.Unix(),
			"message": message,
		})
		if err := writeJSON(run.SummaryPath(), base); err != nil {
			return fmt.Errorf("persist %s: %w", run.ID, err)
		}

	case OutcomeAdditional:
		current := BuildSummary(rec, outcome, now)
		if err := s.writeOwn(run, current, rec.LastText); err != nil {
			return err
		}
		prev := readSummaryMap(prevPath)
		proposals, ok := prev["proposals"]
		if !ok || proposals == nil {
			proposals = []any{}
		}
		merged := mergedSummary{
			Proposals: proposals,
			Header: mergedHeader{
				RunID: run.ID,
				TS:    unixSeconds(now),
				Mode:  OutcomeAdditional.String(),
			},
			PreviousSummary: prev,
			CurrentSummary:  current,
		}
		if err := writeJSON(run.SummaryPath(), merged); err != nil {
			return fmt.Errorf("persist %s: %w", run.ID, err)
		}

	default:
		if err := s.writeOwn(run, BuildSummary(rec, outcome, now), rec.LastText); err != nil {
			return err
		}
	}

	log.Info("run summary persisted", zap.String("path", run.SummaryPath()))
	return nil
}

type mergedHeader struct {
	RunID string  `json:"run_id"`
	TS    float64 `json:"ts"`
	Mode  string  `json:"mode"`
}

type mergedSummary struct {
	Proposals       any            `json:"proposals"`
	Header          mergedHeader   `json:"header"`
	PreviousSummary map[string]any `json:"previous_summary"`
	CurrentSummary  RunSummary     `json:"current_summary"`
}

func (s *Store) writeOwn(run RunSession, summary RunSummary, lastText string) error {
	if err := writeJSON(run.SummaryPath(), summary); err != nil {
		return fmt.Errorf("persist %s: %w", run.ID, err)
	}
	if err := writeFileAtomic(run.MessagePath(), []byte(lastText)); err != nil {
		return fmt.Errorf("persist %s: %w", run.ID, err)
	}
	return nil
}

// readSummaryMap decodes the summary at path, yielding an empty map when the
// file is absent or unreadable.
func readSummaryMap(path string) map[string]any {
	m := map[string]any{}
	if path == "" {
		return m
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func writeJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
