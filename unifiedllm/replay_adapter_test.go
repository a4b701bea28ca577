package unifiedllm

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCannedKey(t *testing.T) {
	msgs := []Message{
		SystemMessage("never hashed"),
		UserMessage("context"),
		UserMessage("fix the calculator"),
		AssistantMessage("done"),
	}
	sum := sha1.Sum([]byte("usercontextuserfix the calculatormodeldone"))
	if got, want := CannedKey(msgs), hex.EncodeToString(sum[:]); got != want {
		t.Errorf("CannedKey = %s, want %s", got, want)
	}
}

func TestReplayAdapterMissing(t *testing.T) {
	adapter := NewReplayAdapter(t.TempDir())
	_, err := adapter.Complete(context.Background(), Request{Messages: []Message{UserMessage("hi")}})

	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
	if d, _ := DefaultBackoff().Decide(err); d != DecisionStop {
		t.Errorf("expected a missing canned response to stop the run, got %v", d)
	}
}

func TestRecordThenReplay(t *testing.T) {
	dir := t.TempDir()
	live := newMockAdapter("gemini", "recorded answer")
	recorder := NewClient(
		WithProvider("gemini", live),
		WithMiddleware(RecordMiddleware(dir)),
	)
	req := Request{Model: DefaultModel, Messages: []Message{UserMessage("what does main.py do?")}}

	if _, err := recorder.Complete(context.Background(), req); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "response_"+CannedKey(req.Messages)+".json")); err != nil {
		t.Fatalf("expected canned file: %v", err)
	}

	replay := NewClient(WithProvider("replay", NewReplayAdapter(dir)))
	resp, err := replay.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if resp.Text() != "recorded answer" {
		t.Errorf("expected recorded text, got %q", resp.Text())
	}
	if resp.Provider != "replay" {
		t.Errorf("expected provider replay, got %q", resp.Provider)
	}
}

func TestRecordMiddlewareSkipsFailures(t *testing.T) {
	dir := t.TempDir()
	failing := newMockAdapter("gemini", "")
	failing.err = errors.New("boom")
	client := NewClient(WithProvider("gemini", failing), WithMiddleware(RecordMiddleware(dir)))

	if _, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("x")}}); err == nil {
		t.Fatal("expected the provider error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected nothing recorded, got %d files", len(entries))
	}
}

func TestReplayAdapterCorruptFile(t *testing.T) {
	dir := t.TempDir()
	msgs := []Message{UserMessage("x")}
	if err := os.WriteFile(CannedPath(dir, msgs), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewReplayAdapter(dir).Complete(context.Background(), Request{Messages: msgs})
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
}
