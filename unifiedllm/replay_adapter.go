package unifiedllm

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ReplayAdapter answers requests from canned responses stored on disk, one
// JSON-encoded Response per conversation, named after CannedKey.
type ReplayAdapter struct {
	dir string
}

// NewReplayAdapter returns an adapter reading canned responses from dir.
func NewReplayAdapter(dir string) *ReplayAdapter {
	return &ReplayAdapter{dir: dir}
}

// Name returns the provider identifier.
func (a *ReplayAdapter) Name() string { return "replay" }

// Complete loads the canned response for req. A missing file is a
// NotFoundError.
func (a *ReplayAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}

	path := CannedPath(a.dir, req.Messages)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{ProviderError: ProviderError{
			SDKError:   SDKError{Message: "canned response not found: " + path, Cause: err},
			Provider:   a.Name(),
			StatusCode: 404,
		}}
	}
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "read canned response " + path, Cause: err}}
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "decode canned response " + path, Cause: err}}
	}
	if resp.ID == "" {
		resp.ID = "resp_" + uuid.New().String()[:8]
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	resp.Provider = a.Name()
	resp.Message.Role = RoleAssistant
	return &resp, nil
}

// CannedKey hashes a conversation the way canned responses are named: the
// sha1 of every non-system message's wire role followed by its text parts.
// Wire roles are "user", "model" and "tool".
func CannedKey(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		sb.WriteString(wireRole(m.Role))
		for _, p := range m.Content {
			if p.Kind == ContentText {
				sb.WriteString(p.Text)
			}
		}
	}
	sum := sha1.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// CannedPath is the file holding the canned response for msgs.
func CannedPath(dir string, msgs []Message) string {
	return filepath.Join(dir, "response_"+CannedKey(msgs)+".json")
}

func wireRole(r Role) string {
	if r == RoleAssistant {
		return "model"
	}
	return string(r)
}

// RecordMiddleware stores every successful response under dir so that a
// later run can replay the conversation offline.
func RecordMiddleware(dir string) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		resp, err := next(ctx, req)
		if err != nil {
			return resp, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return resp, fmt.Errorf("record canned response: %w", err)
		}
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return resp, fmt.Errorf("record canned response: %w", err)
		}
		if err := os.WriteFile(CannedPath(dir, req.Messages), data, 0o644); err != nil {
			return resp, fmt.Errorf("record canned response: %w", err)
		}
		return resp, nil
	}
}
