package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/query"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

// Tool name constants.
const (
	ToolNameLog    = "forgemirror_log"
	ToolNameCommit = "forgemirror_commit"
	ToolNameTree   = "forgemirror_tree"
)

// Input limits.
const (
	// DefaultLogCount is the page size when count is omitted.
	DefaultLogCount = 20
	// MaxLogCount caps the page size.
	MaxLogCount = 500
	// MaxBlobBytes is the largest file content returned by forgemirror_tree (1 MB).
	MaxBlobBytes = 1 << 20
)

// Sentinel errors for tool input validation.
var (
	// ErrEmptyRepository indicates the repository parameter is empty.
	ErrEmptyRepository = errors.New("repository parameter is required and must not be empty")
	// ErrNegativeSkip indicates skip is below zero.
	ErrNegativeSkip = errors.New("skip must not be negative")
	// ErrBlobTooLarge indicates the file exceeds MaxBlobBytes.
	ErrBlobTooLarge = errors.New("file exceeds maximum size")
	// ErrBinaryBlob indicates the file is not valid UTF-8 text.
	ErrBinaryBlob = errors.New("file is binary")
)

// LogInput is the input schema for the forgemirror_log tool.
type LogInput struct {
	Repository string   `json:"repository"      jsonschema:"name of the indexed repository"`
	Seeds      []string `json:"seeds,omitempty" jsonschema:"revisions to start from (default: the default head)"`
	Skip       int      `json:"skip,omitempty"  jsonschema:"number of commits to skip"`
	Count      int      `json:"count,omitempty" jsonschema:"number of commits to return (default 20, max 500)"`
}

// CommitInput is the input schema for the forgemirror_commit tool.
type CommitInput struct {
	Repository string `json:"repository"        jsonschema:"name of the indexed repository"`
	Rev        string `json:"rev,omitempty"     jsonschema:"commit id, ref name or revision expression (default: the default head)"`
	Context    bool   `json:"context,omitempty" jsonschema:"include parents and in-repository children"`
}

// TreeInput is the input schema for the forgemirror_tree tool.
type TreeInput struct {
	Repository string `json:"repository"     jsonschema:"name of the indexed repository"`
	Rev        string `json:"rev,omitempty"  jsonschema:"commit id or ref name (default: HEAD)"`
	Path       string `json:"path,omitempty" jsonschema:"slash-separated path (default: the root directory)"`
}

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

// CommitSummary is one line of forgemirror_log output.
type CommitSummary struct {
	OID     string    `json:"oid"`
	Short   string    `json:"short"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
	Summary string    `json:"summary"`
}

// LogOutput is the forgemirror_log result.
type LogOutput struct {
	Commits  []CommitSummary `json:"commits"`
	Frontier []string        `json:"frontier"`
}

// CommitOutput is the forgemirror_commit result.
type CommitOutput struct {
	Commit *store.Commit `json:"commit"`
	Short  string        `json:"short"`
	Prev   []string      `json:"prev,omitempty"`
	Next   []string      `json:"next,omitempty"`
}

// TreeOutput is the forgemirror_tree result: entries for a directory, or
// content for a file.
type TreeOutput struct {
	Path    string        `json:"path"`
	OID     string        `json:"oid"`
	Type    string        `json:"type"`
	Entries []query.Entry `json:"entries,omitempty"`
	Content string        `json:"content,omitempty"`
}

func (s *Server) handleLog(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input LogInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.Repository == "" {
		return errorResult(ErrEmptyRepository)
	}

	if input.Skip < 0 {
		return errorResult(ErrNegativeSkip)
	}

	count := input.Count
	if count <= 0 {
		count = DefaultLogCount
	}

	count = min(count, MaxLogCount)

	page, err := s.query.Log(ctx, input.Repository, input.Seeds, input.Skip, count)
	if err != nil {
		return errorResult(err)
	}

	out := LogOutput{Commits: make([]CommitSummary, 0, len(page.IDs)), Frontier: page.Frontier}

	for _, oid := range page.IDs {
		commit, err := s.query.Commit(ctx, input.Repository, oid)
		if err != nil {
			return errorResult(err)
		}

		out.Commits = append(out.Commits, CommitSummary{
			OID:     commit.OID,
			Short:   query.ShortID(commit.OID),
			Author:  commit.Author.Name,
			When:    commit.Author.When,
			Summary: commit.Summary(),
		})
	}

	return jsonResult(out)
}

func (s *Server) handleCommit(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input CommitInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.Repository == "" {
		return errorResult(ErrEmptyRepository)
	}

	var (
		commit *store.Commit
		err    error
	)

	if input.Rev == "" {
		commit, err = s.query.Latest(ctx, input.Repository)
	} else {
		commit, err = s.query.Commit(ctx, input.Repository, input.Rev)
	}

	if err != nil {
		return errorResult(err)
	}

	out := CommitOutput{Commit: commit, Short: query.ShortID(commit.OID)}

	if input.Context {
		neighbours, err := s.query.CommitContext(ctx, input.Repository, commit.OID)
		if err != nil {
			return errorResult(err)
		}

		out.Prev, out.Next = neighbours.Prev, neighbours.Next
	}

	return jsonResult(out)
}

func (s *Server) handleTree(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input TreeInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.Repository == "" {
		return errorResult(ErrEmptyRepository)
	}

	rev := input.Rev
	if rev == "" {
		rev = "HEAD"
	}

	entry, err := s.query.GetPath(ctx, input.Repository, rev, input.Path)
	if err != nil {
		return errorResult(err)
	}

	out := TreeOutput{Path: input.Path, OID: entry.OID, Type: string(entry.Type)}

	switch entry.Type {
	case backend.EntryTree:
		out.Entries, err = s.query.TreeEntries(ctx, input.Repository, entry.OID)
		if err != nil {
			return errorResult(err)
		}
	case backend.EntryBlob:
		out.Content, err = s.readBlob(ctx, input.Repository, rev, input.Path)
		if err != nil {
			return errorResult(err)
		}
	}

	return jsonResult(out)
}

func (s *Server) readBlob(ctx context.Context, repo, rev, p string) (string, error) {
	rc, err := s.query.OpenBlob(ctx, repo, rev, p)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxBlobBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}

	if len(data) > MaxBlobBytes {
		return "", fmt.Errorf("%w: %s (max %d bytes)", ErrBlobTooLarge, p, MaxBlobBytes)
	}

	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s", ErrBinaryBlob, p)
	}

	return string(data), nil
}

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}
