// Package mcpserver registers MCP tools that expose an owner's property
// drafts. Tools are bound to one owner; the HTTP handler builds a server
// per request from the authenticated identity.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cyruslayo/buildr/internal/auth"
	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Drafts is the subset of reconcile.Service the tools use.
type Drafts interface {
	Get(ctx context.Context, ownerID, id string) (*models.Record, error)
	List(ctx context.Context, ownerID string) ([]models.Record, error)
	UpdatePropertyDraft(ctx context.Context, ownerID string, req models.SyncRequest) (models.SyncResponse, error)
}

// NewHandler serves MCP over streamable HTTP. Requests must already carry
// an authenticated user (see auth.Middleware).
func NewHandler(drafts Drafts, version string) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		owner := auth.RequestUserID(r.Context())
		if owner == "" {
			return nil
		}

		server := mcp.NewServer(&mcp.Implementation{Name: "buildr", Version: version}, nil)
		RegisterTools(server, drafts, owner)

		return server
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

// RegisterTools adds all draft tools for ownerID to the given MCP server.
func RegisterTools(server *mcp.Server, drafts Drafts, ownerID string) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "draft_list",
		Description: "List your property landing-page drafts, most recently updated first. Returns id, title, update time and the number of filled fields.",
	}, listHandler(drafts, ownerID))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "draft_get",
		Description: "Read one draft with all of its fields (title, price, location, amenities, images, style, typography, ...).",
	}, getHandler(drafts, ownerID))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "draft_update",
		Description: "Merge fields into a draft, or create a new draft when draft_id is empty. Fails with a conflict if the draft changed since last_modified.",
	}, updateHandler(drafts, ownerID))
}

// --- Input types ---

// ListInput has no parameters.
type ListInput struct{}

// GetInput holds parameters for draft_get.
type GetInput struct {
	DraftID string `json:"draft_id" jsonschema:"the draft id"`
}

// UpdateInput holds parameters for draft_update.
type UpdateInput struct {
	DraftID      string         `json:"draft_id,omitempty" jsonschema:"draft to update, empty to create a new draft"`
	LastModified string         `json:"last_modified,omitempty" jsonschema:"updated_at you last saw (ISO-8601), defaults to the draft's current value"`
	Fields       map[string]any `json:"fields" jsonschema:"fields to merge into the draft"`
}

// --- Output types ---

// DraftSummary is one entry of draft_list.
type DraftSummary struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	UpdatedAt  string `json:"updated_at"`
	FieldCount int    `json:"field_count"`
}

// ListResult is the output of draft_list.
type ListResult struct {
	Drafts []DraftSummary `json:"drafts"`
	Total  int            `json:"total"`
}

// DraftView is the output of draft_get.
type DraftView struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// UpdateResult is the output of draft_update.
type UpdateResult struct {
	Success   bool   `json:"success"`
	DraftID   string `json:"draft_id,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Conflict  bool   `json:"conflict,omitempty"`
	// ServerUpdatedAt is set on conflict: re-read the draft and retry.
	ServerUpdatedAt string `json:"server_updated_at,omitempty"`
}

// --- Handlers ---

func listHandler(d Drafts, owner string) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, *ListResult, error) {
		recs, err := d.List(ctx, owner)
		if err != nil {
			return nil, nil, err
		}

		result := &ListResult{Drafts: make([]DraftSummary, 0, len(recs)), Total: len(recs)}
		for _, r := range recs {
			title, _ := r.Fields[models.FieldTitle].(string)
			result.Drafts = append(result.Drafts, DraftSummary{
				ID:         r.ID,
				Title:      title,
				UpdatedAt:  models.FormatTime(r.UpdatedAt),
				FieldCount: len(r.Fields),
			})
		}

		return textResult(result), result, nil
	}
}

func getHandler(d Drafts, owner string) mcp.ToolHandlerFor[GetInput, *DraftView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, *DraftView, error) {
		if input.DraftID == "" {
			return nil, nil, fmt.Errorf("draft_id is required")
		}

		rec, err := d.Get(ctx, owner, input.DraftID)
		if err != nil {
			return nil, nil, err
		}

		result := view(rec)

		return textResult(result), result, nil
	}
}

func updateHandler(d Drafts, owner string) mcp.ToolHandlerFor[UpdateInput, *UpdateResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UpdateInput) (*mcp.CallToolResult, *UpdateResult, error) {
		if len(input.Fields) == 0 {
			return nil, nil, fmt.Errorf("fields must not be empty")
		}

		req := models.SyncRequest{
			LastModified: models.EpochSentinel,
			PropertyData: models.Fields(input.Fields).Clone(),
		}

		if input.DraftID != "" {
			rec, err := d.Get(ctx, owner, input.DraftID)
			if err != nil && !errors.Is(err, apperrors.ErrDraftNotFound) {
				return nil, nil, err
			}

			if rec != nil {
				// The sync protocol sends full snapshots; merge so the
				// tool can patch.
				merged := rec.Fields.Clone()
				merged.Merge(req.PropertyData)
				req.PropertyData = merged
				req.LastModified = models.FormatTime(rec.UpdatedAt)
			}

			id := input.DraftID
			req.DraftID = &id
		}

		if input.LastModified != "" {
			req.LastModified = input.LastModified
		}

		resp, err := d.UpdatePropertyDraft(ctx, owner, req)
		if err != nil {
			return nil, nil, err
		}

		result := &UpdateResult{
			Success:   resp.Success,
			DraftID:   resp.PropertyID,
			UpdatedAt: resp.UpdatedAt,
			Conflict:  resp.Error == models.ErrorConflict,
		}
		if resp.ServerData != nil {
			result.ServerUpdatedAt = resp.ServerData.UpdatedAt
		}

		return textResult(result), result, nil
	}
}

func view(rec *models.Record) *DraftView {
	return &DraftView{
		ID:        rec.ID,
		Fields:    rec.Fields.Clone(),
		CreatedAt: models.FormatTime(rec.CreatedAt),
		UpdatedAt: models.FormatTime(rec.UpdatedAt),
	}
}

func textResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
