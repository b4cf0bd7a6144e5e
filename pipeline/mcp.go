package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/moisson/catalog"
	"github.com/hazyhaar/moisson/kit"
	"github.com/hazyhaar/moisson/provision"
)

// RegisterMCP registers the extraction tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerScrapeTool(srv)
	s.registerStructureTool(srv)
	s.registerStatusTool(srv)
	s.registerCreateProjectTool(srv)
	s.registerExportTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// --- scrape ---

type scrapeReq struct {
	URL            string `json:"url"`
	ExtractionName string `json:"extraction_name"`
	OwnerID        string `json:"owner_id"`
	SourceType     string `json:"source_type"`
	SourceName     string `json:"source_name"`
}

func (s *Service) registerScrapeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "moisson_scrape",
		Description: "Queue a URL for fetching and raw persistence under a named extraction.",
		InputSchema: inputSchema(map[string]any{
			"url":             map[string]any{"type": "string", "description": "URL to capture"},
			"extraction_name": map[string]any{"type": "string", "description": "Extraction this capture belongs to"},
			"owner_id":        map[string]any{"type": "string", "description": "External owner identity"},
			"source_type":     map[string]any{"type": "string"},
			"source_name":     map[string]any{"type": "string"},
		}, []string{"url", "extraction_name", "owner_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*scrapeReq)
		id, err := s.EnqueueFetch(ctx, FetchJob{
			URL:            r.URL,
			ExtractionName: r.ExtractionName,
			OwnerID:        r.OwnerID,
			SourceType:     r.SourceType,
			SourceName:     r.SourceName,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"job_id": id}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[scrapeReq])
}

// --- structure ---

type structureReq struct {
	ExtractionID string `json:"extraction_id"`
	ProjectID    string `json:"project_id"`
}

func (s *Service) registerStructureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "moisson_structure",
		Description: "Queue a structuring run: raw records of an extraction become typed rows of a project.",
		InputSchema: inputSchema(map[string]any{
			"extraction_id": map[string]any{"type": "string"},
			"project_id":    map[string]any{"type": "string"},
		}, []string{"extraction_id", "project_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*structureReq)
		id, err := s.EnqueueStructuring(ctx, StructuringJob{
			ExtractionID: r.ExtractionID,
			ProjectID:    r.ProjectID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"job_id": id}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[structureReq])
}

// --- status ---

type statusReq struct {
	ExtractionID string `json:"extraction_id"`
}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "moisson_status",
		Description: "Report the current status of an extraction and its latest run report.",
		InputSchema: inputSchema(map[string]any{
			"extraction_id": map[string]any{"type": "string"},
		}, []string{"extraction_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*statusReq)
		ext, err := s.deps.Catalog.ExtractionByID(ctx, r.ExtractionID)
		if err != nil {
			return nil, err
		}
		reports, err := s.deps.Catalog.ListRunReports(ctx, ext.ID, 1)
		if err != nil {
			return nil, err
		}
		resp := map[string]any{"extraction": ext}
		if len(reports) > 0 {
			resp["last_report"] = reports[0]
		}
		return resp, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[statusReq])
}

// --- create project ---

type createProjectReq struct {
	OwnerID     string                 `json:"owner_id"`
	Name        string                 `json:"name"`
	Collections []provision.Collection `json:"collections"`
}

func (s *Service) registerCreateProjectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "moisson_create_project",
		Description: "Provision a project: one table per declared collection, atomically.",
		InputSchema: inputSchema(map[string]any{
			"owner_id": map[string]any{"type": "string"},
			"name":     map[string]any{"type": "string"},
			"collections": map[string]any{
				"type":        "array",
				"description": "Collection definitions: name, fields, primary_field",
			},
		}, []string{"owner_id", "name", "collections"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*createProjectReq)
		user, err := s.deps.Catalog.EnsureUser(ctx, r.OwnerID, "")
		if err != nil {
			return nil, err
		}
		proj, desc, err := s.deps.Provisioner.CreateProject(ctx, user.ID, r.Name, r.Collections)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"project":           proj,
			"dataLabels":        desc.DataLabels,
			"fieldDescriptions": desc.FieldDescriptions,
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[createProjectReq])
}

// --- export ---

type exportReq struct {
	ProjectID string `json:"project_id"`
}

func (s *Service) registerExportTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "moisson_export",
		Description: "Export the active collection of a project as CSV.",
		InputSchema: inputSchema(map[string]any{
			"project_id": map[string]any{"type": "string"},
		}, []string{"project_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*exportReq)
		proj, err := s.deps.Catalog.ProjectByID(ctx, r.ProjectID)
		if err != nil {
			return nil, err
		}
		collections, err := provision.DecodeCollections(proj.CollectionsJSON)
		if err != nil {
			return nil, err
		}
		if len(collections) == 0 {
			return nil, fmt.Errorf("pipeline: project %s has no collections: %w",
				proj.ID, catalog.ErrNotFound)
		}
		csv, err := s.deps.Provisioner.ExportCSV(ctx, proj, collections[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{"csv": csv}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[exportReq])
}

// decodeInto unmarshals tool arguments into a typed request.
func decodeInto[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	return &kit.MCPDecodeResult{Request: &r, EnrichCtx: func(ctx context.Context) context.Context {
		return kit.WithTransport(ctx, "mcp")
	}}, nil
}
