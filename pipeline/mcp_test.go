package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/moisson/catalog"
)

var testMCPImpl = &mcp.Implementation{Name: "moisson-test", Version: "0.1.0"}

func mcpSession(t *testing.T, h *harness) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	h.svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func TestMCP_Scrape(t *testing.T) {
	h := newHarness(t)
	session := mcpSession(t, h)

	text := mcpCallTool(t, session, "moisson_scrape", map[string]any{
		"url":             "https://shop.example",
		"extraction_name": "shops",
		"owner_id":        "mcp-owner",
	})

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("expected a job id")
	}

	job, err := h.svc.fetchQ.Claim(context.Background())
	if err != nil || job == nil {
		t.Fatalf("fetch queue empty: %v", err)
	}
	var fj FetchJob
	if err := json.Unmarshal(job.Payload, &fj); err != nil {
		t.Fatalf("decode fetch job: %v", err)
	}
	if fj.URL != "https://shop.example" || fj.OwnerID != "mcp-owner" {
		t.Errorf("queued job = %+v", fj)
	}
}

func TestMCP_CreateProject(t *testing.T) {
	h := newHarness(t)
	session := mcpSession(t, h)

	text := mcpCallTool(t, session, "moisson_create_project", map[string]any{
		"owner_id": "mcp-owner",
		"name":     "shops",
		"collections": []map[string]any{
			{
				"name":          "shops",
				"primary_field": "name",
				"fields": []map[string]any{
					{"name": "name", "type": "text"},
					{"name": "price", "type": "number"},
				},
			},
		},
	})

	var resp struct {
		Project struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"project"`
		DataLabels        []string          `json:"dataLabels"`
		FieldDescriptions map[string]string `json:"fieldDescriptions"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Project.ID == "" || resp.Project.Status != string(catalog.ProjectActive) {
		t.Errorf("project = %+v", resp.Project)
	}
	if len(resp.DataLabels) != 2 || resp.DataLabels[0] != "name" {
		t.Errorf("data labels = %v", resp.DataLabels)
	}
	if resp.FieldDescriptions["price"] != "number" {
		t.Errorf("field descriptions = %v", resp.FieldDescriptions)
	}
}
