// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the signed-in user's items for LLM integration via stdio transport.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/models"
	"github.com/starford/larder/internal/tracker"
	"github.com/starford/larder/internal/transfer"
)

const itemFormatURI = "larder://item-format"

// Sessions returns the live session of the signed-in user.
type Sessions interface {
	Session(ctx context.Context) (*tracker.Session, error)
}

// Server wraps the MCP server with item tools.
type Server struct {
	mcp      *server.MCPServer
	sessions Sessions
}

// New creates a new MCP server with all item tools registered.
func New(sessions Sessions) *Server {
	s := &Server{sessions: sessions}

	s.mcp = server.NewMCPServer(
		"Larder",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_items",
		mcp.WithDescription("List the signed-in user's items, soonest expiry first."),
		mcp.WithString("filter", mcp.Description("Status filter"), mcp.Enum("all", "expiring_soon", "expired")),
		mcp.WithString("query", mcp.Description("Optional text matched against name, category and notes")),
	), s.listItems)

	s.mcp.AddTool(mcp.NewTool("get_counts",
		mcp.WithDescription("Count all, expiring-soon and expired items."),
	), s.getCounts)

	s.mcp.AddTool(mcp.NewTool("add_item",
		mcp.WithDescription("Add an item. Read the format first via the get_item_format tool "+
			"or the "+itemFormatURI+" resource."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Item name")),
		mcp.WithString("expiry_date", mcp.Required(), mcp.Description("Expiry date, YYYY-MM-DD")),
		mcp.WithString("category", mcp.Description("Optional category")),
		mcp.WithString("notes", mcp.Description("Optional notes")),
		mcp.WithNumber("quantity", mcp.Description("Positive quantity, default 1")),
	), s.addItem)

	s.mcp.AddTool(mcp.NewTool("delete_item",
		mcp.WithDescription("Delete an item by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Item id")),
	), s.deleteItem)

	s.mcp.AddTool(mcp.NewTool("export_items",
		mcp.WithDescription("Export every item as a JSON or YAML document."),
		mcp.WithString("format", mcp.Description("Document format"), mcp.Enum("json", "yaml")),
	), s.exportItems)

	s.mcp.AddTool(mcp.NewTool("attach_image",
		mcp.WithDescription("Download an image (http(s) URL or base64 data URI) and attach it to an item. "+
			"Supported formats: png, jpeg, gif, webp."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Item id")),
		mcp.WithString("url", mcp.Required(), mcp.Description("Image URL or data URI")),
	), s.attachImage)

	s.mcp.AddTool(mcp.NewTool("get_item_format",
		mcp.WithDescription("Returns the item format and expiry rules."),
	), s.getItemFormat)

	s.mcp.AddResource(
		mcp.NewResource(itemFormatURI, "Item Format",
			mcp.WithResourceDescription("Item fields, expiry status rules and the import document format."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readItemFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(apperr.Notice(err))
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func (s *Server) listItems(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.sessions.Session(ctx)
	if err != nil {
		return toolError(err), nil
	}
	items, err := sess.List(ctx, itemstore.ParseFilter(req.GetString("filter", "")), req.GetString("query", ""))
	if err != nil {
		return toolError(err), nil
	}
	if items == nil {
		items = []models.Item{}
	}
	return jsonResult(items), nil
}

func (s *Server) getCounts(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.sessions.Session(ctx)
	if err != nil {
		return toolError(err), nil
	}
	counts, err := sess.Counts(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(counts), nil
}

func (s *Server) addItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawDate, err := req.RequireString("expiry_date")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	date, err := models.ParseDate(rawDate)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("expiry_date: %v", err)), nil
	}

	sess, err := s.sessions.Session(ctx)
	if err != nil {
		return toolError(err), nil
	}
	it, err := sess.Add(ctx, models.ItemInput{
		Name:       name,
		ExpiryDate: date,
		Category:   req.GetString("category", ""),
		Notes:      req.GetString("notes", ""),
		Quantity:   req.GetInt("quantity", 0),
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(it), nil
}

func (s *Server) deleteItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.sessions.Session(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if err := sess.Delete(ctx, id); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted: %s", id)), nil
}

func (s *Server) exportItems(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f, err := transfer.ParseFormat(req.GetString("format", ""))
	if err != nil {
		return toolError(err), nil
	}
	sess, err := s.sessions.Session(ctx)
	if err != nil {
		return toolError(err), nil
	}
	var buf bytes.Buffer
	if err := sess.Export(ctx, &buf, f); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}

func (s *Server) getItemFormat(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ItemFormatContract), nil
}

func (s *Server) readItemFormatResource(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      itemFormatURI,
			MIMEType: "text/markdown",
			Text:     ItemFormatContract,
		},
	}, nil
}
