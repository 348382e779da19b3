// Package tools is the built-in catalogue of tools and resources served to
// every session.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/agentuity/mcp-sse/mcp/server"
	"github.com/agentuity/mcp-sse/mcp/types"
	"github.com/agentuity/mcp-sse/sys"
	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	SelectionsKey = "selections"

	DefaultSlotMinutes = 30
	minSlotMinutes     = 15
	maxSlotMinutes     = 480
)

// Selection is one time slot picked during a conversation.
type Selection struct {
	Date       string `json:"date"`
	Time       string `json:"time"`
	Duration   int    `json:"duration"`
	SelectedAt string `json:"selectedAt"`
}

// ErrForeignSession is returned when a session asks for another session's context.
var ErrForeignSession = errors.New("session not found")

type Deps struct {
	// Sessions returns the number of live sessions.
	Sessions func() int
	Now      func() time.Time
	Started  time.Time
	Version  string
}

// Register adds the catalogue to reg. The caller seals the registry.
func Register(reg *server.Registry, deps Deps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Started.IsZero() {
		deps.Started = deps.Now()
	}
	c := &catalogue{deps: deps}

	for _, tool := range []server.Tool{
		{
			Name:        "echo",
			Description: "Echo back the message",
			InputSchema: types.InputSchema{
				Type:       "object",
				Properties: map[string]*types.InputSchema{"message": {Type: "string", Description: "Text to echo"}},
				Required:   []string{"message"},
			},
			Annotations: &types.ToolAnnotations{ReadOnlyHint: true},
			Handler:     c.echo,
		},
		{
			Name:        "get_current_time",
			Description: "Current time in RFC3339, optionally in an IANA timezone",
			InputSchema: types.InputSchema{
				Type:       "object",
				Properties: map[string]*types.InputSchema{"timezone": {Type: "string", Description: "IANA zone such as Europe/Berlin"}},
			},
			Annotations: &types.ToolAnnotations{ReadOnlyHint: true},
			Handler:     c.currentTime,
		},
		{
			Name:        "select_time_slot",
			Description: "Add a meeting slot to the selections for this conversation",
			InputSchema: types.InputSchema{
				Type: "object",
				Properties: map[string]*types.InputSchema{
					"date":     {Type: "string", Pattern: `^\d{4}-\d{2}-\d{2}$`, Description: "YYYY-MM-DD"},
					"time":     {Type: "string", Pattern: `^\d{2}:\d{2}$`, Description: "HH:MM, 24 hour"},
					"duration": {Type: "integer", Minimum: sys.Ptr[float64](minSlotMinutes), Maximum: sys.Ptr[float64](maxSlotMinutes), Description: "minutes"},
				},
				Required: []string{"date", "time"},
			},
			Handler: c.selectSlot,
		},
		{
			Name:        "list_selections",
			Description: "List the slots selected in this conversation",
			InputSchema: types.InputSchema{Type: "object"},
			Annotations: &types.ToolAnnotations{ReadOnlyHint: true},
			Handler:     c.listSelections,
		},
		{
			Name:        "clear_selections",
			Description: "Forget every selected slot",
			InputSchema: types.InputSchema{Type: "object"},
			Annotations: &types.ToolAnnotations{DestructiveHint: true},
			Handler:     c.clearSelections,
		},
	} {
		if err := reg.AddTool(tool); err != nil {
			return err
		}
	}

	if err := reg.AddResource(server.Resource{
		URI:         "server://status",
		Name:        "Server status",
		Description: "Process and session statistics",
		MimeType:    "application/json",
		Handler:     c.status,
	}); err != nil {
		return err
	}
	return reg.AddResourceTemplate(server.ResourceTemplate{
		URITemplate: "session://{connectionId}/context",
		Name:        "Session context",
		Description: "The conversation context of the calling connection",
		MimeType:    "application/json",
		Handler:     c.sessionContext,
	})
}

type catalogue struct {
	deps Deps
}

func (c *catalogue) echo(ctx context.Context, req *server.ToolRequest) (*types.CallToolResult, error) {
	var args struct {
		Message string `json:"message"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	return types.ToolText(args.Message), nil
}

func (c *catalogue) currentTime(ctx context.Context, req *server.ToolRequest) (*types.CallToolResult, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	now := c.deps.Now()
	if args.Timezone != "" {
		loc, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return nil, errors.Newf("unknown timezone %q", args.Timezone)
		}
		now = now.In(loc)
	} else {
		now = now.UTC()
	}
	return types.ToolText(now.Format(time.RFC3339)), nil
}

func loadSelections(bag *server.Context) ([]Selection, error) {
	var selections []Selection
	if _, err := bag.Get(SelectionsKey, &selections); err != nil {
		return nil, err
	}
	return selections, nil
}

func (c *catalogue) selectSlot(ctx context.Context, req *server.ToolRequest) (*types.CallToolResult, error) {
	var args struct {
		Date     string `json:"date"`
		Time     string `json:"time"`
		Duration int    `json:"duration"`
	}
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	if _, err := time.Parse("2006-01-02 15:04", args.Date+" "+args.Time); err != nil {
		return nil, errors.Newf("invalid slot %s %s", args.Date, args.Time)
	}
	if args.Duration == 0 {
		args.Duration = DefaultSlotMinutes
	}
	selections, err := loadSelections(req.Context)
	if err != nil {
		return nil, err
	}
	sel := Selection{
		Date:       args.Date,
		Time:       args.Time,
		Duration:   args.Duration,
		SelectedAt: c.deps.Now().UTC().Format(time.RFC3339),
	}
	replaced := false
	for i, existing := range selections {
		if existing.Date == sel.Date && existing.Time == sel.Time {
			selections[i] = sel
			replaced = true
		}
	}
	if !replaced {
		selections = append(selections, sel)
	}
	sort.Slice(selections, func(i, j int) bool {
		return selections[i].Date+selections[i].Time < selections[j].Date+selections[j].Time
	})
	if err := req.Context.Set(SelectionsKey, selections); err != nil {
		return nil, err
	}
	return types.ToolText(fmt.Sprintf("Selected %s at %s for %d minutes (%d selected)", sel.Date, sel.Time, sel.Duration, len(selections))), nil
}

func (c *catalogue) listSelections(ctx context.Context, req *server.ToolRequest) (*types.CallToolResult, error) {
	selections, err := loadSelections(req.Context)
	if err != nil {
		return nil, err
	}
	if len(selections) == 0 {
		return types.ToolText("No time slots selected"), nil
	}
	buf, err := json.Marshal(selections)
	if err != nil {
		return nil, err
	}
	return types.ToolText(string(buf)), nil
}

func (c *catalogue) clearSelections(ctx context.Context, req *server.ToolRequest) (*types.CallToolResult, error) {
	selections, err := loadSelections(req.Context)
	if err != nil {
		return nil, err
	}
	req.Context.Delete(SelectionsKey)
	return types.ToolText(fmt.Sprintf("Cleared %d selections", len(selections))), nil
}

// Status is the body of server://status.
type Status struct {
	Version        string  `json:"version,omitempty"`
	PID            int     `json:"pid"`
	UptimeSeconds  int64   `json:"uptimeSeconds"`
	ActiveSessions int     `json:"activeSessions"`
	Goroutines     int     `json:"goroutines"`
	RSSBytes       uint64  `json:"rssBytes"`
	CPUPercent     float64 `json:"cpuPercent"`
}

func (c *catalogue) status(ctx context.Context, req *server.ResourceRequest) ([]types.ResourceContents, error) {
	st := Status{
		Version:       c.deps.Version,
		PID:           os.Getpid(),
		UptimeSeconds: int64(c.deps.Now().Sub(c.deps.Started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if c.deps.Sessions != nil {
		st.ActiveSessions = c.deps.Sessions()
	}
	proc, err := process.NewProcessWithContext(ctx, int32(st.PID))
	if err != nil {
		return nil, errors.Wrap(err, "inspecting process")
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	buf, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return []types.ResourceContents{{URI: req.URI, MimeType: "application/json", Text: string(buf)}}, nil
}

func (c *catalogue) sessionContext(ctx context.Context, req *server.ResourceRequest) ([]types.ResourceContents, error) {
	id := req.Params["connectionId"]
	if id != req.SessionID {
		return nil, errors.Wrapf(ErrForeignSession, "%s", id)
	}
	var values map[string]json.RawMessage
	if req.Context != nil {
		values = req.Context.Snapshot()
	}
	if values == nil {
		values = map[string]json.RawMessage{}
	}
	buf, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return []types.ResourceContents{{URI: req.URI, MimeType: "application/json", Text: string(buf)}}, nil
}
