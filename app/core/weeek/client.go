// Package weeek mirrors published tasks into the Weeek task manager. The
// project/board/backlog-column context is provisioned once at startup with
// find-or-create semantics; ticket creation re-resolves the backlog column by
// name on every publish so manual reordering between publishes is tolerated.
package weeek

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const filesFieldName = "Files"

// Names are the remote resource names the synchronizer provisions and reuses.
type Names struct {
	Project string
	Board   string
	Column  string
}

// Context is the resolved provisioning state, established once at startup and
// injected into every later ticket creation.
type Context struct {
	ProjectID int64
	BoardID   int64
}

type Client struct {
	baseURL string
	token   string
	names   Names
	http    *http.Client
}

func NewClient(baseURL, token string, names Names) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		names:   names,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Provision resolves the project, board, and backlog column, creating any
// that are missing and moving the column to the first position. Idempotent:
// the remote service has no notion of this process, so every resource is
// found by name before it is created.
func (c *Client) Provision(ctx context.Context) (Context, error) {
	projectID, err := c.FindOrCreateProject(ctx)
	if err != nil {
		return Context{}, &ProvisioningError{Err: err}
	}
	boardID, err := c.FindOrCreateBoard(ctx, projectID)
	if err != nil {
		return Context{}, &ProvisioningError{Err: err}
	}
	if err := c.EnsureColumnFirst(ctx, boardID); err != nil {
		return Context{}, &ProvisioningError{Err: err}
	}
	return Context{ProjectID: projectID, BoardID: boardID}, nil
}

// FindOrCreateProject returns the id of the named project, creating it when
// absent.
func (c *Client) FindOrCreateProject(ctx context.Context) (int64, error) {
	body, err := c.call(ctx, http.MethodGet, "tm/projects", nil, nil, "list projects")
	if err != nil {
		return 0, err
	}
	for _, p := range gjson.GetBytes(body, "projects").Array() {
		if p.Get("name").String() == c.names.Project {
			return p.Get("id").Int(), nil
		}
	}

	payload := map[string]any{
		"name":        c.names.Project,
		"isPrivate":   false,
		"description": "Automatically created project",
		"portfolioId": nil,
	}
	body, err = c.call(ctx, http.MethodPost, "tm/projects", nil, payload, "create project")
	if err != nil {
		return 0, err
	}
	project := gjson.GetBytes(body, "project")
	if !project.Exists() || !project.Get("id").Exists() {
		return 0, fmt.Errorf("create project: project created but no id returned")
	}
	return project.Get("id").Int(), nil
}

// FindOrCreateBoard returns the id of the named board under the project,
// creating and then re-listing to confirm when absent.
func (c *Client) FindOrCreateBoard(ctx context.Context, projectID int64) (int64, error) {
	params := url.Values{"projectId": {fmt.Sprint(projectID)}}
	body, err := c.call(ctx, http.MethodGet, "tm/boards", params, nil, "list boards")
	if err != nil {
		return 0, err
	}
	if id, ok := findBoard(body, c.names.Board); ok {
		return id, nil
	}

	payload := map[string]any{
		"name":        c.names.Board,
		"projectId":   projectID,
		"description": "Task board",
		"color":       "#3498db",
	}
	if _, err := c.call(ctx, http.MethodPost, "tm/boards", nil, payload, "create board"); err != nil {
		return 0, err
	}

	body, err = c.call(ctx, http.MethodGet, "tm/boards", params, nil, "confirm board")
	if err != nil {
		return 0, err
	}
	if id, ok := findBoard(body, c.names.Board); ok {
		return id, nil
	}
	return 0, fmt.Errorf("create board: board %q not found after creation", c.names.Board)
}

// The boards endpoint has returned the list under "boards", "data", or as a
// bare array depending on API version.
func findBoard(body []byte, name string) (int64, bool) {
	parsed := gjson.ParseBytes(body)
	boards := parsed.Get("boards")
	if !boards.Exists() {
		boards = parsed.Get("data")
	}
	if !boards.Exists() && parsed.IsArray() {
		boards = parsed
	}
	for _, b := range boards.Array() {
		if b.Get("name").String() == name {
			return b.Get("id").Int(), true
		}
	}
	return 0, false
}

// EnsureColumnFirst creates the backlog column when absent and moves it to
// the first position when present elsewhere. Downstream consumers of the
// board expect new tickets to land in the leftmost column.
func (c *Client) EnsureColumnFirst(ctx context.Context, boardID int64) error {
	columns, err := c.boardColumns(ctx, boardID)
	if err != nil {
		return err
	}

	var columnID int64
	found := false
	for _, col := range columns {
		if col.Get("name").String() == c.names.Column {
			columnID = col.Get("id").Int()
			found = true
			break
		}
	}

	if found {
		if len(columns) > 0 && columns[0].Get("id").Int() == columnID {
			return nil
		}
		return c.moveColumnFirst(ctx, columnID)
	}

	payload := map[string]any{
		"name":    c.names.Column,
		"boardId": boardID,
	}
	body, err := c.call(ctx, http.MethodPost, "tm/board-columns", nil, payload, "create column")
	if err != nil {
		return err
	}
	newID := gjson.GetBytes(body, "boardColumn.id")
	if !newID.Exists() {
		return fmt.Errorf("create column: no id returned")
	}
	return c.moveColumnFirst(ctx, newID.Int())
}

func (c *Client) moveColumnFirst(ctx context.Context, columnID int64) error {
	payload := map[string]any{"upperBoardColumnId": nil}
	path := fmt.Sprintf("tm/board-columns/%d/move", columnID)
	_, err := c.call(ctx, http.MethodPost, path, nil, payload, "move column")
	return err
}

func (c *Client) boardColumns(ctx context.Context, boardID int64) ([]gjson.Result, error) {
	params := url.Values{"boardId": {fmt.Sprint(boardID)}}
	body, err := c.call(ctx, http.MethodGet, "tm/board-columns", params, nil, "list columns")
	if err != nil {
		return nil, err
	}
	return gjson.GetBytes(body, "boardColumns").Array(), nil
}

// ResolveColumn finds the backlog column id by name. Absence is a hard
// failure for the current publish only.
func (c *Client) ResolveColumn(ctx context.Context, boardID int64) (int64, error) {
	columns, err := c.boardColumns(ctx, boardID)
	if err != nil {
		return 0, err
	}
	for _, col := range columns {
		if col.Get("name").String() == c.names.Column {
			return col.Get("id").Int(), nil
		}
	}
	return 0, fmt.Errorf("backlog column %q not found", c.names.Column)
}

// CreateTicket mirrors one published task. It re-resolves the backlog
// column, creates a minimal ticket, fetches its full representation, and
// writes the rename log into the "Files" custom field. When the custom-field
// step fails after the ticket exists, the ticket id is returned together
// with the error so the caller can keep the id and surface a warning.
func (c *Client) CreateTicket(ctx context.Context, pc Context, title, description, filesInfo string) (int64, error) {
	columnID, err := c.ResolveColumn(ctx, pc.BoardID)
	if err != nil {
		return 0, &TicketCreateError{Err: err}
	}

	payload := map[string]any{
		"title":       title,
		"description": description,
		"locations": []map[string]any{{
			"projectId":     pc.ProjectID,
			"boardColumnId": columnID,
		}},
		"type": "action",
	}
	body, err := c.call(ctx, http.MethodPost, "tm/tasks", nil, payload, "create ticket")
	if err != nil {
		return 0, &TicketCreateError{Err: err}
	}
	ticketID := gjson.GetBytes(body, "task.id")
	if !ticketID.Exists() {
		return 0, &TicketCreateError{Err: fmt.Errorf("create ticket: no id returned")}
	}
	id := ticketID.Int()

	taskJSON, err := c.getTicketRaw(ctx, id)
	if err != nil {
		return id, &TicketCreateError{Err: err}
	}
	if err := c.setFilesField(ctx, id, taskJSON, filesInfo); err != nil {
		return id, &TicketCreateError{Err: err}
	}
	return id, nil
}

// GetTicket fetches the full remote representation of a ticket.
func (c *Client) GetTicket(ctx context.Context, ticketID int64) (gjson.Result, error) {
	raw, err := c.getTicketRaw(ctx, ticketID)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(raw), nil
}

func (c *Client) getTicketRaw(ctx context.Context, ticketID int64) ([]byte, error) {
	path := fmt.Sprintf("tm/tasks/%d", ticketID)
	body, err := c.call(ctx, http.MethodGet, path, nil, nil, fmt.Sprintf("get ticket %d", ticketID))
	if err != nil {
		return nil, err
	}
	task := gjson.GetBytes(body, "task")
	if !task.Exists() {
		return nil, fmt.Errorf("get ticket %d: missing task body", ticketID)
	}
	return []byte(task.Raw), nil
}

// setFilesField finds or creates the "Files" text custom field and updates
// the ticket with the rename log. The update payload is carved out of the
// fetched ticket JSON so title, type, and locations round-trip unchanged.
func (c *Client) setFilesField(ctx context.Context, ticketID int64, taskJSON []byte, filesInfo string) error {
	fieldID := ""
	for _, f := range gjson.GetBytes(taskJSON, "customFields").Array() {
		if f.Get("name").String() == filesFieldName {
			fieldID = f.Get("id").String()
			break
		}
	}
	if fieldID == "" {
		payload := map[string]any{
			"name":        filesFieldName,
			"type":        "text",
			"description": "Automatically created field holding attachment metadata",
		}
		body, err := c.call(ctx, http.MethodPost, "tm/custom-fields", nil, payload, "create files field")
		if err != nil {
			return err
		}
		fieldID = gjson.GetBytes(body, "customField.id").String()
		if fieldID == "" {
			return fmt.Errorf("create files field: no id returned")
		}
	}

	update := []byte(`{}`)
	task := gjson.ParseBytes(taskJSON)
	for _, field := range []string{"title", "type", "locations"} {
		if v := task.Get(field); v.Exists() {
			update, _ = sjson.SetRawBytes(update, field, []byte(v.Raw))
		}
	}
	update, _ = sjson.SetBytes(update, "description", task.Get("description").String())
	update, _ = sjson.SetBytes(update, "customFields."+escapePath(fieldID), filesInfo)

	path := fmt.Sprintf("tm/tasks/%d", ticketID)
	_, err := c.callRaw(ctx, http.MethodPut, path, nil, update, fmt.Sprintf("update ticket %d files field", ticketID))
	return err
}

func escapePath(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(key)
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values, payload any, action string) ([]byte, error) {
	var raw []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &TransportError{Action: action, Err: err}
		}
		raw = data
	}
	return c.callRaw(ctx, method, path, params, raw, action)
}

func (c *Client) callRaw(ctx context.Context, method, path string, params url.Values, payload []byte, action string) ([]byte, error) {
	u := c.baseURL + "/" + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &TransportError{Action: action, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Action: action, Err: err}
	}
	if !gjson.ValidBytes(respBody) {
		return nil, &TransportError{Action: action, Err: fmt.Errorf("invalid JSON response")}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := gjson.GetBytes(respBody, "message").String()
		return nil, &TransportError{Action: action, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
	return respBody, nil
}
