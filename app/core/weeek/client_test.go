package weeek

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

var testNames = Names{Project: "Tasks. Backlog", Board: "Backlog", Column: "Backlog. DO NOT MOVE"}

type recorded struct {
	method string
	path   string
	body   []byte
}

// fakeAPI routes Weeek endpoints and records every call.
type fakeAPI struct {
	t        *testing.T
	mux      *http.ServeMux
	server   *httptest.Server
	requests []recorded
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{t: t, mux: http.NewServeMux()}
	outer := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("missing bearer auth, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		f.requests = append(f.requests, recorded{method: r.Method, path: r.URL.Path, body: body})
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		f.mux.ServeHTTP(w, r)
	})
	f.server = httptest.NewServer(outer)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) client() *Client {
	return NewClient(f.server.URL, "secret", testNames)
}

func (f *fakeAPI) respond(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeAPI) calls(method, path string) int {
	n := 0
	for _, r := range f.requests {
		if r.method == method && r.path == path {
			n++
		}
	}
	return n
}

func TestProvisionReusesExistingResources(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/projects", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"projects": []map[string]any{
			{"id": 5, "name": testNames.Project},
			{"id": 6, "name": "Other"},
		}})
	})
	f.mux.HandleFunc("GET /tm/boards", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("projectId") != "5" {
			t.Fatalf("boards queried with wrong project: %s", r.URL.RawQuery)
		}
		f.respond(w, map[string]any{"boards": []map[string]any{{"id": 9, "name": testNames.Board}}})
	})
	f.mux.HandleFunc("GET /tm/board-columns", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"boardColumns": []map[string]any{
			{"id": 3, "name": testNames.Column},
			{"id": 4, "name": "In progress"},
		}})
	})

	pc, err := f.client().Provision(context.Background())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if pc.ProjectID != 5 || pc.BoardID != 9 {
		t.Fatalf("unexpected context: %+v", pc)
	}
	if f.calls(http.MethodPost, "/tm/projects") != 0 || f.calls(http.MethodPost, "/tm/boards") != 0 {
		t.Fatal("existing resources should not be re-created")
	}
}

func TestProvisionCreatesMissingResources(t *testing.T) {
	f := newFakeAPI(t)
	boardsListed := 0
	f.mux.HandleFunc("GET /tm/projects", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"projects": []map[string]any{}})
	})
	f.mux.HandleFunc("POST /tm/projects", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"project": map[string]any{"id": 50}})
	})
	f.mux.HandleFunc("GET /tm/boards", func(w http.ResponseWriter, r *http.Request) {
		boardsListed++
		if boardsListed == 1 {
			f.respond(w, map[string]any{"boards": []map[string]any{}})
			return
		}
		f.respond(w, map[string]any{"boards": []map[string]any{{"id": 90, "name": testNames.Board}}})
	})
	f.mux.HandleFunc("POST /tm/boards", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{})
	})
	f.mux.HandleFunc("GET /tm/board-columns", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"boardColumns": []map[string]any{}})
	})
	f.mux.HandleFunc("POST /tm/board-columns", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"boardColumn": map[string]any{"id": 30}})
	})
	f.mux.HandleFunc("POST /tm/board-columns/30/move", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "upperBoardColumnId") {
			t.Fatalf("move payload missing upperBoardColumnId: %s", body)
		}
		f.respond(w, map[string]any{})
	})

	pc, err := f.client().Provision(context.Background())
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if pc.ProjectID != 50 || pc.BoardID != 90 {
		t.Fatalf("unexpected context: %+v", pc)
	}
	if f.calls(http.MethodPost, "/tm/board-columns/30/move") != 1 {
		t.Fatal("created column should be moved to the first position")
	}
}

func TestProvisionMovesMisplacedColumn(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/projects", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"projects": []map[string]any{{"id": 5, "name": testNames.Project}}})
	})
	f.mux.HandleFunc("GET /tm/boards", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"boards": []map[string]any{{"id": 9, "name": testNames.Board}}})
	})
	f.mux.HandleFunc("GET /tm/board-columns", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"boardColumns": []map[string]any{
			{"id": 4, "name": "In progress"},
			{"id": 3, "name": testNames.Column},
		}})
	})
	f.mux.HandleFunc("POST /tm/board-columns/3/move", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{})
	})

	if _, err := f.client().Provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if f.calls(http.MethodPost, "/tm/board-columns/3/move") != 1 {
		t.Fatal("misplaced column should be moved")
	}
}

func TestProvisionFailureIsTyped(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/projects", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		f.respond(w, map[string]any{"message": "boom"})
	})

	_, err := f.client().Provision(context.Background())
	var provErr *ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProvisioningError, got %T: %v", err, err)
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected wrapped TransportError, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("server message lost: %v", err)
	}
}

func TestProvisionRejectsInvalidJSON(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/projects", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	})

	_, err := f.client().Provision(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError for invalid JSON, got %v", err)
	}
}

func TestNonSuccessStatusIsTransportError(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/projects", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultipleChoices)
		f.respond(w, map[string]any{"message": "see other"})
	})

	_, err := f.client().FindOrCreateProject(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError for non-2xx status, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "status 300") {
		t.Fatalf("status code lost: %v", err)
	}
}

func TestGetTicketFetchesRemoteRepresentation(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/tasks/777", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"task": map[string]any{
			"id":    777,
			"title": "Buy paper",
			"type":  "action",
		}})
	})
	f.mux.HandleFunc("GET /tm/tasks/5", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{})
	})

	ticket, err := f.client().GetTicket(context.Background(), 777)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if ticket.Get("id").Int() != 777 || ticket.Get("title").String() != "Buy paper" {
		t.Fatalf("unexpected ticket body: %s", ticket.Raw)
	}

	if _, err := f.client().GetTicket(context.Background(), 5); err == nil || !strings.Contains(err.Error(), "missing task body") {
		t.Fatalf("expected missing-body error, got %v", err)
	}
}

func TestFindOrCreateBoardHandlesDataField(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/boards", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"data": []map[string]any{{"id": 77, "name": testNames.Board}}})
	})

	id, err := f.client().FindOrCreateBoard(context.Background(), 5)
	if err != nil {
		t.Fatalf("find board: %v", err)
	}
	if id != 77 {
		t.Fatalf("unexpected board id: %d", id)
	}
}

func TestCreateTicketHappyPath(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/board-columns", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("boardId") != "9" {
			t.Fatalf("columns queried with wrong board: %s", r.URL.RawQuery)
		}
		f.respond(w, map[string]any{"boardColumns": []map[string]any{{"id": 3, "name": testNames.Column}}})
	})
	f.mux.HandleFunc("POST /tm/tasks", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		parsed := gjson.ParseBytes(body)
		if parsed.Get("title").String() != "Buy paper" {
			t.Fatalf("unexpected title: %s", body)
		}
		if parsed.Get("type").String() != "action" {
			t.Fatalf("unexpected type: %s", body)
		}
		if parsed.Get("locations.0.projectId").Int() != 5 || parsed.Get("locations.0.boardColumnId").Int() != 3 {
			t.Fatalf("unexpected location: %s", body)
		}
		f.respond(w, map[string]any{"task": map[string]any{"id": 777}})
	})
	f.mux.HandleFunc("GET /tm/tasks/777", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"task": map[string]any{
			"id":    777,
			"title": "Buy paper",
			"type":  "action",
			"locations": []map[string]any{
				{"projectId": 5, "boardColumnId": 3},
			},
			"description":  "Buy paper\n\ninvoice.pdf",
			"customFields": []map[string]any{},
		}})
	})
	f.mux.HandleFunc("POST /tm/custom-fields", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"customField": map[string]any{"id": "cf-1"}})
	})
	f.mux.HandleFunc("PUT /tm/tasks/777", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		parsed := gjson.ParseBytes(body)
		if parsed.Get("title").String() != "Buy paper" {
			t.Fatalf("title not round-tripped: %s", body)
		}
		if parsed.Get("customFields.cf-1").String() != "invoice.pdf -> 12_0.pdf\n" {
			t.Fatalf("files field missing: %s", body)
		}
		f.respond(w, map[string]any{"task": map[string]any{"id": 777}})
	})

	id, err := f.client().CreateTicket(context.Background(), Context{ProjectID: 5, BoardID: 9}, "Buy paper", "Buy paper\n\ninvoice.pdf", "invoice.pdf -> 12_0.pdf\n")
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if id != 777 {
		t.Fatalf("unexpected ticket id: %d", id)
	}
	if f.calls(http.MethodPut, "/tm/tasks/777") != 1 {
		t.Fatal("files field update missing")
	}
}

func TestCreateTicketReusesExistingFilesField(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/board-columns", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"boardColumns": []map[string]any{{"id": 3, "name": testNames.Column}}})
	})
	f.mux.HandleFunc("POST /tm/tasks", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"task": map[string]any{"id": 42}})
	})
	f.mux.HandleFunc("GET /tm/tasks/42", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"task": map[string]any{
			"id": 42, "title": "t", "type": "action",
			"locations":    []map[string]any{{"projectId": 5, "boardColumnId": 3}},
			"customFields": []map[string]any{{"id": "cf-9", "name": "Files"}},
		}})
	})
	f.mux.HandleFunc("PUT /tm/tasks/42", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{})
	})

	if _, err := f.client().CreateTicket(context.Background(), Context{ProjectID: 5, BoardID: 9}, "t", "d", "log"); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if f.calls(http.MethodPost, "/tm/custom-fields") != 0 {
		t.Fatal("existing files field should be reused")
	}
}

func TestCreateTicketMissingColumnFails(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/board-columns", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"boardColumns": []map[string]any{{"id": 4, "name": "Done"}}})
	})

	id, err := f.client().CreateTicket(context.Background(), Context{ProjectID: 5, BoardID: 9}, "t", "d", "log")
	var createErr *TicketCreateError
	if !errors.As(err, &createErr) {
		t.Fatalf("expected TicketCreateError, got %T: %v", err, err)
	}
	if id != 0 {
		t.Fatalf("no ticket should be created, got id %d", id)
	}
	if f.calls(http.MethodPost, "/tm/tasks") != 0 {
		t.Fatal("ticket creation attempted without a column")
	}
}

func TestCreateTicketPartialSuccessReturnsID(t *testing.T) {
	f := newFakeAPI(t)
	f.mux.HandleFunc("GET /tm/board-columns", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"boardColumns": []map[string]any{{"id": 3, "name": testNames.Column}}})
	})
	f.mux.HandleFunc("POST /tm/tasks", func(w http.ResponseWriter, r *http.Request) {
		f.respond(w, map[string]any{"task": map[string]any{"id": 13}})
	})
	f.mux.HandleFunc("GET /tm/tasks/13", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		f.respond(w, map[string]any{"message": "upstream down"})
	})

	id, err := f.client().CreateTicket(context.Background(), Context{ProjectID: 5, BoardID: 9}, "t", "d", "log")
	if err == nil {
		t.Fatal("expected error from failed follow-up fetch")
	}
	if id != 13 {
		t.Fatalf("ticket id should survive partial failure, got %d", id)
	}
}
