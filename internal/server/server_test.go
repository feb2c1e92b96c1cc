package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"

	"flowstate/internal/config"
	"flowstate/internal/db"
	"flowstate/internal/migrate"
	"flowstate/internal/repo"
	flowstatesdk "flowstate/sdk/go"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) SDK() *flowstatesdk.Client {
	c := flowstatesdk.New(s.URL)
	c.HTTPClient = s.client
	return c
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	handler, err := New(Config{
		Repo:     repo.Repo{DB: conn},
		App:      cfg,
		BasePath: "/v0",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v body=%s", err, data)
	}
	return env.Error.Code
}

func expectAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var apiErr *flowstatesdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != status || apiErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s (%s)", status, code, apiErr.StatusCode, apiErr.Code, apiErr.Body)
	}
}

func ids(items ...flowstatesdk.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestHealthAndSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}

	sess, err := srv.SDK().Session(context.Background())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Chapter != "kanban" || sess.Day != 1 || sess.Phase != "execution" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.Resources.Funds != 5000 || sess.Resources.Materials != 300 || sess.Morale != 80 {
		t.Fatalf("unexpected resources: %+v morale=%d", sess.Resources, sess.Morale)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("/v0/items/{item_id}/move")) {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	bodies := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if len(bodies[i]) == 0 || !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("fetch %d returned a different document", i)
		}
	}
}

func TestMoveItemThroughBoard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	client := srv.SDK()

	board, err := client.Board(ctx)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(board.Stages) != 4 || len(board.Stages[0].Items) != 5 {
		t.Fatalf("unexpected board: %+v", board)
	}
	footings, ok := board.Find("footings")
	if !ok {
		t.Fatalf("footings not seeded")
	}
	for _, to := range []string{"ready", "doing"} {
		if _, err := client.Move(ctx, footings.ID, to); err != nil {
			t.Fatalf("move to %s: %v", to, err)
		}
	}
	tr, err := client.Move(ctx, footings.ID, "done")
	if err != nil {
		t.Fatalf("move to done: %v", err)
	}
	if tr.From != "doing" || tr.To != "done" || tr.Item.Stage != "done" {
		t.Fatalf("unexpected transition: %+v", tr)
	}
	if tr.Resources.Funds != 5250 || tr.Resources.Materials != 240 {
		t.Fatalf("unexpected resources after done: %+v", tr.Resources)
	}

	_, err = client.Move(ctx, footings.ID, "doing")
	expectAPIError(t, err, http.StatusConflict, "item_finalized")
}

func TestMoveRejections(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	client := srv.SDK()

	board, err := client.Board(ctx)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	drywall, _ := board.Find("drywall")
	footings, _ := board.Find("footings")

	_, err = client.Move(ctx, drywall.ID, "doing")
	expectAPIError(t, err, http.StatusUnprocessableEntity, "not_adjacent")

	_, err = client.Move(ctx, "missing", "ready")
	expectAPIError(t, err, http.StatusConflict, "unknown_item")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items/"+drywall.ID+"/move", map[string]any{"to": "qa"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown stage, got %d: %s", res.StatusCode, data)
	}

	st, err := client.SetWipLimit(ctx, "ready", 1)
	if err != nil {
		t.Fatalf("set wip: %v", err)
	}
	if st.WipLimit != 1 {
		t.Fatalf("unexpected stage: %+v", st)
	}
	if _, err := client.Move(ctx, drywall.ID, "ready"); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	_, err = client.Move(ctx, footings.ID, "ready")
	expectAPIError(t, err, http.StatusUnprocessableEntity, "wip_exceeded")

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/stages/ready/wip", map[string]any{"limit": -1})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d: %s", res.StatusCode, data)
	}

	// Rejected moves change nothing.
	board, err = client.Board(ctx)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if len(board.Stages[1].Items) != 1 || len(board.Stages[0].Items) != 4 {
		t.Fatalf("unexpected board after rejections: %+v", board.Stages)
	}
}

func TestOperationGating(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	client := srv.SDK()

	board, err := client.Board(ctx)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	footings, _ := board.Find("footings")

	_, err = client.Commit(ctx, []string{footings.ID})
	expectAPIError(t, err, http.StatusConflict, "operation_not_allowed")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/"+footings.ID+"/constraints", nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "operation_not_allowed" {
		t.Fatalf("expected gated inspect, got %d: %s", res.StatusCode, data)
	}
}

func TestConstraintsHiddenBeforeReadsUnlock(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *config.Config) { c.Session.Chapter = "last-planner" })
	defer cleanup()
	ctx := context.Background()
	client := srv.SDK()

	board, err := client.Board(ctx)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if board.Day != 6 {
		t.Fatalf("expected day 6, got %d", board.Day)
	}
	electrical, ok := board.Find("electrical")
	if !ok {
		t.Fatalf("electrical missing from board")
	}
	if electrical.Readiness != "hidden" || len(electrical.Constraints) != 0 {
		t.Fatalf("constraints leaked on day 6: %+v", electrical)
	}
	_, err = client.Propose(ctx, []string{electrical.ID})
	expectAPIError(t, err, http.StatusConflict, "operation_not_allowed")

	if _, err := client.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	board, err = client.Board(ctx)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	electrical, _ = board.Find("electrical")
	if electrical.Readiness != "blocked" || len(electrical.Constraints) != 2 {
		t.Fatalf("expected visible constraints on day 7: %+v", electrical)
	}
}

func TestLastPlannerCommitment(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *config.Config) { c.Session.Chapter = "last-planner" })
	defer cleanup()
	ctx := context.Background()
	client := srv.SDK()

	for day := 6; day < 9; day++ {
		if _, err := client.Advance(ctx); err != nil {
			t.Fatalf("advance from day %d: %v", day, err)
		}
	}
	sess, err := client.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Day != 9 || sess.Phase != "planning" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	board, err := client.Board(ctx)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	var all []string
	for _, st := range board.Stages {
		all = append(all, ids(st.Items...)...)
	}
	proposal, err := client.Propose(ctx, all)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(proposal.Sound) != 4 || len(proposal.Risky) != 2 || len(proposal.Blocked) != 3 {
		t.Fatalf("unexpected proposal: %+v", proposal)
	}

	ductwork, _ := board.Find("ductwork")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/"+ductwork.ID+"/constraints", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inspect status %d: %s", res.StatusCode, data)
	}
	var inspected ConstraintsResponse
	if err := json.Unmarshal(data, &inspected); err != nil {
		t.Fatalf("decode constraints: %v", err)
	}
	if inspected.Readiness != "blocked" || len(inspected.Constraints) != 2 {
		t.Fatalf("unexpected constraints: %+v", inspected)
	}

	_, err = client.Commit(ctx, []string{proposal.Blocked[0]})
	expectAPIError(t, err, http.StatusConflict, "blocked_item_in_commit")

	set, err := client.Commit(ctx, proposal.Sound)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(set.Promised) != 4 || set.Day != 9 {
		t.Fatalf("unexpected commitment: %+v", set)
	}
	_, err = client.Commit(ctx, proposal.Sound)
	expectAPIError(t, err, http.StatusConflict, "already_committed")

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/items/"+ductwork.ID+"/constraints/material", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove constraint status %d: %s", res.StatusCode, data)
	}
	var removed RemoveConstraintResponse
	if err := json.Unmarshal(data, &removed); err != nil {
		t.Fatalf("decode removal: %v", err)
	}
	if !removed.Removed || removed.Readiness != "risky" {
		t.Fatalf("unexpected removal: %+v", removed)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/items/"+ductwork.ID+"/constraints/rain", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown constraint kind, got %d", res.StatusCode)
	}
}

func TestAdvanceAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	client := srv.SDK()

	adv, err := client.Advance(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if adv.ClosedDay != 1 || adv.Day != 2 || len(adv.Script) != 1 || adv.Script[0] != "refill" {
		t.Fatalf("unexpected advance: %+v", adv)
	}
	metrics, err := client.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.PPC != 0 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}

	first, err := client.EventsPage(ctx, 3, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(first.Items) != 3 || first.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	if first.Items[0].Type != "item_created" {
		t.Fatalf("expected seed events first, got %s", first.Items[0].Type)
	}
	second, err := client.EventsPage(ctx, 3, first.NextCursor)
	if err != nil {
		t.Fatalf("events page 2: %v", err)
	}
	if len(second.Items) == 0 || second.Items[0].Seq <= first.Items[2].Seq {
		t.Fatalf("cursor did not advance: %+v", second)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected bad cursor rejection, got %d: %s", res.StatusCode, data)
	}
}

func TestWindowCloseAndReset(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	client := srv.SDK()

	before, err := client.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	var last flowstatesdk.AdvanceResult
	for i := 0; i < 5; i++ {
		last, err = client.Advance(ctx)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if !last.WindowClosed || last.Phase != "review" {
		t.Fatalf("expected closed window: %+v", last)
	}
	_, err = client.Advance(ctx)
	expectAPIError(t, err, http.StatusConflict, "window_closed")

	_, err = client.Reset(ctx, "nowhere")
	expectAPIError(t, err, http.StatusBadRequest, "bad_request")

	after, err := client.Reset(ctx, "last-planner")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if after.ID == before.ID || after.Chapter != "last-planner" || after.Day != 6 {
		t.Fatalf("unexpected session after reset: %+v", after)
	}
	page, err := client.EventsPage(ctx, 200, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for _, evt := range page.Items {
		if evt.Type == "window_closed" {
			t.Fatalf("old session events leaked into new session")
		}
	}
}
