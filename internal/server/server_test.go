package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sectionreg/internal/pipeline"
	"sectionreg/internal/registration"
	"sectionreg/internal/slicenaming"
	"sectionreg/internal/storage"
)

type stubQueue struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	subs map[int]chan pipeline.Result
	next int
	err  error
}

func newStubQueue() *stubQueue {
	return &stubQueue{subs: make(map[int]chan pipeline.Result)}
}

func (q *stubQueue) Submit(job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) Subscribe() (<-chan pipeline.Result, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.next
	q.next++
	ch := make(chan pipeline.Result, 4)
	q.subs[id] = ch
	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if c, ok := q.subs[id]; ok {
			close(c)
			delete(q.subs, id)
		}
	}
}

func (q *stubQueue) subscribers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

func (q *stubQueue) publish(res pipeline.Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subs {
		ch <- res
	}
}

func newTestServer(t *testing.T) (*Server, *storage.Store, *stubQueue) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	namer, err := slicenaming.NewFromConfig(slicenaming.Config{ParentDirectory: "/stack", Prefix: "slice_", Extension: "tif", Width: 4})
	if err != nil {
		t.Fatalf("namer: %v", err)
	}
	q := newStubQueue()
	s := NewServer(Options{Namer: namer, Delimiter: "tab"}, store, q, slog.Default())
	return s, store, q
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRunEndpoints(t *testing.T) {
	s, store, _ := newTestServer(t)
	h := s.Handler()

	recs := []registration.Record{
		{FixedSlice: 0, MovingSlice: 1, XTrans: 1.5, YTrans: -2, Complete: 1},
		{FixedSlice: 1, MovingSlice: 2},
	}
	run, err := store.ImportRun(context.Background(), "/r/run.reg", false, recs)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	rec := get(t, h, "/runs")
	var runs []storage.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("unexpected runs %s (%v)", rec.Body.String(), err)
	}

	rec = get(t, h, "/runs/"+run.ID+"/records")
	var got []registration.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || len(got) != 2 || got[0].XTrans != 1.5 {
		t.Fatalf("unexpected records %s (%v)", rec.Body.String(), err)
	}

	rec = get(t, h, "/runs/"+run.ID+"/records?format=table&delimiter=comma")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "FixedSlice,MovingSlice") || !strings.HasPrefix(lines[1], "0,1,") {
		t.Fatalf("unexpected table %q", rec.Body.String())
	}

	rec = get(t, h, "/runs/"+run.ID+"/records?format=summary")
	var sum registration.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil || sum.Complete != 1 || sum.Incomplete != 1 {
		t.Fatalf("unexpected summary %s (%v)", rec.Body.String(), err)
	}

	if rec := get(t, h, "/runs/missing/records"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", rec.Code)
	}
	if rec := get(t, h, "/runs/"+run.ID+"/records?format=xml"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}
}

func TestSliceEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := get(t, h, "/slices/7")
	var resp sliceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if resp.FileName != "slice_0007.tif" || resp.Path != filepath.Join("/stack", "slice_0007.tif") || resp.Exists {
		t.Fatalf("unexpected slice response %+v", resp)
	}

	if rec := get(t, h, "/slices/abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := get(t, h, "/slices/10000"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for slice beyond width, got %d", rec.Code)
	}
}

func TestSubmitJob(t *testing.T) {
	s, _, q := newTestServer(t)
	h := s.Handler()

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body)))
		return rec
	}

	rec := post(`{"type":"plan","options":{"first":0,"last":10}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %s", rec.Code, rec.Body.String())
	}
	if len(q.jobs) != 1 || q.jobs[0].Type != pipeline.JobPlan || q.jobs[0].ID == "" || q.jobs[0].Options["source"] != "http" {
		t.Fatalf("unexpected queued jobs %+v", q.jobs)
	}

	if rec := post(`{"type":"stack"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}
	if rec := post(`{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}

	q.err = pipeline.ErrQueueFull
	if rec := post(`{"type":"verify"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when queue full, got %d", rec.Code)
	}
}

func TestWebSocketReceivesJobEvents(t *testing.T) {
	s, _, q := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	go s.forwardResults(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.hub.Len() != 1 || q.subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	q.publish(pipeline.Result{
		Job:   pipeline.Job{ID: "import-1", Type: pipeline.JobImport, InputPath: "/r/run.reg"},
		Error: errors.New("truncated"),
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev jobEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.ID != "import-1" || ev.Type != pipeline.JobImport || ev.Error != "truncated" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestJobStreamSendsEvents(t *testing.T) {
	s, _, q := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for q.subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	q.publish(pipeline.Result{Job: pipeline.Job{ID: "export-1", Type: pipeline.JobExport}, Meta: map[string]any{"rows": 3}})

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"id":"export-1"`) {
		t.Fatalf("unexpected stream data %q", line)
	}
}

func TestSubmitJobOutputRestricted(t *testing.T) {
	s, _, q := newTestServer(t)
	results := t.TempDir()
	s.outputDirs = cleanDirs([]string{results})
	h := s.Handler()

	post := func(body map[string]any) int {
		data, _ := json.Marshal(body)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(string(data))))
		return rec.Code
	}

	inside := filepath.Join(results, "run.reg")
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"export into results dir", map[string]any{"type": "export", "input": "/elsewhere/run.reg", "output": filepath.Join(results, "run.csv")}, http.StatusAccepted},
		{"export next to input in results dir", map[string]any{"type": "export", "input": inside}, http.StatusAccepted},
		{"plan with default output", map[string]any{"type": "plan"}, http.StatusAccepted},
		{"import reads anywhere", map[string]any{"type": "import", "input": "/elsewhere/run.reg"}, http.StatusAccepted},
		{"export outside", map[string]any{"type": "export", "input": inside, "output": "/etc/cron.d/run"}, http.StatusForbidden},
		{"accumulate next to outside input", map[string]any{"type": "accumulate", "input": "/elsewhere/run.reg"}, http.StatusForbidden},
		{"plan escaping with dots", map[string]any{"type": "plan", "output": filepath.Join(results, "..", "plan.reg")}, http.StatusForbidden},
	}
	for _, tc := range cases {
		if got := post(tc.body); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
	if len(q.jobs) != 4 {
		t.Fatalf("expected 4 accepted jobs, got %d", len(q.jobs))
	}

	s.outputDirs = nil
	if got := post(map[string]any{"type": "export", "input": inside, "output": filepath.Join(results, "run.csv")}); got != http.StatusForbidden {
		t.Fatalf("explicit output without output dirs should be refused, got %d", got)
	}
}

func TestRunRecordsNonFinite(t *testing.T) {
	s, store, _ := newTestServer(t)
	h := s.Handler()

	recs := []registration.Record{{FixedSlice: 0, MovingSlice: 1, CostFuncValue: float32(math.NaN()), XTrans: math.NaN(), Complete: 1}}
	run, err := store.ImportRun(context.Background(), "/r/failed.reg", false, recs)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	rec := get(t, h, "/runs/"+run.ID+"/records")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var got []registration.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || len(got) != 1 || !math.IsNaN(got[0].XTrans) {
		t.Fatalf("unexpected records %s (%v)", rec.Body.String(), err)
	}

	rec = get(t, h, "/runs/"+run.ID+"/records?format=summary")
	var sum registration.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil || sum.NonFinite != 1 {
		t.Fatalf("unexpected summary %s (%v)", rec.Body.String(), err)
	}
}

func TestRunJobsEndpoint(t *testing.T) {
	s, store, _ := newTestServer(t)
	h := s.Handler()

	run, err := store.ImportRun(context.Background(), "/r/run.reg", false, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := store.RecordJobQueued(storage.JobRecord{ID: "import-1", JobType: "import", Status: "queued"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := store.RecordJobResult("import-1", storage.JobOutcome{Status: "completed", RunID: run.ID, ResultPath: "/r/run.reg"}); err != nil {
		t.Fatalf("result: %v", err)
	}

	rec := get(t, h, "/runs/"+run.ID+"/jobs")
	var jobs []storage.JobRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil || len(jobs) != 1 || jobs[0].ID != "import-1" {
		t.Fatalf("unexpected jobs %s (%v)", rec.Body.String(), err)
	}
	if rec := get(t, h, "/runs/missing/jobs"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartWaitsForBackgroundWork(t *testing.T) {
	s, _, q := newTestServer(t)
	s.addr = "127.0.0.1:0"
	s.watchPaths = []string{t.TempDir()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for q.subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("server never subscribed to results")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Start did not return")
	}
	if n := q.subscribers(); n != 0 {
		t.Fatalf("result forwarding still running after Start returned (%d subscribers)", n)
	}
}
