package grpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"sectionreg/internal/registration"
	"sectionreg/internal/slicenaming"
	"sectionreg/internal/storage"
)

func newTestClient(t *testing.T, store Store, namer *slicenaming.Namer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	New(store, namer, nil).RegisterWithServer(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestResolveSlice(t *testing.T) {
	namer, err := slicenaming.New("/data/stack", "slice_", 4)
	if err != nil {
		t.Fatalf("namer: %v", err)
	}
	c := newTestClient(t, nil, namer)

	info, err := c.ResolveSlice(context.Background(), 42)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if info.Slice != 42 || info.FileName != "slice_0042" || info.Path != filepath.Join("/data/stack", "slice_0042") {
		t.Fatalf("unexpected info %+v", info)
	}

	_, err = c.ResolveSlice(context.Background(), 10000)
	if status.Code(err) != codes.OutOfRange {
		t.Fatalf("expected OutOfRange, got %v", err)
	}
	_, err = c.ResolveSlice(context.Background(), -1)
	if status.Code(err) != codes.OutOfRange {
		t.Fatalf("expected OutOfRange for negative slice, got %v", err)
	}
}

func TestRunQueries(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	recs := []registration.Record{
		{FixedSlice: 4, MovingSlice: 5, FixedImagePath: "/s/4.tif", MovingImagePath: "/s/5.tif",
			CostFuncValue: -0.25, NumIterations: 17, XTrans: 3.5, YTrans: -1.25, Scaling: 0.5, ImageWidth: 64, ImageHeight: 32, Complete: 1},
	}
	run, err := store.ImportRun(context.Background(), "/s/run.reg", false, recs)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	c := newTestClient(t, store, nil)

	runs, err := c.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID || runs[0].CompleteCount != 1 {
		t.Fatalf("unexpected runs %+v", runs)
	}

	gotRun, got, err := c.RunRecords(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if gotRun.ResultsPath != "/s/run.reg" || len(got) != 1 || got[0] != recs[0] {
		t.Fatalf("unexpected run %+v records %+v", gotRun, got)
	}

	_, _, err = c.RunRecords(context.Background(), "missing")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	if _, err := c.ResolveSlice(context.Background(), 1); status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable without namer, got %v", err)
	}
}
