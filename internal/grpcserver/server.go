package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"sectionreg/internal/registration"
	"sectionreg/internal/slicenaming"
	"sectionreg/internal/storage"
)

// Store is the read side of the results index.
type Store interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
	RunRecords(id string) ([]registration.Record, error)
}

// RegistrationService implements RegistrationServer.
type RegistrationService struct {
	store Store
	namer *slicenaming.Namer
	log   *slog.Logger
}

// New creates the service. store or namer may be nil; the methods that need
// them then return Unavailable.
func New(store Store, namer *slicenaming.Namer, log *slog.Logger) *RegistrationService {
	if log == nil {
		log = slog.Default()
	}
	return &RegistrationService{store: store, namer: namer, log: log}
}

// RegisterWithServer registers the service on grpcServer.
func (s *RegistrationService) RegisterWithServer(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&ServiceDesc, s)
}

// Serve listens on addr until ctx is done.
func (s *RegistrationService) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	s.RegisterWithServer(grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("grpc server listening", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *RegistrationService) ResolveSlice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.namer == nil {
		return nil, status.Error(codes.Unavailable, "slice naming not configured")
	}
	v, ok := in.GetFields()["slice"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "slice is required")
	}
	f := v.GetNumberValue()
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return nil, status.Errorf(codes.InvalidArgument, "slice %v is not an integer", f)
	}
	slice := int(f)
	name, err := s.namer.FileName(slice)
	if errors.Is(err, slicenaming.ErrInvalidSliceIndex) {
		return nil, status.Error(codes.OutOfRange, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	path, _ := s.namer.FullPath(slice)
	return structpb.NewStruct(map[string]any{
		"slice":     slice,
		"file_name": name,
		"path":      path,
	})
}

func (s *RegistrationService) ListRuns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "results index not configured")
	}
	limit := int(in.GetFields()["limit"].GetNumberValue())
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	runs, err := s.store.RecentRuns(limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	return toStruct(map[string]any{"runs": runs})
}

func (s *RegistrationService) RunRecords(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "results index not configured")
	}
	id := in.GetFields()["run_id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	run, err := s.store.Run(id)
	if err != nil {
		return nil, storeStatus(err)
	}
	recs, err := s.store.RunRecords(id)
	if err != nil {
		return nil, storeStatus(err)
	}
	if recs == nil {
		recs = []registration.Record{}
	}
	return toStruct(map[string]any{"run": run, "records": recs})
}

func storeStatus(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
