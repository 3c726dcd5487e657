package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"sectionreg/internal/registration"
	"sectionreg/internal/storage"
)

// Client calls the Registration service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// SliceInfo is the resolved name of one slice.
type SliceInfo struct {
	Slice    int    `json:"slice"`
	FileName string `json:"file_name"`
	Path     string `json:"path"`
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ResolveSlice(ctx context.Context, slice int, opts ...grpc.CallOption) (SliceInfo, error) {
	out, err := c.invoke(ctx, methodResolveSlice, map[string]any{"slice": slice}, opts...)
	if err != nil {
		return SliceInfo{}, err
	}
	var info SliceInfo
	err = fromValue(structpb.NewStructValue(out), &info)
	return info, err
}

func (c *Client) ListRuns(ctx context.Context, limit int, opts ...grpc.CallOption) ([]storage.RunRecord, error) {
	out, err := c.invoke(ctx, methodListRuns, map[string]any{"limit": limit}, opts...)
	if err != nil {
		return nil, err
	}
	var runs []storage.RunRecord
	if v, ok := out.GetFields()["runs"]; ok {
		if err := fromValue(v, &runs); err != nil {
			return nil, fmt.Errorf("decode runs: %w", err)
		}
	}
	return runs, nil
}

func (c *Client) RunRecords(ctx context.Context, runID string, opts ...grpc.CallOption) (storage.RunRecord, []registration.Record, error) {
	out, err := c.invoke(ctx, methodRunRecords, map[string]any{"run_id": runID}, opts...)
	if err != nil {
		return storage.RunRecord{}, nil, err
	}
	var run storage.RunRecord
	var recs []registration.Record
	if err := fromValue(out.GetFields()["run"], &run); err != nil {
		return storage.RunRecord{}, nil, fmt.Errorf("decode run: %w", err)
	}
	if err := fromValue(out.GetFields()["records"], &recs); err != nil {
		return storage.RunRecord{}, nil, fmt.Errorf("decode records: %w", err)
	}
	return run, recs, nil
}
