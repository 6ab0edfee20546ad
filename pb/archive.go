package pb

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Check Archive Types

type ArchivedCheck struct {
	CheckId        string
	TargetId       string
	Success        bool
	StatusCode     int32
	ResponseTimeMs int64
	ErrorKind      string
	Location       string
	ProberId       string
	Timestamp      *timestamppb.Timestamp
}

type ArchiveAck struct {
	CheckId  string
	Accepted bool
}

type DailyRootRequest struct {
	Date string // YYYY-MM-DD
}

type DailyRoot struct {
	Date       string
	RootHash   string
	CheckCount int64
}

// Service Interface

type CheckArchiveClient interface {
	ArchiveCheck(ctx context.Context, in *ArchivedCheck, opts ...grpc.CallOption) (*ArchiveAck, error)
	GetDailyRoot(ctx context.Context, in *DailyRootRequest, opts ...grpc.CallOption) (*DailyRoot, error)
}

// MockArchiveClient records every archived check in memory; used until the
// external archive service is deployed, and by tests.
type MockArchiveClient struct {
	mu       sync.Mutex
	Archived []*ArchivedCheck
	Fail     bool
}

func (m *MockArchiveClient) ArchiveCheck(ctx context.Context, in *ArchivedCheck, opts ...grpc.CallOption) (*ArchiveAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return &ArchiveAck{CheckId: in.CheckId, Accepted: false}, context.DeadlineExceeded
	}
	m.Archived = append(m.Archived, in)
	return &ArchiveAck{CheckId: in.CheckId, Accepted: true}, nil
}

func (m *MockArchiveClient) GetDailyRoot(ctx context.Context, in *DailyRootRequest, opts ...grpc.CallOption) (*DailyRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &DailyRoot{Date: in.Date, CheckCount: int64(len(m.Archived))}, nil
}

// Snapshot returns a copy of everything archived so far.
func (m *MockArchiveClient) Snapshot() []*ArchivedCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ArchivedCheck, len(m.Archived))
	copy(out, m.Archived)
	return out
}
