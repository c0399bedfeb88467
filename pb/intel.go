package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// IP Intelligence Types

// IPReputation is the provider's verdict on one address.
type IPReputation struct {
	IpAddress    string
	RiskScore    float64 // 0.0 clean .. 1.0 hostile
	IsVpn        bool
	IsProxy      bool
	IsDatacenter bool
	CountryCode  string
	Timezone     string // IANA zone the address geolocates to
	CheckedAt    *timestamppb.Timestamp
}

// FingerprintHistory lists the workers a device fingerprint was seen on.
type FingerprintHistory struct {
	FingerprintHash string
	WorkerIds       []string
	FirstSeen       *timestamppb.Timestamp
	LastSeen        *timestamppb.Timestamp
}

type IPLookupRequest struct {
	IpAddress string
}

type FingerprintLookupRequest struct {
	FingerprintHash string
}

// Service Interfaces

// IntelServiceClient is the fraud-signal provider contract. Provider
// selection is a deployment concern; the detector only depends on this
// interface.
type IntelServiceClient interface {
	LookupIP(ctx context.Context, in *IPLookupRequest, opts ...grpc.CallOption) (*IPReputation, error)
	LookupFingerprint(ctx context.Context, in *FingerprintLookupRequest, opts ...grpc.CallOption) (*FingerprintHistory, error)
}

// MockIntelClient returns neutral placeholder intel. Default provider
// until a real one is wired.
type MockIntelClient struct{}

func (m *MockIntelClient) LookupIP(ctx context.Context, in *IPLookupRequest, opts ...grpc.CallOption) (*IPReputation, error) {
	return &IPReputation{
		IpAddress: in.IpAddress,
		RiskScore: 0,
		CheckedAt: timestamppb.Now(),
	}, nil
}

func (m *MockIntelClient) LookupFingerprint(ctx context.Context, in *FingerprintLookupRequest, opts ...grpc.CallOption) (*FingerprintHistory, error) {
	return &FingerprintHistory{
		FingerprintHash: in.FingerprintHash,
		LastSeen:        timestamppb.Now(),
	}, nil
}

// StaticIntelClient serves canned responses. Test double.
type StaticIntelClient struct {
	Reputation *IPReputation
	History    *FingerprintHistory
	Err        error
}

func (s *StaticIntelClient) LookupIP(ctx context.Context, in *IPLookupRequest, opts ...grpc.CallOption) (*IPReputation, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Reputation != nil {
		return s.Reputation, nil
	}
	return &IPReputation{IpAddress: in.IpAddress, CheckedAt: timestamppb.Now()}, nil
}

func (s *StaticIntelClient) LookupFingerprint(ctx context.Context, in *FingerprintLookupRequest, opts ...grpc.CallOption) (*FingerprintHistory, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.History != nil {
		return s.History, nil
	}
	return &FingerprintHistory{FingerprintHash: in.FingerprintHash}, nil
}
