package source

import (
	"context"
	"errors"

	"github.com/sells-group/qualify-cli/internal/resilience"
	"github.com/sells-group/qualify-cli/pkg/sourcerpc"
)

// RPCSource is a Source reached over the flat JSON protocol.
type RPCSource struct {
	name   string
	client sourcerpc.Client
}

// NewRPCSource creates a named source backed by client.
func NewRPCSource(name string, client sourcerpc.Client) *RPCSource {
	return &RPCSource{name: name, client: client}
}

// Name implements Source.
func (s *RPCSource) Name() string { return s.name }

// Fetch implements Source. Retryable HTTP statuses become transient errors.
func (s *RPCSource) Fetch(ctx context.Context, req Request) (*Response, error) {
	fields := make(map[string]string, len(req.Fields)+1)
	for k, v := range req.Fields {
		if v != "" {
			fields[k] = v
		}
	}
	if req.Strategy != "" {
		fields[sourcerpc.KeyStrategy] = req.Strategy
	}

	res, err := s.client.Call(ctx, req.LeadID, fields)
	if err != nil {
		var se *sourcerpc.StatusError
		if errors.As(err, &se) && se.Retryable() {
			return nil, resilience.NewTransientError(err, se.StatusCode)
		}
		return nil, err
	}
	return &Response{
		Fields:     res.Fields,
		Confidence: res.Confidence,
		DataAsOf:   res.DataAsOf,
	}, nil
}
