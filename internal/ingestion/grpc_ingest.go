package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"

	"ProtectionLedger/internal/core"
	"ProtectionLedger/internal/event"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SubmitCommandRequest carries one command in its NATS wire form
type SubmitCommandRequest struct {
	Type    string          `json:"type"` // e.g. "DepositCapital" or "deposit_capital"
	Payload json.RawMessage `json:"payload"`
}

type SubmitCommandResponse struct {
	Sequence     int64        `json:"sequence,omitempty"`
	Duplicate    bool         `json:"duplicate,omitempty"`
	Rejected     bool         `json:"rejected,omitempty"`
	RejectReason string       `json:"reject_reason,omitempty"`
	Result       *core.Result `json:"result,omitempty"`
	StateHash    string       `json:"state_hash,omitempty"`
}

// GRPCIngestService provides admin command injection over gRPC. It is for
// operators and manual repairs; bulk ingestion goes through NATS.
type GRPCIngestService struct {
	submit chan<- core.Submission
}

func NewGRPCIngestService(submit chan<- core.Submission) *GRPCIngestService {
	return &GRPCIngestService{submit: submit}
}

// SubmitCommand parses the command, runs it through the core and waits for the
// outcome. A rejected command is a successful call with Rejected set.
func (s *GRPCIngestService) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitCommandResponse, error) {
	et := event.ParseEventType(req.Type)
	if et == event.EventTypeUnknown {
		et = EventTypeFromSubject(CommandSubjectPrefix + req.Type)
	}
	if et == event.EventTypeUnknown {
		return nil, status.Errorf(codes.InvalidArgument, "unknown command type %q", req.Type)
	}

	evt, err := ParseCommand(et, req.Payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	reply, err := Submit(ctx, s.submit, core.Submission{Event: evt})
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}

	switch {
	case errors.Is(reply.Err, core.ErrDuplicateCommand):
		return &SubmitCommandResponse{Duplicate: true}, nil
	case errors.Is(reply.Err, core.ErrSequenceGap), errors.Is(reply.Err, core.ErrOutOfOrder):
		return nil, status.Error(codes.FailedPrecondition, reply.Err.Error())
	case reply.Err != nil && !errors.Is(reply.Err, core.ErrCommandRejected):
		return nil, status.Error(codes.Internal, reply.Err.Error())
	}

	env := reply.Output.Envelope
	resp := &SubmitCommandResponse{
		Sequence:     env.Sequence,
		Rejected:     env.Rejected,
		RejectReason: env.RejectReason,
		StateHash:    hex.EncodeToString(env.StateHash[:]),
	}
	if !env.Rejected {
		resp.Result = reply.Output.Result
	}
	return resp, nil
}
