// Package grpcclient forwards technician fixes to the Forwarder gRPC
// service alongside the push channel.
package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/location"
	"dispatch-tracker/internal/observability"
)

// SendDataMethod is the full method name of the unary Forwarder call. The
// request and response are google.protobuf.Struct messages.
const SendDataMethod = "/forwarder.Forwarder/SendData"

var ErrRejected = errors.New("forwarder rejected data")

type Forwarder struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger
}

func NewForwarder(addr string, logger *slog.Logger) (*Forwarder, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc: dial %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		conn:    conn,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "forwarder", "addr", addr),
	}, nil
}

func (f *Forwarder) Close() error {
	return f.conn.Close()
}

// Forward implements location.Sink.
func (f *Forwarder) Forward(ctx context.Context, technicianID dispatch.ID, fix location.Fix) error {
	req, err := structpb.NewStruct(map[string]any{
		"device_id": string(technicianID),
		"payload": map[string]any{
			"latitude":  fix.Position.Lat,
			"longitude": fix.Position.Lon,
			"speed":     fix.Speed,
			"heading":   fix.Heading,
			"timestamp": fix.At.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("grpc: build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	res := &structpb.Struct{}
	if err := f.conn.Invoke(ctx, SendDataMethod, req, res); err != nil {
		observability.Forwarded.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: forward: %v", dispatch.ErrNetworkUnavailable, err)
	}
	if ok := res.GetFields()["success"]; ok == nil || !ok.GetBoolValue() {
		observability.Forwarded.WithLabelValues("rejected").Inc()
		f.logger.Warn("forwarder: failed to send data", "technician_id", technicianID)
		return ErrRejected
	}
	observability.Forwarded.WithLabelValues("ok").Inc()
	return nil
}
