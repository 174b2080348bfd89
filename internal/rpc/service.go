// Package rpc exposes the query engine over gRPC. Messages are the
// well-known google.protobuf.Struct and google.protobuf.Value types carrying
// the same JSON shapes as the HTTP API.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/hemrs/internal/query"
	"procodus.dev/hemrs/internal/store"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hemrs.telemetry.v1.Telemetry"

// TelemetryService is the server side of the Telemetry service.
type TelemetryService interface {
	ListDevices(ctx context.Context, req *structpb.Struct) (*structpb.Value, error)
	ListSensors(ctx context.Context, req *structpb.Struct) (*structpb.Value, error)
	ListSensorsOf(ctx context.Context, req *structpb.Struct) (*structpb.Value, error)
	ListMeasurementsOf(ctx context.Context, req *structpb.Struct) (*structpb.Value, error)
	CountMeasurements(ctx context.Context, req *structpb.Struct) (*structpb.Value, error)
	LatestMeasurement(ctx context.Context, req *structpb.Struct) (*structpb.Value, error)
}

type unaryCall func(TelemetryService, context.Context, *structpb.Struct) (*structpb.Value, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TelemetryService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TelemetryService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes the Telemetry service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListDevices", Handler: unaryHandler("ListDevices", TelemetryService.ListDevices)},
		{MethodName: "ListSensors", Handler: unaryHandler("ListSensors", TelemetryService.ListSensors)},
		{MethodName: "ListSensorsOf", Handler: unaryHandler("ListSensorsOf", TelemetryService.ListSensorsOf)},
		{MethodName: "ListMeasurementsOf", Handler: unaryHandler("ListMeasurementsOf", TelemetryService.ListMeasurementsOf)},
		{MethodName: "CountMeasurements", Handler: unaryHandler("CountMeasurements", TelemetryService.CountMeasurements)},
		{MethodName: "LatestMeasurement", Handler: unaryHandler("LatestMeasurement", TelemetryService.LatestMeasurement)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hemrs/telemetry/v1/telemetry.proto",
}

// TelemetryServiceImpl answers Telemetry calls from the query engine.
type TelemetryServiceImpl struct {
	logger *slog.Logger
	query  *query.Engine
}

// NewTelemetryService creates a new TelemetryServiceImpl instance.
func NewTelemetryService(logger *slog.Logger, engine *query.Engine) (*TelemetryServiceImpl, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if engine == nil {
		return nil, errors.New("query engine cannot be nil")
	}

	return &TelemetryServiceImpl{
		logger: logger,
		query:  engine,
	}, nil
}

// ListDevices returns all devices.
func (s *TelemetryServiceImpl) ListDevices(ctx context.Context, _ *structpb.Struct) (*structpb.Value, error) {
	devices, err := s.query.Devices(ctx)
	return s.reply("ListDevices", devices, err)
}

// ListSensors returns all sensors.
func (s *TelemetryServiceImpl) ListSensors(ctx context.Context, _ *structpb.Struct) (*structpb.Value, error) {
	sensors, err := s.query.Sensors(ctx)
	return s.reply("ListSensors", sensors, err)
}

// ListSensorsOf returns the sensors of device_id.
func (s *TelemetryServiceImpl) ListSensorsOf(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	deviceID, err := idArg(req, "device_id")
	if err != nil {
		return nil, err
	}

	sensors, err := s.query.SensorsOf(ctx, deviceID)
	return s.reply("ListSensorsOf", sensors, err)
}

// ListMeasurementsOf returns the measurements of sensor_id on device_id.
func (s *TelemetryServiceImpl) ListMeasurementsOf(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	deviceID, err := idArg(req, "device_id")
	if err != nil {
		return nil, err
	}
	sensorID, err := idArg(req, "sensor_id")
	if err != nil {
		return nil, err
	}

	series, err := s.query.MeasurementsOf(ctx, deviceID, sensorID)
	return s.reply("ListMeasurementsOf", series, err)
}

// CountMeasurements returns the number of stored measurements.
func (s *TelemetryServiceImpl) CountMeasurements(ctx context.Context, _ *structpb.Struct) (*structpb.Value, error) {
	count, err := s.query.MeasurementCount(ctx)
	return s.reply("CountMeasurements", count, err)
}

// LatestMeasurement returns the newest measurement, or a null value.
func (s *TelemetryServiceImpl) LatestMeasurement(ctx context.Context, _ *structpb.Struct) (*structpb.Value, error) {
	m, found, err := s.query.LatestMeasurement(ctx)
	if err != nil || !found {
		return s.reply("LatestMeasurement", nil, err)
	}
	return s.reply("LatestMeasurement", m, nil)
}

func (s *TelemetryServiceImpl) reply(method string, payload any, err error) (*structpb.Value, error) {
	if err != nil {
		st := statusOf(err)
		if st.Code() == codes.Internal {
			s.logger.Error("rpc failed", "method", method, "error", err)
		} else {
			s.logger.Debug("rpc rejected", "method", method, "code", st.Code().String(), "error", err)
		}
		return nil, st.Err()
	}

	v, err := toValue(payload)
	if err != nil {
		s.logger.Error("failed to encode rpc response", "method", method, "error", err)
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return v, nil
}

// statusOf maps domain errors onto gRPC status codes.
func statusOf(err error) *status.Status {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrMismatch):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrInvalid):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	default:
		return status.New(codes.Internal, "internal error")
	}
}

// idArg reads a positive integral id field from req.
func idArg(req *structpb.Struct, name string) (int64, error) {
	field, ok := req.GetFields()[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	num, ok := field.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
	if num.NumberValue != math.Trunc(num.NumberValue) || math.Abs(num.NumberValue) > 1<<53 {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return int64(num.NumberValue), nil
}

// toValue converts payload to a structpb.Value through its JSON form so the
// field names match the HTTP API.
func toValue(payload any) (*structpb.Value, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return structpb.NewValue(generic)
}
