package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/hemrs/internal/store"
)

// Client calls the Telemetry service. Errors are gRPC status errors.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// ListDevices returns all devices.
func (c *Client) ListDevices(ctx context.Context) ([]store.Device, error) {
	var devices []store.Device
	_, err := c.invoke(ctx, "ListDevices", nil, &devices)
	return devices, err
}

// ListSensors returns all sensors.
func (c *Client) ListSensors(ctx context.Context) ([]store.Sensor, error) {
	var sensors []store.Sensor
	_, err := c.invoke(ctx, "ListSensors", nil, &sensors)
	return sensors, err
}

// ListSensorsOf returns the sensors of a device.
func (c *Client) ListSensorsOf(ctx context.Context, deviceID int64) ([]store.Sensor, error) {
	var sensors []store.Sensor
	_, err := c.invoke(ctx, "ListSensorsOf", map[string]any{"device_id": deviceID}, &sensors)
	return sensors, err
}

// ListMeasurementsOf returns the measurements of a sensor on a device.
func (c *Client) ListMeasurementsOf(ctx context.Context, deviceID, sensorID int64) ([]store.Measurement, error) {
	var series []store.Measurement
	_, err := c.invoke(ctx, "ListMeasurementsOf", map[string]any{"device_id": deviceID, "sensor_id": sensorID}, &series)
	return series, err
}

// CountMeasurements returns the number of stored measurements.
func (c *Client) CountMeasurements(ctx context.Context) (int64, error) {
	var count int64
	_, err := c.invoke(ctx, "CountMeasurements", nil, &count)
	return count, err
}

// LatestMeasurement returns the newest measurement; found is false when the
// store is empty.
func (c *Client) LatestMeasurement(ctx context.Context) (store.Measurement, bool, error) {
	var m store.Measurement
	reply, err := c.invoke(ctx, "LatestMeasurement", nil, &m)
	if err != nil {
		return store.Measurement{}, false, err
	}
	if _, isNull := reply.GetKind().(*structpb.Value_NullValue); isNull {
		return store.Measurement{}, false, nil
	}
	return m, true, nil
}

func (c *Client) invoke(ctx context.Context, method string, args map[string]any, out any) (*structpb.Value, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	reply := new(structpb.Value)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, reply); err != nil {
		return nil, err
	}

	raw, err := protojson.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply, nil
}
