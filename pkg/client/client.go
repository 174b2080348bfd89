// Package client is a typed Go client for the hemrs HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/internal/query"
	"procodus.dev/hemrs/internal/store"
)

// Wire types shared with the server.
type (
	Device      = store.Device
	NewDevice   = store.NewDevice
	Sensor      = store.Sensor
	NewSensor   = store.NewSensor
	Measurement = store.Measurement
	Stats       = query.Stats
	Message     = ingest.Message
)

// DefaultTimeout bounds every request when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Outcome classifies a read response.
type Outcome int

const (
	// Found means the response carried a value.
	Found Outcome = iota
	// Empty means the resource exists but holds nothing: an empty list or a null latest.
	Empty
	// NotFound means a referenced device or sensor does not exist.
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Empty:
		return "empty"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Result is the outcome of a read together with its decoded value.
type Result[T any] struct {
	Value   T
	Outcome Outcome
	// Code is the server error code for NotFound ("not_found" or "mismatch").
	Code string
}

// CodeUnexpectedStatus marks responses that did not come with a hemrs error body,
// such as a 404 from an unknown route or a proxy.
const CodeUnexpectedStatus = "unexpected_status"

// Error is a non-2xx response that is not a NotFound read.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("hemrs api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Config holds the configuration for the Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to one hemrs API server.
type Client struct {
	http *resty.Client
}

// New creates a new Client instance.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("client config cannot be nil")
	}

	if cfg.BaseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{http: r}, nil
}

// Devices lists all devices.
func (c *Client) Devices(ctx context.Context) (Result[[]Device], error) {
	return get[[]Device](ctx, c, "/api/devices", nil)
}

// Device fetches one device.
func (c *Client) Device(ctx context.Context, deviceID int64) (Result[Device], error) {
	return get[Device](ctx, c, "/api/devices/{device_id}", ids(deviceID))
}

// Sensors lists all sensors.
func (c *Client) Sensors(ctx context.Context) (Result[[]Sensor], error) {
	return get[[]Sensor](ctx, c, "/api/sensors", nil)
}

// SensorsOf lists the sensors of a device.
func (c *Client) SensorsOf(ctx context.Context, deviceID int64) (Result[[]Sensor], error) {
	return get[[]Sensor](ctx, c, "/api/devices/{device_id}/sensors", ids(deviceID))
}

// MeasurementsOfDevice lists the measurements of every sensor of a device.
func (c *Client) MeasurementsOfDevice(ctx context.Context, deviceID int64) (Result[[]Measurement], error) {
	return get[[]Measurement](ctx, c, "/api/devices/{device_id}/measurements", ids(deviceID))
}

// MeasurementsOf lists the measurements of a sensor on a device.
func (c *Client) MeasurementsOf(ctx context.Context, deviceID, sensorID int64) (Result[[]Measurement], error) {
	return get[[]Measurement](ctx, c, "/api/devices/{device_id}/sensors/{sensor_id}/measurements", ids(deviceID, sensorID))
}

// LatestOf fetches the newest measurement of a sensor on a device.
func (c *Client) LatestOf(ctx context.Context, deviceID, sensorID int64) (Result[Measurement], error) {
	return get[Measurement](ctx, c, "/api/devices/{device_id}/sensors/{sensor_id}/measurements/latest", ids(deviceID, sensorID))
}

// StatsOf fetches summary statistics of a sensor on a device.
func (c *Client) StatsOf(ctx context.Context, deviceID, sensorID int64) (Result[Stats], error) {
	return get[Stats](ctx, c, "/api/devices/{device_id}/sensors/{sensor_id}/measurements/stats", ids(deviceID, sensorID))
}

// MeasurementCount returns the number of stored measurements.
func (c *Client) MeasurementCount(ctx context.Context) (int64, error) {
	res, err := get[int64](ctx, c, "/api/measurements/count", nil)
	if err != nil {
		return 0, err
	}
	if res.Outcome != Found {
		status := http.StatusOK
		if res.Outcome == NotFound {
			status = http.StatusNotFound
		}
		return 0, &Error{Code: CodeUnexpectedStatus, Message: "measurement count " + res.Outcome.String(), StatusCode: status}
	}
	return res.Value, nil
}

// LatestMeasurement fetches the newest measurement overall. Outcome is Empty
// when the store holds none.
func (c *Client) LatestMeasurement(ctx context.Context) (Result[Measurement], error) {
	return get[Measurement](ctx, c, "/api/measurements/latest", nil)
}

// LatestPerSensor fetches the newest measurement of every sensor.
func (c *Client) LatestPerSensor(ctx context.Context) (Result[[]Measurement], error) {
	return get[[]Measurement](ctx, c, "/api/measurements/latest/all", nil)
}

// CreateDevice provisions a device.
func (c *Client) CreateDevice(ctx context.Context, d NewDevice) (Device, error) {
	var device Device
	err := c.send(ctx, http.MethodPost, "/api/devices", nil, d, &device)
	return device, err
}

// UpdateDevice edits the metadata of a device.
func (c *Client) UpdateDevice(ctx context.Context, d Device) (Device, error) {
	var device Device
	err := c.send(ctx, http.MethodPut, "/api/devices/{device_id}", ids(d.ID), NewDevice{Name: d.Name, Location: d.Location}, &device)
	return device, err
}

// CreateSensor provisions a sensor on an existing device.
func (c *Client) CreateSensor(ctx context.Context, s NewSensor) (Sensor, error) {
	var sensor Sensor
	err := c.send(ctx, http.MethodPost, "/api/sensors", nil, s, &sensor)
	return sensor, err
}

// SubmitMeasurement posts one measurement and returns it as stored.
func (c *Client) SubmitMeasurement(ctx context.Context, msg Message) (Measurement, error) {
	var m Measurement
	err := c.send(ctx, http.MethodPost, "/api/measurements", nil, msg, &m)
	return m, err
}

func ids(values ...int64) map[string]string {
	names := []string{"device_id", "sensor_id"}
	params := make(map[string]string, len(values))
	for i, v := range values {
		params[names[i]] = strconv.FormatInt(v, 10)
	}
	return params
}

// get decides the outcome from the status code and the decoded body.
func get[T any](ctx context.Context, c *Client, path string, params map[string]string) (Result[T], error) {
	var res Result[T]

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		Get(path)
	if err != nil {
		return res, fmt.Errorf("failed to request %s: %w", path, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		apiErr := decodeError(resp)
		if apiErr.Code == CodeUnexpectedStatus {
			return res, apiErr
		}
		res.Outcome = NotFound
		res.Code = apiErr.Code
		return res, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return res, decodeError(resp)
	}

	body := bytes.TrimSpace(resp.Body())
	if bytes.Equal(body, []byte("null")) || bytes.Equal(body, []byte("[]")) {
		res.Outcome = Empty
		return res, nil
	}

	if err := json.Unmarshal(body, &res.Value); err != nil {
		return res, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	res.Outcome = Found
	return res, nil
}

func (c *Client) send(ctx context.Context, method, path string, params map[string]string, body, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Execute(method, path)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", path, err)
	}

	if resp.IsError() {
		return decodeError(resp)
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *resty.Response) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = CodeUnexpectedStatus
		apiErr.Message = resp.Status()
	}
	return apiErr
}
