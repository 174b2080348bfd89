package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/internal/store"
)

// pathID parses a numeric path segment.
func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, NewAPIError(ErrorCodeBadRequest, fmt.Sprintf("%s must be an integer, got %q", name, raw), http.StatusBadRequest)
	}
	return id, nil
}

func deviceAndSensor(r *http.Request) (int64, int64, error) {
	deviceID, err := pathID(r, "device_id")
	if err != nil {
		return 0, 0, err
	}
	sensorID, err := pathID(r, "sensor_id")
	if err != nil {
		return 0, 0, err
	}
	return deviceID, sensorID, nil
}

func decodeBody(r *http.Request, w http.ResponseWriter, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewAPIError(ErrorCodeBadRequest, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
	}
	return nil
}

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

// respond writes value, or the mapped error when err is set.
func respond[T any](s *Server, w http.ResponseWriter, r *http.Request, value T, err error) {
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(s.logger, w, http.StatusOK, value)
}

// respondLatest writes the measurement, or JSON null when there is none.
func (s *Server) respondLatest(w http.ResponseWriter, r *http.Request, m store.Measurement, found bool, err error) {
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !found {
		respondJSON(s.logger, w, http.StatusOK, nil)
		return
	}
	respondJSON(s.logger, w, http.StatusOK, m)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	if _, err := s.query.MeasurementCount(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		respondJSON(s.logger, w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	devices, err := s.query.Devices(ctx)
	respond(s, w, r, devices, err)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "device_id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	device, err := s.query.Device(ctx, deviceID)
	respond(s, w, r, device, err)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	sensors, err := s.query.Sensors(ctx)
	respond(s, w, r, sensors, err)
}

func (s *Server) handleSensorsOf(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "device_id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	sensors, err := s.query.SensorsOf(ctx, deviceID)
	respond(s, w, r, sensors, err)
}

func (s *Server) handleMeasurementsOfDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "device_id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	series, err := s.query.MeasurementsOfDevice(ctx, deviceID)
	respond(s, w, r, series, err)
}

func (s *Server) handleMeasurementsOf(w http.ResponseWriter, r *http.Request) {
	deviceID, sensorID, err := deviceAndSensor(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	series, err := s.query.MeasurementsOf(ctx, deviceID, sensorID)
	respond(s, w, r, series, err)
}

func (s *Server) handleLatestOf(w http.ResponseWriter, r *http.Request) {
	deviceID, sensorID, err := deviceAndSensor(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	m, found, err := s.query.LatestOf(ctx, deviceID, sensorID)
	s.respondLatest(w, r, m, found, err)
}

func (s *Server) handleStatsOf(w http.ResponseWriter, r *http.Request) {
	deviceID, sensorID, err := deviceAndSensor(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	stats, err := s.query.StatsOf(ctx, deviceID, sensorID)
	respond(s, w, r, stats, err)
}

func (s *Server) handleMeasurementCount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	count, err := s.query.MeasurementCount(ctx)
	respond(s, w, r, count, err)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	m, found, err := s.query.LatestMeasurement(ctx)
	s.respondLatest(w, r, m, found, err)
}

func (s *Server) handleLatestPerSensor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	latest, err := s.query.LatestPerSensor(ctx)
	respond(s, w, r, latest, err)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var body store.NewDevice
	if err := decodeBody(r, w, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	device, err := s.writer.CreateDevice(ctx, body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.logger.Info("device created", "device_id", device.ID, "name", device.Name)
	respondJSON(s.logger, w, http.StatusCreated, device)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "device_id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var body store.NewDevice
	if err := decodeBody(r, w, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	device, err := s.writer.UpdateDevice(ctx, store.Device{ID: deviceID, Name: body.Name, Location: body.Location})
	respond(s, w, r, device, err)
}

func (s *Server) handleCreateSensor(w http.ResponseWriter, r *http.Request) {
	var body store.NewSensor
	if err := decodeBody(r, w, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	sensor, err := s.writer.CreateSensor(ctx, body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.logger.Info("sensor created", "sensor_id", sensor.ID, "device_id", sensor.DeviceID, "kind", sensor.Kind)
	respondJSON(s.logger, w, http.StatusCreated, sensor)
}

func (s *Server) handleSubmitMeasurement(w http.ResponseWriter, r *http.Request) {
	var msg ingest.Message
	if err := decodeBody(r, w, &msg); err != nil {
		s.respondError(w, r, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	m, err := s.ingester.Ingest(ctx, ingest.SourceHTTP, msg)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(s.logger, w, http.StatusAccepted, m)
}
