package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"vitals-monitor/internal/models"
)

var (
	ErrMalformedEvent = errors.New("handler: malformed event payload")
	ErrUnknownEvent   = errors.New("handler: unknown event")
)

// rawPayload is the wire shape shared by dados_vitais and dados_quedas. Numbers
// may arrive as JSON numbers or numeric strings.
type rawPayload struct {
	PatientID json.RawMessage `json:"patientId"`
	BPM       json.RawMessage `json:"bpm"`
	SpO2      json.RawMessage `json:"spo2"`
	Activity  json.RawMessage `json:"activity"`
	Status    json.RawMessage `json:"status"`
	G         json.RawMessage `json:"g"`
}

// DecodeEvent turns a named stream payload into a typed event.
func DecodeEvent(name string, payload []byte) (models.StreamEvent, error) {
	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	patientID, err := decodeString(raw.PatientID)
	if err != nil {
		return nil, fmt.Errorf("%w: patientId: %v", ErrMalformedEvent, err)
	}
	if patientID == nil || *patientID == "" {
		return nil, fmt.Errorf("%w: missing patientId", ErrMalformedEvent)
	}

	switch name {
	case models.EventVitals:
		ev := models.VitalsEvent{PatientID: *patientID}
		if ev.BPM, err = decodeNumber(raw.BPM); err != nil {
			return nil, fmt.Errorf("%w: bpm: %v", ErrMalformedEvent, err)
		}
		if ev.SpO2, err = decodeNumber(raw.SpO2); err != nil {
			return nil, fmt.Errorf("%w: spo2: %v", ErrMalformedEvent, err)
		}
		if ev.Activity, err = decodeString(raw.Activity); err != nil {
			return nil, fmt.Errorf("%w: activity: %v", ErrMalformedEvent, err)
		}
		return ev, nil

	case models.EventFalls:
		ev := models.FallSignalEvent{PatientID: *patientID}
		status, err := decodeString(raw.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: status: %v", ErrMalformedEvent, err)
		}
		if status != nil {
			ev.Status = *status
		}
		g, err := decodeNumber(raw.G)
		if err != nil {
			return nil, fmt.Errorf("%w: g: %v", ErrMalformedEvent, err)
		}
		if g != nil {
			ev.GForce = *g
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

// RouteStreamMessage decodes a broker message. Messages are either an envelope
// {"event": name, "data": payload} or a bare payload routed by its keys.
func RouteStreamMessage(msg []byte) (models.StreamEvent, error) {
	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope.Event != "" && len(envelope.Data) > 0 {
		return DecodeEvent(envelope.Event, envelope.Data)
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(msg, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, ok := generic["g"]; ok {
		return DecodeEvent(models.EventFalls, msg)
	} else if _, ok := generic["status"]; ok {
		return DecodeEvent(models.EventFalls, msg)
	} else if _, ok := generic["bpm"]; ok {
		return DecodeEvent(models.EventVitals, msg)
	} else if _, ok := generic["spo2"]; ok {
		return DecodeEvent(models.EventVitals, msg)
	} else if _, ok := generic["activity"]; ok {
		return DecodeEvent(models.EventVitals, msg)
	}
	return nil, fmt.Errorf("%w: no recognised keys", ErrUnknownEvent)
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func decodeNumber(raw json.RawMessage) (*float64, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch n := v.(type) {
	case float64:
		return &n, nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("not a number: %q", n)
		}
		return &f, nil
	}
	return nil, fmt.Errorf("unexpected %T", v)
}

// decodeString accepts strings and numbers (sensor ids are sometimes numeric).
func decodeString(raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch s := v.(type) {
	case string:
		s = strings.TrimSpace(s)
		return &s, nil
	case float64:
		str := strconv.FormatFloat(s, 'f', -1, 64)
		return &str, nil
	}
	return nil, fmt.Errorf("unexpected %T", v)
}
