package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitals-monitor/internal/config"
	"vitals-monitor/internal/models"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingWatcher struct {
	mu        sync.Mutex
	watched   []string
	unwatched []string
	calls     chan struct{}
}

func newRecordingWatcher() *recordingWatcher {
	return &recordingWatcher{calls: make(chan struct{}, 8)}
}

func (w *recordingWatcher) Watch(_ context.Context, id string) (*models.PatientView, error) {
	w.mu.Lock()
	w.watched = append(w.watched, id)
	w.mu.Unlock()
	w.calls <- struct{}{}
	return &models.PatientView{}, nil
}

func (w *recordingWatcher) Unwatch(_ context.Context, id string) (bool, error) {
	w.mu.Lock()
	w.unwatched = append(w.unwatched, id)
	w.mu.Unlock()
	w.calls <- struct{}{}
	return true, nil
}

func testMQTTConfig() *config.Config {
	return &config.Config{
		MQTTVitalsTopic:   "dados_vitais",
		MQTTFallsTopic:    "dados_quedas",
		MQTTControlPrefix: "monitor",
	}
}

func TestMQTTBridge_Topics(t *testing.T) {
	b := NewMQTTBridge(context.Background(), testMQTTConfig(), newChanSink(), newRecordingWatcher(), nil, nil)
	assert.Equal(t, []string{"dados_vitais", "dados_quedas", "monitor/watch", "monitor/unwatch"}, b.Topics())
}

func TestMQTTBridge_ForwardsStreamPayloads(t *testing.T) {
	sink := newChanSink()
	b := NewMQTTBridge(context.Background(), testMQTTConfig(), sink, newRecordingWatcher(), nil, nil)
	handle := NewMessageHandler(b)

	handle(nil, fakeMessage{topic: "dados_vitais", payload: []byte(`{"patientId":"p1","bpm":64}`)})
	handle(nil, fakeMessage{topic: "dados_vitais", payload: []byte(`{"bpm":64}`)})
	handle(nil, fakeMessage{topic: "dados_quedas", payload: []byte(`{"patientId":"p1","status":"QUEDA_CONFIRMADA","g":1.1}`)})
	handle(nil, fakeMessage{topic: "elsewhere", payload: []byte(`{}`)})

	v := sink.next(t).(models.VitalsEvent)
	assert.Equal(t, 64.0, *v.BPM)
	f := sink.next(t).(models.FallSignalEvent)
	assert.Equal(t, "QUEDA_CONFIRMADA", f.Status)
	assert.Empty(t, sink.events)
}

func TestMQTTBridge_ControlTopics(t *testing.T) {
	w := newRecordingWatcher()
	b := NewMQTTBridge(context.Background(), testMQTTConfig(), newChanSink(), w, nil, nil)
	handle := NewMessageHandler(b)

	handle(nil, fakeMessage{topic: "monitor/watch", payload: []byte(`{"patientId":"p7"}`)})
	handle(nil, fakeMessage{topic: "monitor/watch", payload: []byte(`{"nope":true}`)})
	<-w.calls
	handle(nil, fakeMessage{topic: "monitor/unwatch", payload: []byte(`{"patientId":"p7"}`)})

	select {
	case <-w.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("unwatch not called")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Equal(t, []string{"p7"}, w.watched)
	assert.Equal(t, []string{"p7"}, w.unwatched)
}
