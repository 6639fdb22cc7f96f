// Package events implements the event bus / CSV sink: every trigger
// transition is mirrored to an MQTT topic and to a local append-only CSV
// file. Grounded on doismellburning-samoyed's src/log.go, which opens
// one CSV file per run and appends a header-then-rows stream with
// encoding/csv, and on __main__.py's BatRack.evaluate_triggers, which
// performs the MQTT publish and the CSV append from the same call.
package events

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TriggerEvent is the immutable record of one unit trigger transition.
type TriggerEvent struct {
	WallTime time.Time
	Unit     string
	Value    bool
	Payload  map[string]any
}

// Recorder is what the supervisor calls on every trigger edge. A single
// Recorder fans the event out to every configured Sink.
type Recorder struct {
	sinks []Sink
}

// Sink receives every TriggerEvent. Implementations must not block the
// caller for long.
type Sink interface {
	Record(TriggerEvent) error
}

// NewRecorder builds a Recorder fanning out to the given sinks, in order.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

// Record writes the event to every sink, logging (but not propagating) any
// individual sink failure -- a sink error is logged and otherwise ignored.
func (r *Recorder) Record(ev TriggerEvent, onErr func(Sink, error)) {
	for _, s := range r.sinks {
		if err := s.Record(ev); err != nil && onErr != nil {
			onErr(s, err)
		}
	}
}

// MQTTBus publishes TriggerEvents to <host>/batrack/<unit>/<value> with a
// JSON payload.
type MQTTBus struct {
	client       mqtt.Client
	topicPrefix  string
	publishedQOS byte
}

// NewMQTTBus connects to the broker at host:port and returns a bus
// publishing under <host>/batrack. Connection uses clean_session=false and
// a <host>-batrack client id, matching __main__.py's mqtt.Client setup.
func NewMQTTBus(host string, port int, keepaliveS int, stationHost string) (*MQTTBus, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID(stationHost + "-batrack").
		SetCleanSession(false).
		SetKeepAlive(time.Duration(keepaliveS) * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("events: mqtt connect: %w", tok.Error())
	}

	return &MQTTBus{
		client:      client,
		topicPrefix: stationHost + "/batrack",
	}, nil
}

// Record publishes the event; errors are transient peer-loss conditions
// and are returned for the Recorder to log.
func (b *MQTTBus) Record(ev TriggerEvent) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/%t", b.topicPrefix, ev.Unit, ev.Value)
	tok := b.client.Publish(topic, 0, false, body)
	tok.Wait()
	return tok.Error()
}

// Disconnect tears down the MQTT connection.
func (b *MQTTBus) Disconnect() {
	b.client.Disconnect(250)
}

// CSVSink appends TriggerEvents to one append-only CSV file for the
// lifetime of a run, columns: wall_time, unit, trigger_value, json_payload.
type CSVSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewCSVSink creates (or appends to) <dataPath>/<host>_<startISO>_<runName>.csv.
func NewCSVSink(dataPath, host, runName string, startTime time.Time) (*CSVSink, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("events: mkdir %s: %w", dataPath, err)
	}

	name := fmt.Sprintf("%s_%s_%s.csv", host, startTime.Format("2006-01-02T15_04_05"), runName)
	full := filepath.Join(dataPath, name)

	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: open %s: %w", full, err)
	}

	return &CSVSink{file: f, writer: csv.NewWriter(f)}, nil
}

// Record appends one row and flushes, matching doismellburning-samoyed's
// pattern of flushing the CSV writer after every row so a crash does not
// lose events.
func (s *CSVSink) Record(ev TriggerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}

	row := []string{
		ev.WallTime.Format(time.RFC3339Nano),
		ev.Unit,
		fmt.Sprintf("%t", ev.Value),
		string(payload),
	}
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("events: write row: %w", err)
	}
	s.writer.Flush()
	return s.writer.Error()
}

// Close closes the underlying file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
