package footprint

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Progress is a snapshot of a run as seen by the Publisher.
type Progress struct {
	RunID      string    `json:"run_id,omitempty"`
	Dataset    string    `json:"dataset"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Succeeded  int       `json:"succeeded"`
	Empty      int       `json:"empty"`
	Failed     int       `json:"failed"`
	Footprints int       `json:"footprints"`
	Buildings  int       `json:"buildings"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TileEvent is published to <prefix>/progress after every tile.
type TileEvent struct {
	RunID      string  `json:"run_id,omitempty"`
	TileID     int     `json:"tile_id"`
	I          int     `json:"i"`
	J          int     `json:"j"`
	Status     string  `json:"status"`
	Footprints int     `json:"footprints"`
	DurationMS int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
	Completed  int     `json:"completed"`
	Total      int     `json:"total"`
	Percent    float64 `json:"percent"`
	Timestamp  int64   `json:"timestamp"`
}

// RunEvent is published to <prefix>/run when a run starts and finishes.
type RunEvent struct {
	Event     string   `json:"event"`
	Progress  Progress `json:"progress"`
	ElapsedS  float64  `json:"elapsed_s,omitempty"`
	Error     string   `json:"error,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Publisher tracks run progress and, when it has a client, publishes it to
// MQTT. It is a TileSink. Publish failures are logged and never fail a run.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool

	mu       sync.RWMutex
	progress Progress
}

// NewPublisher creates a progress publisher.
// If client is nil, publishing is disabled and only progress is tracked.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "roofmesh"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // progress is fire and forget
		retain:        true, // latest state for late subscribers
		progress:      Progress{Status: "idle"},
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Progress returns a copy of the current progress.
func (p *Publisher) Progress() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.progress
}

// RunStarted resets progress for a new run and announces it.
func (p *Publisher) RunStarted(runID, dataset string, total int) {
	now := time.Now()
	p.mu.Lock()
	p.progress = Progress{
		RunID:     runID,
		Dataset:   dataset,
		Status:    RunRunning,
		Total:     total,
		StartedAt: now,
		UpdatedAt: now,
	}
	snapshot := p.progress
	p.mu.Unlock()

	p.publishBestEffort("run", RunEvent{Event: "started", Progress: snapshot, Timestamp: now.Unix()})
}

// Append implements TileSink.
func (p *Publisher) Append(out TileOutcome) error {
	now := time.Now()
	p.mu.Lock()
	pr := &p.progress
	pr.Completed++
	switch out.Status() {
	case TileFailed:
		pr.Failed++
	case TileEmpty:
		pr.Empty++
	default:
		pr.Succeeded++
		pr.Footprints += len(out.Footprints)
	}
	pr.UpdatedAt = now
	ev := TileEvent{
		RunID:      pr.RunID,
		TileID:     out.Tile.ID,
		I:          out.Tile.I,
		J:          out.Tile.J,
		Status:     string(out.Status()),
		Footprints: len(out.Footprints),
		DurationMS: out.Duration.Milliseconds(),
		Completed:  pr.Completed,
		Total:      pr.Total,
		Timestamp:  now.Unix(),
	}
	if pr.Total > 0 {
		ev.Percent = 100 * float64(pr.Completed) / float64(pr.Total)
	}
	p.mu.Unlock()

	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	p.publishBestEffort("progress", ev)
	return nil
}

// RunFinished records the final state of the run and announces it.
func (p *Publisher) RunFinished(status string, buildings int, elapsed time.Duration, runErr error) {
	now := time.Now()
	p.mu.Lock()
	p.progress.Status = status
	p.progress.Buildings = buildings
	p.progress.UpdatedAt = now
	snapshot := p.progress
	p.mu.Unlock()

	ev := RunEvent{Event: "finished", Progress: snapshot, ElapsedS: elapsed.Seconds(), Timestamp: now.Unix()}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	p.publishBestEffort("run", ev)
}

func (p *Publisher) publishBestEffort(sub string, v interface{}) {
	if p.client == nil {
		return
	}
	if err := p.publish(sub, v); err != nil {
		Logf("Error publishing %s: %v", sub, err)
	}
}

func (p *Publisher) publish(sub string, v interface{}) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, sub)

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", sub, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
