package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"

	"github.com/render-se/PX4-Autopilot/pkg/iolink"
)

// DefaultInterval is the default stats publish period.
const DefaultInterval = time.Second

// Sink receives published payloads. Queue satisfies it.
type Sink interface {
	Pub(topic string, payload []byte) paho.Token
}

// Publisher periodically publishes the link counters as JSON to
// link/<id>/stats.
type Publisher struct {
	Sink     Sink
	Stats    *iolink.Counters
	ID       string
	Interval time.Duration
}

// NewPublisher creates a Publisher with the machine-derived id and the
// default interval.
func NewPublisher(sink Sink, stats *iolink.Counters) *Publisher {
	p := &Publisher{Sink: sink, Stats: stats, Interval: DefaultInterval}
	if id, err := MachineID(); err == nil {
		p.ID = id
	} else {
		glog.Warningf("telemetry: no machine id: %v", err)
		p.ID = "unknown"
	}
	return p
}

// Name returns the component name.
func (p *Publisher) Name() string {
	return "telemetry"
}

// Topic returns the stats topic for this publisher's id.
func (p *Publisher) Topic() string {
	return "link/" + p.ID + "/stats"
}

// Run publishes once at start and then on every interval tick until the
// context is canceled.
func (p *Publisher) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	p.publish()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *Publisher) publish() {
	snap := p.Stats.Snapshot()
	payload, err := json.Marshal(&snap)
	if err != nil {
		glog.Errorf("telemetry: encode stats: %v", err)
		return
	}
	glog.V(4).Infof("telemetry: PUB %s", p.Topic())
	p.Sink.Pub(p.Topic(), payload)
}

// MachineID returns the stable host identifier used in stats topics,
// truncated for readability.
func MachineID() (string, error) {
	id, err := machineid.ID()
	if err != nil {
		return "", err
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id, nil
}

// SplitStatsTopic extracts the publisher id from a link/<id>/stats
// topic.
func SplitStatsTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "link" || parts[2] != "stats" {
		return "", false
	}
	return parts[1], true
}
