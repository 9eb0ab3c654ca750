package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/render-se/PX4-Autopilot/pkg/iolink"
	"github.com/render-se/PX4-Autopilot/pkg/telemetry"
)

var (
	mqttURL = "mqtt://localhost:1883/px4/"
)

func init() {
	if val := os.Getenv("PX4IO_MQTT_URL"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q, err := telemetry.NewQueueFromURL(mqttURL)
	if err != nil {
		log.Fatalln(err)
	}
	if token := q.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln(token.Error())
	}

	q.Sub("link/+/stats", telemetry.Handler(func(topic string, payload []byte) {
		id, ok := telemetry.SplitStatsTopic(topic)
		if !ok {
			return
		}
		var snap iolink.CountersSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			log.Printf("%s: bad payload: %v", topic, err)
			return
		}
		log.Printf("%s: xfer=%d timeout=%d crc=%d dma=%d line=%d proto=%d t=%s",
			id, snap.Transactions, snap.Timeouts, snap.CRCErrors,
			snap.DMAErrors, snap.LineErrors, snap.ProtocolErrors, snap.ExchangeTime)
	}))
	<-(chan struct{})(nil)
}
