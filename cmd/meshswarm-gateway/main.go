// Command meshswarm-gateway runs a gateway-mode mesh node: telemetry push
// to a control plane, OTA firmware distribution, an HTTP query API over the
// replicated state/peer table/OTA status/telemetry archive, a dashboard
// websocket feed, and (when an MQTT broker is configured) the ops-command
// bridge. Grounded on the teacher's cmd/minitrue-server's flag/mode/signal
// shape, generalized from its ingestion/query mode switch into MeshSwarm's
// always-on gateway surface set.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/meshswarm/meshswarm/internal/clock"
	"github.com/meshswarm/meshswarm/internal/config"
	"github.com/meshswarm/meshswarm/internal/history"
	"github.com/meshswarm/meshswarm/internal/live"
	"github.com/meshswarm/meshswarm/internal/opsbridge"
	"github.com/meshswarm/meshswarm/internal/queryapi"
	"github.com/meshswarm/meshswarm/internal/swarm"
	"github.com/meshswarm/meshswarm/internal/transport/tcpmesh"
)

func main() {
	cfg := config.Default()
	cfg.GatewayMode = true
	fs := flag.NewFlagSet("meshswarm-gateway", flag.ExitOnError)
	config.RegisterFlags(fs, &cfg)

	var peers, telemetryURLs, otaURLs peerList
	fs.Var(&peers, "peer", "peer tcpmesh address (repeatable)")
	fs.Var(&telemetryURLs, "telemetry_url", "telemetry control-plane base URL (repeatable)")
	fs.Var(&otaURLs, "ota_url", "OTA control-plane base URL (repeatable)")
	tickInterval := fs.Duration("tick", 200*time.Millisecond, "scheduler tick period")
	fs.Parse(os.Args[1:])

	cfg.PeerAddrs = peers
	cfg.TelemetryBaseURLs = telemetryURLs
	cfg.OTABaseURLs = otaURLs
	if cfg.ListenAddr == "" {
		log.Fatalf("meshswarm-gateway: -listen is required")
	}

	mesh := tcpmesh.New(cfg.ListenAddr, cfg.PeerAddrs)
	if err := mesh.Start(); err != nil {
		log.Fatalf("meshswarm-gateway: %v", err)
	}
	defer mesh.Stop()

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("meshswarm-gateway: history dir: %v", err)
	}
	archive := history.NewArchive(cfg.HistoryDir)
	defer archive.Close()

	opts := []swarm.Option{swarm.WithGatewayMode(), swarm.WithTelemetry(), swarm.WithHistoryArchive(archive)}
	if len(cfg.OTABaseURLs) > 0 {
		opts = append(opts, swarm.WithOTA())
	}
	node := swarm.New(cfg, clock.NewMonotonic(), mesh, opts...)
	log.Printf("[GATEWAY] node %s listening on %s, id=%08x", node.Name(), cfg.ListenAddr, node.LocalID())

	var hub *live.Hub
	if cfg.QueryHTTPPort != 0 {
		hub = live.NewHub()
		go hub.Run()
		node.Store().Watch("*", func(key, value, oldValue string) {
			hub.Push(live.Event{Kind: "state", Data: live.StateChange{Key: key, Value: value, OldValue: oldValue}})
		})
	}

	var bridge *opsbridge.Bridge
	if cfg.MQTTBrokerURL != "" {
		b, err := opsbridge.New(mesh, opsbridge.Options{BrokerURL: cfg.MQTTBrokerURL})
		if err != nil {
			log.Printf("[ERR] opsbridge: %v", err)
		} else if err := b.Start(); err != nil {
			log.Printf("[ERR] opsbridge start: %v", err)
		} else {
			bridge = b
			defer bridge.Close()
			log.Printf("[GATEWAY] ops-command bridge listening on %s", cfg.MQTTBrokerURL)
		}
	}

	if cfg.QueryHTTPPort != 0 {
		svc := queryapi.New(node, node.Gateway(), archive, hub)
		addr := ":" + strconv.Itoa(cfg.QueryHTTPPort)
		go func() {
			if err := svc.ListenAndServe(addr); err != nil {
				log.Fatalf("meshswarm-gateway: query API: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			node.Tick()
		case <-sigCh:
			log.Printf("[GATEWAY] %s shutting down", node.Name())
			return
		}
	}
}

// peerList implements flag.Value so a flag can be repeated.
type peerList []string

func (p *peerList) String() string { return strings.Join(*p, ",") }
func (p *peerList) Set(v string) error {
	*p = append(*p, v)
	return nil
}
