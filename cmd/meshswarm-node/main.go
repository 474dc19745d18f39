// Command meshswarm-node runs a plain mesh participant: it joins the mesh
// over tcpmesh, replicates shared state, and participates in coordinator
// election. Telemetry/OTA/query surfaces are gateway-only; run
// meshswarm-gateway for those. Grounded on the teacher's
// cmd/minitrue-server's flag/signal/shutdown shape.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshswarm/meshswarm/internal/clock"
	"github.com/meshswarm/meshswarm/internal/config"
	"github.com/meshswarm/meshswarm/internal/swarm"
	"github.com/meshswarm/meshswarm/internal/transport/tcpmesh"
)

func main() {
	cfg := config.Default()
	fs := flag.NewFlagSet("meshswarm-node", flag.ExitOnError)
	config.RegisterFlags(fs, &cfg)
	var peers peerList
	fs.Var(&peers, "peer", "peer tcpmesh address (repeatable)")
	tickInterval := fs.Duration("tick", 200*time.Millisecond, "scheduler tick period")
	fs.Parse(os.Args[1:])
	cfg.PeerAddrs = peers

	if cfg.ListenAddr == "" {
		log.Fatalf("meshswarm-node: -listen is required")
	}

	mesh := tcpmesh.New(cfg.ListenAddr, cfg.PeerAddrs)
	if err := mesh.Start(); err != nil {
		log.Fatalf("meshswarm-node: %v", err)
	}
	defer mesh.Stop()

	node := swarm.New(cfg, clock.NewMonotonic(), mesh)
	log.Printf("[MESH] node %s listening on %s, id=%08x", node.Name(), cfg.ListenAddr, node.LocalID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			node.Tick()
		case <-sigCh:
			log.Printf("[MESH] %s shutting down", node.Name())
			return
		}
	}
}

// peerList implements flag.Value so -peer can be repeated.
type peerList []string

func (p *peerList) String() string { return "" }
func (p *peerList) Set(v string) error {
	*p = append(*p, v)
	return nil
}
