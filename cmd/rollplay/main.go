// Command rollplay runs a local demonstration of the rollback netcode
// runtime: N peers in one process, wired over a loopback hub with a
// configurable simulated link, playing the demo arena. Peer one is
// keyboard-controlled unless -headless; the rest are scripted bots.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andersfylling/rollplay/internal/demo"
	"github.com/andersfylling/rollplay/internal/protocol"
	"github.com/andersfylling/rollplay/internal/session"
	"github.com/andersfylling/rollplay/internal/transport"
)

// Version is set at build time
var Version = "dev"

type peer struct {
	id    protocol.PlayerID
	sess  *session.Session
	world *demo.World
}

func main() {
	var (
		peers    = flag.Int("peers", 2, "number of in-process peers")
		frames   = flag.Int("frames", 600, "frames to run in headless mode")
		headless = flag.Bool("headless", false, "run without a terminal UI and print a report")
		hops     = flag.Int("latency", 0, "simulated link delay in ticks")
		loss     = flag.Float64("loss", 0, "simulated packet loss rate [0,1)")
		seed     = flag.Int64("seed", 1, "seed for the simulated link")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if !*headless {
		// The terminal belongs to tcell; keep the log out of it.
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.ErrorLevel)
	}

	if *peers < 2 {
		fmt.Fprintln(os.Stderr, "need at least 2 peers")
		os.Exit(1)
	}

	cluster, err := buildCluster(*peers, *hops, *loss, *seed, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		for _, p := range cluster.peers {
			p.sess.Shutdown()
		}
	}()

	if *headless {
		runHeadless(cluster, *frames)
		printReport(cluster)
		return
	}

	if err := runInteractive(cluster); err != nil {
		fmt.Fprintf(os.Stderr, "ui: %v\n", err)
		os.Exit(1)
	}
	printReport(cluster)
}

type demoCluster struct {
	hub   *transport.Hub
	peers []*peer
}

func buildCluster(n, hops int, loss float64, seed int64, log *logrus.Logger) (*demoCluster, error) {
	ids := make([]protocol.PlayerID, n)
	for i := range ids {
		ids[i] = protocol.PlayerID(fmt.Sprintf("p%02d", i+1))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	c := &demoCluster{hub: transport.NewHub(seed)}
	c.hub.SetLink(loss, hops)

	host := ids[0]
	for _, id := range ids {
		world := demo.NewWorld()
		for i, owner := range ids {
			world.SpawnPawn(string(owner), int64(8_000+i*(demo.ArenaWidth-16_000)/n), demo.FloorY)
		}
		sess, err := session.New(session.DefaultConfig(), session.Deps{
			Transport: c.hub.Attach(id),
			Sim:       world,
			Log:       log,
		})
		if err != nil {
			return nil, err
		}
		c.peers = append(c.peers, &peer{id: id, sess: sess, world: world})
	}

	for _, p := range c.peers {
		if p.id == host {
			if err := p.sess.StartAsHost(p.id); err != nil {
				return nil, err
			}
		} else {
			if err := p.sess.JoinAsClient(p.id, host); err != nil {
				return nil, err
			}
		}
		for _, other := range ids {
			if other == p.id || (other == host && p.id != host) {
				continue
			}
			if err := p.sess.AddPlayer(other, session.PlayerInfo{}); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// botIntent drives the scripted peers: pace back and forth, hop now
// and then, swing every 61 frames.
func botIntent(index int, frame protocol.Frame) byte {
	var intent byte
	phase := (uint32(frame) / 90) % 2
	if (phase == 0) == (index%2 == 0) {
		intent |= demo.IntentLeft
	} else {
		intent |= demo.IntentRight
	}
	if uint32(frame)%137 == uint32(index*17)%137 {
		intent |= demo.IntentJump
	}
	if uint32(frame)%61 == 0 {
		intent |= demo.IntentAttack
	}
	return intent
}

// step drives every peer once and releases one hop of link delay.
func (c *demoCluster) step(now time.Time, localIntent byte) {
	for i, p := range c.peers {
		intent := localIntent
		if i > 0 {
			intent = botIntent(i, p.sess.GetStatus().CurrentFrame)
		}
		p.sess.SendLocalInput(protocol.Input{intent})
		p.sess.Step(now)
	}
	c.hub.Step()
}

func runHeadless(c *demoCluster, frames int) {
	now := time.Unix(0, 0)
	period := time.Second / 60
	for i := 0; i < frames; i++ {
		now = now.Add(period)
		c.step(now, botIntent(0, c.peers[0].sess.GetStatus().CurrentFrame))
	}
}

func printReport(c *demoCluster) {
	fmt.Printf("rollplay %s — session report\n", Version)
	for _, p := range c.peers {
		st := p.sess.GetStatus()
		sum, _ := p.world.Checksum(protocol.ChecksumEnhanced)
		fmt.Printf("  %s frame=%d confirmed=%d rollbacks=%d avgDepth=%.1f predictions=%d desyncs=%d batch=%.1f ratio=%.2f state=%016x\n",
			p.id, st.CurrentFrame, st.ConfirmedFrame,
			st.Engine.RollbackCount, st.Engine.AvgRollbackDepth,
			st.Engine.PredictionCount, st.DesyncCount,
			st.AvgBatchSize, st.CompressionRatio, sum)
	}
}
