// Command sdn-node runs a single overlay participant.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/8xff/sdn-overlay/internal/controller"
	"github.com/8xff/sdn-overlay/internal/identity"
	"github.com/8xff/sdn-overlay/internal/transport"
	"github.com/8xff/sdn-overlay/pkg/config"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var c config.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(c)

	if c.NodeID == 0 {
		c.NodeID = identity.NewRandomNodeId()
	}

	psk, err := hex.DecodeString(c.PresharedKey)
	if err != nil {
		log.Fatal().Err(err).Msg("preshared key is not valid hex")
	}

	if len(c.UDPBindAddrs) == 0 {
		log.Fatal().Msg("no SDN_UDP_BIND_ADDRS configured")
	}
	tr, err := transport.ListenUDP(c.UDPBindAddrs[0])
	if err != nil {
		log.Fatal().Err(err).Msg("bind UDP transport")
	}
	defer tr.Close()

	n := controller.New(controller.Config{
		NodeID:       c.NodeID,
		SyncMs:       uint64(c.SyncMs),
		SubExpiryMs:  uint64(c.SubExpiryMs),
		PresharedKey: psk,
	}, tr, log)

	nowMs := uint64(0)
	for _, peer := range c.StaticPeers {
		if err := n.Dial(peer.ID, peer.Addr, nowMs); err != nil {
			log.Warn().Err(err).Uint32("remote", uint32(peer.ID)).Str("addr", peer.Addr.String()).Msg("dial static peer")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.MetricsAddr != "" {
		go serveMetrics(c.MetricsAddr, log)
	}

	go logEvents(ctx, n, log)

	log.Info().
		Uint32("node", uint32(c.NodeID)).
		Str("local", tr.LocalAddr().String()).
		Msg("node starting")

	tickEvery := time.Duration(c.TickMs) * time.Millisecond
	if err := n.Run(ctx, tickEvery); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "error: run node: %v\n", err)
		os.Exit(1)
	}
}

func logEvents(ctx context.Context, n *controller.Node, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.Events():
			switch ev.Kind {
			case controller.EventNeighborUp:
				log.Info().Uint32("remote", uint32(ev.Remote)).Msg("neighbor up")
			case controller.EventNeighborDown:
				log.Info().Uint32("remote", uint32(ev.Remote)).Msg("neighbor down")
			case controller.EventPubSubData, controller.EventDHTChanged:
				// delivered to application code embedding this process;
				// nothing to log here by default.
			}
		}
	}
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, no-cache, no-store")
		metrics.WriteProcessMetrics(w)
		metrics.WritePrometheus(w, false)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}

func newLogger(c config.Config) zerolog.Logger {
	var w io.Writer = io.Discard
	if c.LogStdout {
		if c.LogStdoutPretty {
			w = zerolog.ConsoleWriter{Out: os.Stdout}
		} else {
			w = os.Stdout
		}
	}
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			if w == io.Discard {
				w = f
			} else {
				w = zerolog.MultiLevelWriter(w, f)
			}
		}
	}
	return zerolog.New(w).Level(c.LogLevel).With().Timestamp().Logger()
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
