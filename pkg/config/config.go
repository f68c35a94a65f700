// Package config loads the node's configuration from the environment,
// grounded on pkg/atlas/config.go's reflection-based env-tag loader: one
// struct, one UnmarshalEnv method, the same "NAME=default" /
// "NAME?=default" struct-tag grammar.
package config

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/8xff/sdn-overlay/internal/identity"
)

// Config holds every tunable named in spec.md §6. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=). All list-valued fields are comma-separated.
type Config struct {
	// This node's stable identifier. If zero, the node generates a random
	// one at startup (see identity.NewRandomNodeId).
	NodeID identity.NodeId `env:"SDN_NODE_ID?=0"`

	// The UDP addresses to listen on for neighbor links (comma-separated).
	// If a port is 0, a random one is chosen.
	UDPBindAddrs []netip.AddrPort `env:"SDN_UDP_BIND_ADDRS=:0"`

	// Known neighbors to dial at startup (comma-separated "node_id@addr"
	// pairs): spec.md's neighbor handshake addresses a ConnectRequest to a
	// specific remote NodeId (4.C), so a bare address isn't enough to
	// dial one out.
	StaticPeers []PeerAddr `env:"SDN_STATIC_PEERS"`

	// How often the controller drives on_tick across features and
	// services, in milliseconds (spec.md §5).
	TickMs int `env:"SDN_TICK_MS=1000"`

	// How often the router exchanges RouterSyncMsg with neighbors, in
	// milliseconds (spec.md 4.D).
	SyncMs int `env:"SDN_SYNC_MS=1000"`

	// The retry interval for acked exchanges (DHT-KV writes/subs, pub/sub
	// control, RPC calls), in milliseconds. cmd/sdn-node does not pass this
	// value on: the DHT-KV client, pub/sub relay and RPC client each use a
	// fixed 200 ms.
	AckTimeoutMs int `env:"SDN_ACK_TIMEOUT_MS=200"`

	// The number of retries before an acked exchange surfaces as failed.
	// cmd/sdn-node does not pass this value on: the DHT-KV client, pub/sub
	// relay and RPC client each use a fixed 5.
	AckRetries int `env:"SDN_ACK_RETRIES=5"`

	// The pre-shared key used by the default Authorization and handshake
	// implementations (internal/security). Hex-encoded.
	PresharedKey string `env:"SDN_PRESHARED_KEY"`

	// The address to serve /metrics on. If empty, the metrics endpoint is
	// disabled.
	MetricsAddr string `env:"SDN_METRICS_ADDR"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"SDN_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"SDN_LOG_STDOUT=true"`

	// Whether to use pretty (console-writer) logs instead of JSON.
	LogStdoutPretty bool `env:"SDN_LOG_STDOUT_PRETTY=false"`

	// The log file to output to, if provided.
	LogFile string `env:"SDN_LOG_FILE"`

	// How long a subscriber may go without a SubPing before the
	// responsible DHT-KV node expires it, in milliseconds. cmd/sdn-node
	// copies it into controller.Config, which does not use it: the DHT-KV
	// server always expires subscribers after a fixed 20000 ms.
	SubExpiryMs int `env:"SDN_SUB_EXPIRY_MS=20000"`

	// How often a pub/sub Number feedback aggregate is flushed upstream
	// when no window_ms is specified by the caller, in milliseconds.
	// cmd/sdn-node does not pass this value on: the pub/sub relay uses a
	// fixed 200 ms default.
	FeedbackWindowMs int `env:"SDN_FEEDBACK_WINDOW_MS=200"`
}

// UnmarshalEnv populates c from es, a list of "KEY=VALUE" strings (as
// returned by os.Environ or github.com/hashicorp/go-envparse). If
// incremental is true, fields whose env var is absent from es keep their
// current value instead of being reset to their tag's default.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "SDN_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case identity.NodeId:
			if val == "" {
				cvf.Set(reflect.ValueOf(identity.NodeId(0)))
			} else if v, err := strconv.ParseUint(val, 10, 32); err == nil {
				cvf.Set(reflect.ValueOf(identity.NodeId(v)))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			} else if v, err := parseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []netip.AddrPort:
			if val == "" {
				cvf.Set(reflect.ValueOf([]netip.AddrPort{}))
			} else {
				parts := strings.Split(val, ",")
				addrs := make([]netip.AddrPort, 0, len(parts))
				for _, p := range parts {
					v, err := parseAddrPort(p)
					if err != nil {
						return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), p, err)
					}
					addrs = append(addrs, v)
				}
				cvf.Set(reflect.ValueOf(addrs))
			}
		case []PeerAddr:
			if val == "" {
				cvf.Set(reflect.ValueOf([]PeerAddr{}))
			} else {
				parts := strings.Split(val, ",")
				peers := make([]PeerAddr, 0, len(parts))
				for _, p := range parts {
					v, err := parsePeerAddr(p)
					if err != nil {
						return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), p, err)
					}
					peers = append(peers, v)
				}
				cvf.Set(reflect.ValueOf(peers))
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// PeerAddr names a static neighbor to dial at startup: its NodeId and the
// address it's reachable at.
type PeerAddr struct {
	ID   identity.NodeId
	Addr netip.AddrPort
}

// parsePeerAddr parses s as "node_id@addr".
func parsePeerAddr(s string) (PeerAddr, error) {
	idStr, addrStr, ok := strings.Cut(s, "@")
	if !ok {
		return PeerAddr{}, fmt.Errorf("expected node_id@addr, got %q", s)
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("invalid node_id %q: %w", idStr, err)
	}
	addr, err := parseAddrPort(addrStr)
	if err != nil {
		return PeerAddr{}, err
	}
	return PeerAddr{ID: identity.NodeId(id), Addr: addr}, nil
}

// parseAddrPort parses s as a netip.AddrPort, treating a bare ":port" (no
// host) as binding on all interfaces, same shorthand pkg/atlas/config.go
// accepts for its AddrUDP field.
func parseAddrPort(s string) (netip.AddrPort, error) {
	if v, err := netip.ParseAddrPort(s); err == nil {
		return v, nil
	}
	if strings.HasPrefix(s, ":") {
		if v, err := netip.ParseAddrPort("[::]" + s); err == nil {
			return v, nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("invalid address:port %q", s)
}
