package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zhazhalaila/SubsetBFT/consensus"
	"github.com/zhazhalaila/SubsetBFT/keygen/keys"
	"github.com/zhazhalaila/SubsetBFT/libnet"
	"github.com/zhazhalaila/SubsetBFT/message"
	"github.com/zhazhalaila/SubsetBFT/metrics"
)

const (
	configKey   = "config"
	idKey       = "id"
	fKey        = "f"
	portKey     = "port"
	peersKey    = "peers"
	observerKey = "observers"
	keysKey     = "keys"
	logKey      = "log"
	logLevelKey = "log-level"
	metricsKey  = "metrics"
	sessionKey  = "session"
	batchKey    = "batch"
	dialKey     = "dial-timeout"
)

func addFlags(flags *pflag.FlagSet) {
	flags.String(configKey, "", "config file, flags and SUBSET_* env vars override it")
	flags.Int(idKey, 0, "assign a unique number to different server, ids outside peers run an observer")
	flags.Int(fKey, 1, "byzantine node number")
	flags.String(portKey, ":8000", "network port number")
	flags.StringSlice(peersKey, nil, "validator addresses, the position is the validator id")
	flags.StringToString(observerKey, nil, "observer id=address pairs that also receive broadcasts")
	flags.String(keysKey, "keys", "key directory written by keygen")
	flags.String(logKey, "", "log file path, stderr when empty")
	flags.String(logLevelKey, "info", "log level")
	flags.String(metricsKey, "", "address to serve prometheus metrics on, disabled when empty")
	flags.Uint64(sessionKey, 0, "session to propose in")
	flags.Int(batchKey, 0, "propose this many fake 250 bytes transactions, 0 only follows")
	flags.Duration(dialKey, 10*time.Second, "how long to keep dialing peers")
}

func command() *cobra.Command {
	v := viper.New()
	c := &cobra.Command{
		Use:   "server",
		Short: "Runs one subset node",
		PreRunE: func(c *cobra.Command, args []string) error {
			return loadConfig(v, c.Flags())
		},
		RunE: func(c *cobra.Command, args []string) error {
			return run(v)
		},
	}
	addFlags(c.Flags())
	return c
}

func loadConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}
	v.SetEnvPrefix("subset")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(configKey); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}

// makeLogger writes to the log file when one is set, the returned func closes it.
func makeLogger(v *viper.Viper) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(v.GetString(logLevelKey))
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	closeFn := func() {}
	if path := v.GetString(logKey); path != "" {
		// Create file to store log.
		logFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("error opening file: %w", err)
		}
		out = logFile
		closeFn = func() { logFile.Close() }
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Int("id", v.GetInt(idKey)).Logger()
	return logger, closeFn, nil
}

func run(v *viper.Viper) error {
	logger, closeLog, err := makeLogger(v)
	if err != nil {
		return err
	}
	defer closeLog()

	peers := v.GetStringSlice(peersKey)
	if len(peers) == 0 {
		return errors.New("no peers configured")
	}
	n, f := len(peers), v.GetInt(fKey)
	ownID := consensus.NodeID(v.GetInt(idKey))
	ids := make([]consensus.NodeID, n)
	for i := range ids {
		ids[i] = consensus.NodeID(i)
	}

	ks, err := keys.Load(filepath.Join(v.GetString(keysKey), strconv.Itoa(n)), f+1)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	netinfo, err := ks.NetworkInfo(ownID, ids, f)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheusCollector(reg)
	if addr := v.GetString(metricsKey); addr != "" {
		go serveMetrics(logger, addr, reg)
	}

	// Create consume and release channel
	consumeCh := make(chan *message.Envelope, 100*100)
	releaseCh := make(chan bool)

	// Create network.
	rn := libnet.MakeNetwork(v.GetString(portKey), logger, consumeCh, releaseCh)
	if err := rn.Start(); err != nil {
		return err
	}

	// Create consensus module.
	cm := consensus.MakeConsensusModule(logger, netinfo, rn, releaseCh, consensus.WithMetrics(collector))
	go cm.Consume(consumeCh, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addrs, err := peerAddrs(peers, v.GetStringMapString(observerKey))
	if err != nil {
		rn.Shutdown()
		return err
	}
	if err := connectPeers(ctx, rn, ownID, addrs, v.GetDuration(dialKey)); err != nil {
		rn.Shutdown()
		return err
	}
	logger.Info().Int("n", n).Int("f", f).Bool("validator", netinfo.IsValidator()).Msg("start server")

	session := consensus.SessionID(v.GetUint64(sessionKey))
	if batch := v.GetInt(batchKey); batch > 0 && netinfo.IsValidator() {
		proposal := message.FakeProposal(batch, uint64(session), uint64(ownID))
		if err := cm.Input(session, proposal); err != nil {
			logger.Error().Err(err).Msg("input proposal")
		}
	}

L:
	for {
		select {
		case out := <-cm.Outputs():
			size := 0
			for _, value := range out.Contributions {
				size += len(value)
			}
			logger.Info().Uint64("session", uint64(out.Session)).Int("contributions", len(out.Contributions)).Int("bytes", size).Msg("session decided")
			cm.CloseSession(out.Session)
		case <-ctx.Done():
			break L
		}
	}

	logger.Info().Msg("shutting down")
	rn.Shutdown()
	return nil
}

// peerAddrs maps validator ids to their positions in peers, plus observers.
func peerAddrs(peers []string, observers map[string]string) (map[consensus.NodeID]string, error) {
	addrs := make(map[consensus.NodeID]string, len(peers)+len(observers))
	for i, addr := range peers {
		addrs[consensus.NodeID(i)] = addr
	}
	for key, addr := range observers {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("observer id %q: %w", key, err)
		}
		if _, ok := addrs[consensus.NodeID(id)]; ok {
			return nil, fmt.Errorf("observer id %d is a validator", id)
		}
		addrs[consensus.NodeID(id)] = addr
	}
	return addrs, nil
}

// connectPeers dials every other node, retrying until timeout.
func connectPeers(ctx context.Context, rn *libnet.Network, ownID consensus.NodeID, addrs map[consensus.NodeID]string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for id, addr := range addrs {
		id, addr := id, addr
		if id == ownID {
			continue
		}
		g.Go(func() error {
			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			for {
				err := rn.Connect(id, addr)
				if err == nil {
					return nil
				}
				select {
				case <-ctx.Done():
					return err
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func serveMetrics(logger zerolog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server")
	}
}

func main() {
	if err := command().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
