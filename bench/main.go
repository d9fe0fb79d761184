package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zhazhalaila/SubsetBFT/consensus"
	"github.com/zhazhalaila/SubsetBFT/keygen/keys"
	"github.com/zhazhalaila/SubsetBFT/message"
	"github.com/zhazhalaila/SubsetBFT/simulation"
)

const (
	nKey       = "n"
	fKey       = "f"
	roundsKey  = "rounds"
	batchKey   = "bs"
	workersKey = "workers"
	blsKey     = "bls"
	silentKey  = "silent"
	seedKey    = "seed"
)

func addFlags(flags *pflag.FlagSet) {
	flags.Int(nKey, 4, "total node number")
	flags.Int(fKey, 1, "byzantine node number")
	flags.Int(roundsKey, 10, "sessions to run")
	flags.Int(batchKey, 1, "fake 250 bytes transactions per proposal")
	flags.Int(workersKey, 4, "sessions simulated at once")
	flags.Bool(blsKey, false, "use dealt BLS keys instead of the fast test scheme")
	flags.Bool(silentKey, false, "make f validators silent")
	flags.Int64(seedKey, 0, "first scheduler seed, session i uses seed+i")
}

type config struct {
	n, f, rounds, batch, workers int
	bls, silent                  bool
	seed                         int64
}

func readConfig(flags *pflag.FlagSet) (config, error) {
	var cfg config
	var err error
	get := func(key string, dst *int) {
		if err == nil {
			*dst, err = flags.GetInt(key)
		}
	}
	get(nKey, &cfg.n)
	get(fKey, &cfg.f)
	get(roundsKey, &cfg.rounds)
	get(batchKey, &cfg.batch)
	get(workersKey, &cfg.workers)
	if err != nil {
		return cfg, err
	}
	if cfg.bls, err = flags.GetBool(blsKey); err != nil {
		return cfg, err
	}
	if cfg.silent, err = flags.GetBool(silentKey); err != nil {
		return cfg, err
	}
	cfg.seed, err = flags.GetInt64(seedKey)
	return cfg, err
}

type result struct {
	latency       time.Duration
	delivered     int
	contributions int
}

func command() *cobra.Command {
	c := &cobra.Command{
		Use:   "bench",
		Short: "Simulates subset sessions in memory and reports latency",
		RunE:  benchFunc,
	}
	addFlags(c.Flags())
	return c
}

func benchFunc(c *cobra.Command, args []string) error {
	cfg, err := readConfig(c.Flags())
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	crypto := simulation.TestCrypto(cfg.n, cfg.f+1)
	if cfg.bls {
		ks, err := keys.Deal(cfg.n, cfg.f)
		if err != nil {
			return err
		}
		crypto = simulation.DealtCrypto(ks)
	}

	results := make([]result, cfg.rounds)
	g := new(errgroup.Group)
	g.SetLimit(cfg.workers)
	start := time.Now()
	for r := 0; r < cfg.rounds; r++ {
		r := r
		g.Go(func() error {
			res, err := runSession(cfg, crypto, r)
			if err != nil {
				return fmt.Errorf("session %d: %w", r, err)
			}
			results[r] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	report(logger, cfg, results, time.Since(start))
	return nil
}

func runSession(cfg config, crypto simulation.CryptoProvider, round int) (result, error) {
	ids := make([]consensus.NodeID, cfg.n)
	for i := range ids {
		ids[i] = consensus.NodeID(i)
	}
	faulty := make(map[consensus.NodeID]simulation.Behaviour)
	if cfg.silent {
		for _, id := range ids[cfg.n-cfg.f:] {
			faulty[id] = simulation.Silent()
		}
	}

	network, err := simulation.NewNetwork(simulation.Config{
		Session:    consensus.SessionID(round),
		Validators: ids,
		NumFaulty:  cfg.f,
		Faulty:     faulty,
		Scheduler:  simulation.Random(cfg.seed + int64(round)),
		Crypto:     crypto,
	})
	if err != nil {
		return result{}, err
	}

	start := time.Now()
	for _, id := range ids {
		if _, ok := faulty[id]; ok {
			continue
		}
		if err := network.Input(id, message.FakeProposal(cfg.batch, uint64(round), uint64(id))); err != nil {
			return result{}, err
		}
	}
	if err := network.Run(); err != nil {
		return result{}, err
	}

	res := result{latency: time.Since(start), delivered: len(network.History())}
	if nodes := network.Nodes(); len(nodes) > 0 {
		res.contributions = len(nodes[0].Outputs[0])
	}
	return res, nil
}

// Compute latency
func report(logger zerolog.Logger, cfg config, results []result, total time.Duration) {
	latencies := make([]time.Duration, len(results))
	delivered := 0
	for i, res := range results {
		latencies[i] = res.latency
		delivered += res.delivered
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	if len(latencies) == 0 {
		return
	}

	logger.Info().
		Int("n", cfg.n).
		Int("f", cfg.f).
		Int("rounds", cfg.rounds).
		Int("proposal_bytes", cfg.batch*message.FakeTxSize).
		Dur("median", latencies[len(latencies)/2]).
		Dur("max", latencies[len(latencies)-1]).
		Int("messages_per_session", delivered/len(results)).
		Int("contributions", results[0].contributions).
		Dur("total", total).
		Msg("bench done")
}

func main() {
	if err := command().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
