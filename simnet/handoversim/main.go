// Handoversim runs elder handovers on the simulated network and writes the
// configuration files of a fresh set of elders.
package main

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/handover/config"
	"go.dedis.ch/handover/simnet"
	"go.dedis.ch/handover/tsig"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"
)

var cmds = cli.Commands{
	{
		Name:    "run",
		Usage:   "run a handover and print the decision of every elder",
		Aliases: []string{"r"},
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "elders, n",
				Value: 4,
				Usage: "number of elders",
			},
			cli.IntFlag{
				Name:  "faulty, f",
				Usage: "number of equivocating elders",
			},
			cli.Int64Flag{
				Name:  "seed, s",
				Value: 1,
				Usage: "seed of the network randomness",
			},
			cli.BoolFlag{
				Name:  "threshold, t",
				Usage: "prove the decision with a threshold signature",
			},
			cli.StringFlag{
				Name:  "values, v",
				Value: "X",
				Usage: "comma separated values, proposed in turn by the honest elders",
			},
			cli.Float64Flag{
				Name:  "drop",
				Usage: "probability to drop a packet before the anti-entropy rounds",
			},
			cli.IntFlag{
				Name:  "garbage",
				Usage: "number of random packets the faulty elders send",
			},
			cli.StringFlag{
				Name:  "msc",
				Usage: "write the delivered packets as an mscgen chart to this file",
			},
			cli.StringFlag{
				Name:  "scenario",
				Usage: "TOML file with the scenario, overriding the flags",
			},
		},
		Action: run,
	},
	{
		Name:    "keygen",
		Usage:   "write the configuration files of a new set of elders",
		Aliases: []string{"k"},
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "elders, n",
				Value: 4,
				Usage: "number of elders",
			},
			cli.Uint64Flag{
				Name:  "generation, g",
				Value: 1,
				Usage: "generation the elders vote in",
			},
			cli.BoolFlag{
				Name:  "threshold, t",
				Usage: "deal a threshold key to the elders",
			},
			cli.StringFlag{
				Name:  "out, o",
				Value: ".",
				Usage: "directory the files are written to",
			},
			cli.BoolFlag{
				Name:  "journal, j",
				Usage: "give every elder a vote journal next to its configuration",
			},
		},
		Action: keygen,
	},
	{
		Name:      "show",
		Usage:     "show the elders of a configuration file",
		Aliases:   []string{"s"},
		ArgsUsage: "config.toml",
		Action:    show,
	},
}

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "handoversim"
	cliApp.Usage = "Simulate elder handovers."
	cliApp.Version = "0.1"
	cliApp.Commands = cmds
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	log.ErrFatal(cliApp.Run(os.Args))
}

// scenario describes a simulated handover.
type scenario struct {
	Elders    int
	Faulty    int
	Seed      int64
	Threshold bool
	Values    []string
	Drop      float64
	Garbage   int
	MSC       string
}

func readScenario(path string, s *scenario) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return xerrors.Errorf("reading scenario: %v", err)
	}
	if _, err := toml.Decode(string(buf), s); err != nil {
		return xerrors.Errorf("parsing scenario: %v", err)
	}
	return nil
}

func run(c *cli.Context) error {
	s := &scenario{
		Elders:    c.Int("elders"),
		Faulty:    c.Int("faulty"),
		Seed:      c.Int64("seed"),
		Threshold: c.Bool("threshold"),
		Values:    strings.Split(c.String("values"), ","),
		Drop:      c.Float64("drop"),
		Garbage:   c.Int("garbage"),
		MSC:       c.String("msc"),
	}
	if fn := c.String("scenario"); fn != "" {
		if err := readScenario(fn, s); err != nil {
			return err
		}
	}
	return simulate(s, os.Stdout)
}

// maxRounds bounds the anti-entropy rounds after the first delivery.
const maxRounds = 10

func simulate(s *scenario, w io.Writer) error {
	if len(s.Values) == 0 {
		return xerrors.New("no value to propose")
	}
	if s.Faulty < 0 || s.Faulty > s.Elders {
		return xerrors.Errorf("%d faulty elders out of %d", s.Faulty, s.Elders)
	}
	if 3*s.Faulty >= s.Elders {
		log.Warnf("%d faulty elders out of %d: agreement is not guaranteed", s.Faulty, s.Elders)
	}
	rng := rand.New(rand.NewSource(s.Seed))
	net, err := simnet.NewNet(s.Elders, 1, s.Threshold, rng)
	if err != nil {
		return err
	}
	faulty := rng.Perm(s.Elders)[:s.Faulty]
	net.SetFaulty(faulty...)
	for _, f := range faulty {
		// A faulty elder proposes every value to everyone.
		for _, v := range s.Values {
			if err := net.Equivocate(f, []byte(v)); err != nil {
				return err
			}
		}
	}
	for k, i := range net.Honest() {
		if err := net.Propose(i, []byte(s.Values[k%len(s.Values)])); err != nil {
			return err
		}
	}
	for i := 0; i < s.Garbage; i++ {
		net.InjectGarbage(256)
		if err := net.InjectRandomVote(1); err != nil {
			return err
		}
	}

	if err := net.DropRandom(s.Drop); err != nil {
		return err
	}
	for round := 0; round < maxRounds && len(net.Decisions()) < len(net.Honest()); round++ {
		log.Lvl2("anti-entropy round", round)
		if err := net.FullAntiEntropy(); err != nil {
			return err
		}
	}
	if s.MSC != "" {
		if err := writeMSC(net, s.MSC); err != nil {
			return err
		}
	}
	return report(net, w)
}

func writeMSC(net *simnet.Net, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Errorf("creating chart: %v", err)
	}
	if err := net.WriteMSC(f); err != nil {
		f.Close()
		return xerrors.Errorf("writing chart: %v", err)
	}
	return f.Close()
}

// report prints the decision of every elder and fails if two honest elders
// decided differently.
func report(net *simnet.Net, w io.Writer) error {
	ds := net.Decisions()
	var agreed []byte
	for i, kp := range net.Keys {
		id := ballot.ShortID(kp.ID())
		if net.IsFaulty(i) {
			fmt.Fprintf(w, "%2d %s faulty\n", i, id)
			continue
		}
		d, ok := ds[i]
		if !ok {
			fmt.Fprintf(w, "%2d %s undecided (%v)\n", i, id, net.Elders[i].State())
			continue
		}
		if err := d.Verify(net.Voters, net.GroupKey()); err != nil {
			return xerrors.Errorf("elder %d: %v", i, err)
		}
		proof := "quorum"
		if d.Proof.Threshold != nil {
			proof = "threshold"
		}
		fmt.Fprintf(w, "%2d %s decided %q at %d (%s proof, %d faults)\n", i, id, d.Value,
			d.Generation, proof, len(net.Elders[i].Faults()))
		if agreed == nil {
			agreed = d.Value
		} else if !bytes.Equal(agreed, d.Value) {
			return xerrors.Errorf("elder %d decided %q and another %q", i, d.Value, agreed)
		}
	}
	fmt.Fprintf(w, "%d of %d honest elders decided, %d packets delivered\n", len(ds),
		len(net.Honest()), len(net.Delivered))
	return nil
}

func keygen(c *cli.Context) error {
	files, err := writeConfigs(c.String("out"), c.Int("elders"), c.Uint64("generation"),
		c.Bool("threshold"), c.Bool("journal"))
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Println("wrote", f)
	}
	return nil
}

// writeConfigs writes one configuration file per elder in the directory.
func writeConfigs(dir string, n int, generation uint64, threshold, journal bool) ([]string, error) {
	if n < 1 {
		return nil, xerrors.New("need at least one elder")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	stream := random.New()
	kps, voters := ballot.GenerateElders(n, stream)
	var keys []*tsig.KeyShare
	if threshold {
		keys = tsig.Deal(int(voters.Threshold()), n, stream)
	}
	var files []string
	for i, kp := range kps {
		var ks *tsig.KeyShare
		if keys != nil {
			ks = keys[i]
		}
		cfg, err := config.New(generation, kp, voters, ks)
		if err != nil {
			return nil, err
		}
		if journal {
			cfg.Journal = filepath.Join(dir, fmt.Sprintf("elder-%d.db", i))
		}
		fn := filepath.Join(dir, fmt.Sprintf("elder-%d.toml", i))
		if err := cfg.Save(fn); err != nil {
			return nil, err
		}
		files = append(files, fn)
	}
	return files, nil
}

func show(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("please give the configuration file")
	}
	return showConfig(c.Args().First(), os.Stdout)
}

func showConfig(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	kp, err := cfg.KeyPair()
	if err != nil {
		return err
	}
	voters, err := cfg.VoterSet()
	if err != nil {
		return err
	}
	scheme, err := cfg.Scheme()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "elder %s, generation %d, %s proofs\n", ballot.ShortID(kp.ID()),
		cfg.Generation, scheme.Name())
	for _, e := range voters.Elders() {
		mark := " "
		if bytes.Equal(e.ID(), kp.ID()) {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s weight %d\n", mark, ballot.ShortID(e.ID()), e.Weight)
	}
	fmt.Fprintf(w, "threshold %d of %d\n", voters.Threshold(), voters.TotalWeight())
	return nil
}
