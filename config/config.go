// Package config reads and writes the TOML configuration of an elder: its
// private key, the elders of the generation, the optional threshold key share
// and the location of its vote journal.
package config

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/handover/consensus"
	"go.dedis.ch/handover/journal"
	"go.dedis.ch/handover/tsig"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/util/encoding"
	"golang.org/x/xerrors"
)

// Elder is an elder of the generation with its hex encoded public key.
type Elder struct {
	Public string
	Weight uint64
}

// ThresholdKey is the hex encoded key share of the elder for threshold
// signatures.
type ThresholdKey struct {
	T       int
	N       int
	Index   int
	Share   string
	Commits []string
}

// Config is the configuration of an elder.
type Config struct {
	Generation uint64
	PrivateKey string
	Journal    string
	CacheSize  int
	Elders     []Elder
	Threshold  *ThresholdKey
}

// Load reads the configuration file.
func Load(path string) (*Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading config: %v", err)
	}
	return Parse(buf)
}

// Parse reads a configuration.
func Parse(buf []byte) (*Config, error) {
	c := &Config{}
	if _, err := toml.Decode(string(buf), c); err != nil {
		return nil, xerrors.Errorf("parsing config: %v", err)
	}
	if c.PrivateKey == "" {
		return nil, xerrors.New("missing private key")
	}
	if len(c.Elders) == 0 {
		return nil, xerrors.New("missing elders")
	}
	return c, nil
}

// Encode writes the configuration as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Save writes the configuration to the file.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		return xerrors.Errorf("encoding config: %v", err)
	}
	return ioutil.WriteFile(path, buf.Bytes(), 0600)
}

// New creates the configuration of an elder. The key share is optional.
func New(generation uint64, kp *ballot.KeyPair, voters *ballot.VoterSet, ks *tsig.KeyShare) (*Config, error) {
	g2 := handover.Suite.G2()
	sk, err := encoding.ScalarToStringHex(g2, kp.Private)
	if err != nil {
		return nil, xerrors.Errorf("encoding private key: %v", err)
	}
	c := &Config{Generation: generation, PrivateKey: sk}
	for _, e := range voters.Elders() {
		pub, err := encoding.PointToStringHex(g2, e.Public)
		if err != nil {
			return nil, xerrors.Errorf("encoding public key: %v", err)
		}
		c.Elders = append(c.Elders, Elder{Public: pub, Weight: e.Weight})
	}
	if ks == nil {
		return c, nil
	}
	v, err := encoding.ScalarToStringHex(g2, ks.Share.V)
	if err != nil {
		return nil, xerrors.Errorf("encoding key share: %v", err)
	}
	c.Threshold = &ThresholdKey{T: ks.T, N: ks.N, Index: ks.Share.I, Share: v}
	_, commits := ks.Public.Info()
	for _, p := range commits {
		s, err := encoding.PointToStringHex(g2, p)
		if err != nil {
			return nil, xerrors.Errorf("encoding commit: %v", err)
		}
		c.Threshold.Commits = append(c.Threshold.Commits, s)
	}
	return c, nil
}

// KeyPair returns the key pair of the elder.
func (c *Config) KeyPair() (*ballot.KeyPair, error) {
	g2 := handover.Suite.G2()
	sk, err := encoding.StringHexToScalar(g2, c.PrivateKey)
	if err != nil {
		return nil, xerrors.Errorf("decoding private key: %v", err)
	}
	return ballot.NewKeyPairFromPrivate(sk, g2.Point().Mul(sk, nil))
}

// VoterSet returns the elders of the generation.
func (c *Config) VoterSet() (*ballot.VoterSet, error) {
	g2 := handover.Suite.G2()
	elders := make([]ballot.Elder, len(c.Elders))
	for i, e := range c.Elders {
		p, err := encoding.StringHexToPoint(g2, e.Public)
		if err != nil {
			return nil, xerrors.Errorf("decoding elder %d: %v", i, err)
		}
		elders[i] = ballot.Elder{Public: p, Weight: e.Weight}
	}
	return ballot.NewVoterSet(elders...)
}

// KeyShare returns the threshold key share, nil if none is configured.
func (c *Config) KeyShare() (*tsig.KeyShare, error) {
	tk := c.Threshold
	if tk == nil {
		return nil, nil
	}
	g2 := handover.Suite.G2()
	v, err := encoding.StringHexToScalar(g2, tk.Share)
	if err != nil {
		return nil, xerrors.Errorf("decoding key share: %v", err)
	}
	if len(tk.Commits) != tk.T {
		return nil, xerrors.Errorf("%d commits for a threshold of %d", len(tk.Commits), tk.T)
	}
	commits := make([]kyber.Point, len(tk.Commits))
	for i, s := range tk.Commits {
		commits[i], err = encoding.StringHexToPoint(g2, s)
		if err != nil {
			return nil, xerrors.Errorf("decoding commit %d: %v", i, err)
		}
	}
	ks := &tsig.KeyShare{
		Share:  &share.PriShare{I: tk.Index, V: v},
		Public: share.NewPubPoly(g2, g2.Point().Base(), commits),
		T:      tk.T,
		N:      tk.N,
	}
	// The share must match its public commitment.
	if !ks.Public.Eval(tk.Index).V.Equal(g2.Point().Mul(v, nil)) {
		return nil, xerrors.New("key share does not match the commits")
	}
	return ks, nil
}

// Scheme returns the threshold scheme holding the key share of the
// generation, or the quorum scheme when no share is configured.
func (c *Config) Scheme() (tsig.Scheme, error) {
	ks, err := c.KeyShare()
	if err != nil {
		return nil, err
	}
	if ks == nil {
		return tsig.NewQuorumScheme(), nil
	}
	s := tsig.NewThresholdScheme()
	if err := s.Add(c.Generation, ks); err != nil {
		return nil, err
	}
	return s, nil
}

// Options returns the options of the handover of the elder. The journal is
// opened if configured and must be closed by the caller.
func (c *Config) Options() ([]consensus.Option, *journal.Journal, error) {
	scheme, err := c.Scheme()
	if err != nil {
		return nil, nil, err
	}
	opts := []consensus.Option{consensus.WithScheme(scheme)}
	if c.CacheSize > 0 {
		opts = append(opts, consensus.WithCacheSize(c.CacheSize))
	}
	if c.Journal == "" {
		return opts, nil, nil
	}
	j, err := journal.Open(c.Journal)
	if err != nil {
		return nil, nil, err
	}
	return append(opts, consensus.WithJournal(j)), j, nil
}

// Handover creates the handover of the elder.
func (c *Config) Handover() (*consensus.Handover, *journal.Journal, error) {
	kp, err := c.KeyPair()
	if err != nil {
		return nil, nil, err
	}
	voters, err := c.VoterSet()
	if err != nil {
		return nil, nil, err
	}
	opts, j, err := c.Options()
	if err != nil {
		return nil, nil, err
	}
	h, err := consensus.NewHandover(kp, c.Generation, voters, opts...)
	if err != nil {
		if j != nil {
			j.Close()
		}
		return nil, nil, err
	}
	return h, j, nil
}
