// Package journal persists the votes of an elder in a bbolt database so that
// a restarted elder does not vote again from scratch. The votes of every
// generation are kept in their own bucket, keyed by vote identifier.
package journal

import (
	"encoding/binary"
	"sync"
	"time"

	"go.dedis.ch/handover"
	"go.dedis.ch/handover/ballot"
	"go.dedis.ch/onet/v3/log"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var bucketVotes = []byte("handover-votes")

// Journal is the vote journal of an elder.
type Journal struct {
	sync.Mutex
	db     *bbolt.DB
	bucket []byte
}

// Open opens or creates the journal at the given path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("opening journal: %v", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVotes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("creating bucket: %v", err)
	}
	return &Journal{db: db, bucket: bucketVotes}, nil
}

func generationKey(gen uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, gen)
	return key
}

// getBucket returns the bucket of the generation. It is created in a
// writable transaction and nil if missing in a read-only one.
func (j *Journal) getBucket(tx *bbolt.Tx, gen uint64) (*bbolt.Bucket, error) {
	b := tx.Bucket(j.bucket)
	if b == nil {
		return nil, xerrors.New("journal bucket is missing")
	}
	if tx.Writable() {
		return b.CreateBucketIfNotExists(generationKey(gen))
	}
	return b.Bucket(generationKey(gen)), nil
}

// Append stores the vote. Storing a vote twice has no effect.
func (j *Journal) Append(gen uint64, sv ballot.SignedVote) error {
	buf, err := ballot.EncodeSignedVote(sv)
	if err != nil {
		return err
	}
	id := sv.ID()

	j.Lock()
	defer j.Unlock()
	err = j.db.Update(func(tx *bbolt.Tx) error {
		b, err := j.getBucket(tx, gen)
		if err != nil {
			return err
		}
		return b.Put(id[:], buf)
	})
	if err != nil {
		return xerrors.Errorf("appending vote: %v", err)
	}
	log.Lvlf4("journaled %v", sv)
	return nil
}

// Load returns the votes of the generation sorted by identifier.
func (j *Journal) Load(gen uint64) ([]ballot.SignedVote, error) {
	j.Lock()
	defer j.Unlock()
	var votes []ballot.SignedVote
	err := j.db.View(func(tx *bbolt.Tx) error {
		b, err := j.getBucket(tx, gen)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			sv, err := ballot.DecodeSignedVote(v)
			if err != nil {
				return xerrors.Errorf("vote %x: %w", k, err)
			}
			votes = append(votes, sv)
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("loading generation %d: %w", gen, err)
	}
	return votes, nil
}

// Generations returns the generations with stored votes in increasing order.
func (j *Journal) Generations() ([]uint64, error) {
	j.Lock()
	defer j.Unlock()
	var gens []uint64
	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(j.bucket)
		if b == nil {
			return xerrors.New("journal bucket is missing")
		}
		return b.ForEach(func(k, v []byte) error {
			// Only nested buckets have a nil value.
			if v == nil && len(k) == 8 {
				gens = append(gens, binary.BigEndian.Uint64(k))
			}
			return nil
		})
	})
	return gens, handover.ErrorOrNil(err, "reading generations")
}

// Prune removes the votes of the generations below the given one.
func (j *Journal) Prune(below uint64) error {
	gens, err := j.Generations()
	if err != nil {
		return err
	}
	j.Lock()
	defer j.Unlock()
	err = j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(j.bucket)
		for _, g := range gens {
			if g >= below {
				break
			}
			if err := b.DeleteBucket(generationKey(g)); err != nil {
				return xerrors.Errorf("pruning generation %d: %v", g, err)
			}
			log.Lvl3("pruned generation", g)
		}
		return nil
	})
	return handover.ErrorOrNil(err, "pruning journal")
}

// Close closes the database.
func (j *Journal) Close() error {
	return handover.ErrorOrNil(j.db.Close(), "closing journal")
}
