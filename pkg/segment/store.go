package segment

import (
	"encoding/binary"

	"github.com/dr0pdb/icecanedtm/pkg/dtx"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	preparedPrefix = "prepared/"
	outcomePrefix  = "outcome/"

	outcomeCommit = "commit"
	outcomeAbort  = "abort"
)

var syncWrite = &opt.WriteOptions{Sync: true}

// preparedStore persists locally prepared transactions and their outcomes in leveldb.
type preparedStore struct {
	db *leveldb.DB
}

func openPreparedStore(path string) (*preparedStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "segment: opening leveldb at %s", path)
	}
	return &preparedStore{db: db}, nil
}

func openMemPreparedStore() (*preparedStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &preparedStore{db: db}, nil
}

func (s *preparedStore) savePrepared(gid string, gxid dtx.DistributedTransactionID) error {
	v := binary.LittleEndian.AppendUint32(nil, uint32(gxid))
	return errors.WithStack(s.db.Put([]byte(preparedPrefix+gid), v, syncWrite))
}

// prepared returns the gxid of a prepared transaction, or false when gid is not prepared here.
func (s *preparedStore) prepared(gid string) (dtx.DistributedTransactionID, bool, error) {
	v, err := s.db.Get([]byte(preparedPrefix+gid), nil)
	if err == leveldb.ErrNotFound {
		return dtx.InvalidDistributedTransactionID, false, nil
	}
	if err != nil {
		return dtx.InvalidDistributedTransactionID, false, errors.WithStack(err)
	}
	if len(v) != 4 {
		return dtx.InvalidDistributedTransactionID, false, errors.Errorf("segment: bad prepared record for %s", gid)
	}
	return dtx.DistributedTransactionID(binary.LittleEndian.Uint32(v)), true, nil
}

// resolve removes the prepared record and stores the outcome in one batch.
func (s *preparedStore) resolve(gid, outcome string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(preparedPrefix + gid))
	batch.Put([]byte(outcomePrefix+gid), []byte(outcome))
	return errors.WithStack(s.db.Write(batch, syncWrite))
}

func (s *preparedStore) recordOutcome(gid, outcome string) error {
	return errors.WithStack(s.db.Put([]byte(outcomePrefix+gid), []byte(outcome), nil))
}

func (s *preparedStore) outcome(gid string) (string, bool, error) {
	v, err := s.db.Get([]byte(outcomePrefix+gid), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	return string(v), true, nil
}

type preparedTxn struct {
	gid  string
	gxid dtx.DistributedTransactionID
}

func (s *preparedStore) listPrepared() ([]preparedTxn, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(preparedPrefix)), nil)
	defer iter.Release()

	var res []preparedTxn
	for iter.Next() {
		v := iter.Value()
		if len(v) != 4 {
			continue
		}
		res = append(res, preparedTxn{
			gid:  string(iter.Key()[len(preparedPrefix):]),
			gxid: dtx.DistributedTransactionID(binary.LittleEndian.Uint32(v)),
		})
	}
	return res, errors.WithStack(iter.Error())
}

func (s *preparedStore) close() error {
	return errors.WithStack(s.db.Close())
}
