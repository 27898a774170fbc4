/**
 * Copyright 2021 The IcecaneDB Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package redolog is the coordinator's durable record of distributed commit decisions.
//
// The log lives in a directory holding numbered log files and a CURRENT file naming the active one.
// Every log file starts with a checkpoint record, so a file on its own is enough to rebuild the
// committed-not-forgotten set.
package redolog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Log is an open redo log. It is safe for concurrent use.
type Log struct {
	mu sync.Mutex

	dirname   string
	fs        fileSystem
	logNumber uint64

	f file
	w *logRecordWriter
}

// Open opens the redo log in dirname, creating the directory if needed.
// It returns the committed-not-forgotten transactions found in the existing log, in commit order.
// The replayed set is immediately checkpointed into a fresh log file.
func Open(dirname string) (*Log, []Entry, error) {
	return open(dirname, defaultFileSystem)
}

func open(dirname string, fs fileSystem) (*Log, []Entry, error) {
	log.WithFields(log.Fields{"dirname": dirname}).Info("redolog::redolog::open; opening redo log")

	if err := fs.mkdirAll(dirname, 0755); err != nil {
		return nil, nil, errors.Wrapf(err, "redolog: creating %s", dirname)
	}

	l := &Log{
		dirname: dirname,
		fs:      fs,
	}

	num, err := readCurrent(fs, dirname)
	var entries []Entry
	switch {
	case err == nil:
		entries, err = replayFile(fs, getLogFileName(dirname, logFileType, num))
		if err != nil {
			return nil, nil, err
		}
		l.logNumber = num
	case os.IsNotExist(errors.Cause(err)):
		log.Info("redolog::redolog::open; no CURRENT file found. starting an empty log")
	default:
		return nil, nil, err
	}

	if err := l.rotate(entries); err != nil {
		return nil, nil, err
	}

	log.WithFields(log.Fields{"logNumber": l.logNumber, "committed": len(entries)}).Info("redolog::redolog::open; redo log ready")
	return l, entries, nil
}

// Replay reads the active log file in dirname without opening the log for writing.
func Replay(dirname string) ([]Entry, error) {
	num, err := readCurrent(defaultFileSystem, dirname)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, nil
		}
		return nil, err
	}
	return replayFile(defaultFileSystem, getLogFileName(dirname, logFileType, num))
}

// AppendCommit durably records the commit decision for gid.
// The record is on stable storage when AppendCommit returns nil.
func (l *Log) AppendCommit(e Entry) error {
	return l.append(RecordDistributedCommit, []Entry{e})
}

// AppendForget records that every participant has committed gid.
func (l *Log) AppendForget(e Entry) error {
	return l.append(RecordDistributedForget, []Entry{e})
}

// Checkpoint starts a new log file holding only the given committed-not-forgotten entries.
// The previous log file is removed once CURRENT points at the new one.
func (l *Log) Checkpoint(entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return common.NewInvalidStateError("redolog: log is closed")
	}
	return l.rotate(entries)
}

// LogNumber returns the number of the active log file.
func (l *Log) LogNumber() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logNumber
}

// Close flushes and closes the active log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return nil
	}
	err := l.w.close()
	if err == nil {
		err = l.f.Sync()
	}
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.w, l.f = nil, nil
	return err
}

func (l *Log) append(kind RecordKind, entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return common.NewInvalidStateError("redolog: log is closed")
	}

	if err := writeRecord(l.w, encodeRecord(kind, entries)); err != nil {
		log.WithFields(log.Fields{"kind": kind.String(), "error": err.Error()}).Error("redolog::redolog::append; error while writing record")
		return err
	}
	if err := l.f.Sync(); err != nil {
		log.WithFields(log.Fields{"kind": kind.String(), "error": err.Error()}).Error("redolog::redolog::append; error while syncing log file")
		return errors.Wrap(err, "redolog: sync")
	}

	log.WithFields(log.Fields{"kind": kind.String(), "gid": entries[0].Gid, "gxid": entries[0].Gxid}).Debug("redolog::redolog::append; record written")
	return nil
}

// rotate writes a new log file starting with a checkpoint of entries and makes it current.
// l.mu must be held, or l must not be shared yet.
func (l *Log) rotate(entries []Entry) error {
	num := l.logNumber + 1
	name := getLogFileName(l.dirname, logFileType, num)

	f, err := l.fs.create(name)
	if err != nil {
		return errors.Wrapf(err, "redolog: creating %s", name)
	}
	w := newLogRecordWriter(f)

	abandon := func(err error) error {
		log.WithFields(log.Fields{"file": name, "error": err.Error()}).Error("redolog::redolog::rotate; abandoning new log file")
		f.Close()
		l.fs.remove(name)
		return err
	}

	if err := writeRecord(w, encodeRecord(RecordCheckpoint, entries)); err != nil {
		return abandon(err)
	}
	if err := f.Sync(); err != nil {
		return abandon(errors.Wrap(err, "redolog: sync"))
	}
	if err := setCurrent(l.fs, l.dirname, num); err != nil {
		return abandon(err)
	}

	oldNumber, oldFile := l.logNumber, l.f
	l.logNumber, l.f, l.w = num, f, w

	if oldFile != nil {
		oldFile.Close()
	}
	if oldNumber > 0 {
		if err := l.fs.remove(getLogFileName(l.dirname, logFileType, oldNumber)); err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{"logNumber": oldNumber, "error": err.Error()}).Warn("redolog::redolog::rotate; could not remove old log file")
		}
	}

	log.WithFields(log.Fields{"logNumber": num, "entries": len(entries)}).Info("redolog::redolog::rotate; checkpoint written")
	return nil
}

func writeRecord(w *logRecordWriter, payload []byte) error {
	rw, err := w.next()
	if err != nil {
		return errors.Wrap(err, "redolog: next record")
	}
	if _, err := rw.Write(payload); err != nil {
		return errors.Wrap(err, "redolog: write record")
	}
	return errors.Wrap(w.flush(), "redolog: flush")
}

func readCurrent(fs fileSystem, dirname string) (uint64, error) {
	f, err := fs.open(getLogFileName(dirname, currentFileType, 0))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return 0, errors.Wrap(err, "redolog: reading CURRENT")
	}
	content := string(b)
	if !strings.HasSuffix(content, "\n") {
		return 0, common.NewCorruptLogError("redolog: CURRENT is not terminated by a newline")
	}
	return parseLogFileNumber(strings.TrimSuffix(content, "\n"))
}

// setCurrent atomically points CURRENT at log file num.
func setCurrent(fs fileSystem, dirname string, num uint64) error {
	tmp := getLogFileName(dirname, tempFileType, num)
	f, err := fs.create(tmp)
	if err != nil {
		return errors.Wrapf(err, "redolog: creating %s", tmp)
	}

	content := filepath.Base(getLogFileName(dirname, logFileType, num)) + "\n"
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		fs.remove(tmp)
		return errors.Wrap(err, "redolog: writing CURRENT")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fs.remove(tmp)
		return errors.Wrap(err, "redolog: sync CURRENT")
	}
	if err := f.Close(); err != nil {
		fs.remove(tmp)
		return errors.WithStack(err)
	}
	if err := fs.rename(tmp, getLogFileName(dirname, currentFileType, 0)); err != nil {
		fs.remove(tmp)
		return errors.Wrap(err, "redolog: installing CURRENT")
	}
	return errors.Wrap(fs.syncDir(dirname), "redolog: sync dir")
}

// replayFile rebuilds the committed-not-forgotten set from a log file.
// A record cut short at the end of the file was never acknowledged and is ignored.
func replayFile(fs fileSystem, name string) ([]Entry, error) {
	f, err := fs.open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "redolog: opening %s", name)
	}
	defer f.Close()

	set := newCommittedSet()
	lrr := newLogRecordReader(f)
	records := 0
	for {
		rr, err := lrr.next()
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			log.WithFields(log.Fields{"file": name, "records": records}).Warn("redolog::redolog::replayFile; torn record at the end of the log")
			break
		}
		if err != nil {
			return nil, err
		}

		payload, err := io.ReadAll(rr)
		if err == io.ErrUnexpectedEOF {
			log.WithFields(log.Fields{"file": name, "records": records}).Warn("redolog::redolog::replayFile; torn record at the end of the log")
			break
		}
		if err != nil {
			return nil, err
		}

		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		set.apply(rec)
		records++
	}

	log.WithFields(log.Fields{"file": name, "records": records, "committed": set.len()}).Info("redolog::redolog::replayFile; replay done")
	return set.entries(), nil
}

// committedSet is the replay state: commits seen and not yet forgotten, in commit order.
type committedSet struct {
	seq   uint64
	byGid map[string]committedEntry
}

type committedEntry struct {
	Entry
	seq uint64
}

func newCommittedSet() *committedSet {
	return &committedSet{byGid: make(map[string]committedEntry)}
}

func (s *committedSet) apply(rec Record) {
	switch rec.Kind {
	case RecordCheckpoint:
		s.byGid = make(map[string]committedEntry, len(rec.Entries))
		for _, e := range rec.Entries {
			s.add(e)
		}
	case RecordDistributedCommit:
		s.add(rec.Entries[0])
	case RecordDistributedForget:
		// a forget without its commit is a no-op
		delete(s.byGid, rec.Entries[0].Gid)
	default:
		panic(fmt.Sprintf("redolog: unexpected record kind %s", rec.Kind))
	}
}

func (s *committedSet) add(e Entry) {
	s.seq++
	s.byGid[e.Gid] = committedEntry{Entry: e, seq: s.seq}
}

func (s *committedSet) len() int {
	return len(s.byGid)
}

func (s *committedSet) entries() []Entry {
	all := make([]committedEntry, 0, len(s.byGid))
	for _, e := range s.byGid {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	res := make([]Entry, len(all))
	for i, e := range all {
		res[i] = e.Entry
	}
	return res
}
