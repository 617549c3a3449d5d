package metastore

import (
	"fmt"
	"os"
	"sync"
)

// Committer is the meta committer: it brackets a batch of UPDATE_META/
// DROP_META actions with startCommit/endCommit, appending each action to an
// on-disk log and only fsyncing once at EndCommit — the same
// write-then-fsync-on-boundary shape the write helper uses for table data
// (spec.md §4.4, grounded on original_source/tsdb/src/tsdbCommit.c's
// tsdbCommitMeta/tsdbEndCommit pair). The log itself is a directory of
// rotating segments (segment.go) rather than one unbounded file, so a
// long-lived repository's meta log doesn't grow without bound.
type Committer struct {
	mu       sync.Mutex
	log      *segmentLog
	store    KVStore
	inCommit bool
}

// ErrNotInCommit is returned by Apply/EndCommit called outside a
// StartCommit/EndCommit bracket (spec.md §3 invariant: actions only apply
// inside a commit envelope).
var ErrNotInCommit = fmt.Errorf("metastore: not inside a commit")

// ErrAlreadyInCommit is returned by StartCommit called while a previous
// commit's EndCommit has not yet run.
var ErrAlreadyInCommit = fmt.Errorf("metastore: commit already in progress")

// NewCommitter opens (or creates) the action log directory at dir, replays
// every segment in it into a fresh in-memory KVStore, and positions the log
// to append to its newest segment — the same "recover on open" pattern
// tsdb.Open uses for table data files.
func NewCommitter(dir string) (*Committer, KVStore, error) {
	actions, err := func() ([]Action, error) {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil, nil
		}
		return replayAll(dir)
	}()
	if err != nil {
		return nil, nil, err
	}

	store, err := Load(actions)
	if err != nil {
		return nil, nil, err
	}

	log, err := openSegmentLog(dir)
	if err != nil {
		return nil, nil, err
	}

	return &Committer{log: log, store: store}, store, nil
}

// StartCommit opens the envelope for a batch of actions.
func (c *Committer) StartCommit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inCommit {
		return ErrAlreadyInCommit
	}
	c.inCommit = true
	return nil
}

// Apply appends and applies one action. It does not fsync; durability is
// only guaranteed once EndCommit returns.
func (c *Committer) Apply(a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inCommit {
		return ErrNotInCommit
	}
	if err := c.log.Append(a); err != nil {
		return err
	}
	return apply(c.store, a)
}

// EndCommit fsyncs the action log and closes the envelope. A failed fsync
// leaves inCommit true so a caller can retry EndCommit rather than silently
// losing durability.
func (c *Committer) EndCommit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inCommit {
		return ErrNotInCommit
	}
	if err := c.log.Sync(); err != nil {
		return err
	}
	c.inCommit = false
	return nil
}

func (c *Committer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Close()
}
