// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package commands

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/slopewatch/core/csql"
)

// MemoryStore is an in-process Store. Inserts of a transaction become visible on commit only.
type MemoryStore struct {
	mutex    sync.RWMutex
	commands []Command
	now      func() time.Time

	// commitErr, if set, makes every commit fail
	commitErr error
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

type memoryTx struct {
	store  *MemoryStore
	staged []Command
}

func (t *memoryTx) Insert(ctx context.Context, n NewCommand) (Command, error) {
	now := t.store.now().UTC()
	c := Command{
		ID:          uuid.New(),
		DeviceID:    n.DeviceID,
		Type:        n.Type,
		Payload:     append([]byte(nil), n.Payload...),
		Status:      StatusQueued,
		RequestedBy: n.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.staged = append(t.staged, c)
	return c, nil
}

// WithTx runs fn and commits its inserts if fn succeeds
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if s.commitErr != nil {
		return fmt.Errorf("%w: %w", csql.ErrCommitFailed, s.commitErr)
	}
	s.mutex.Lock()
	s.commands = append(s.commands, tx.staged...)
	s.mutex.Unlock()
	return nil
}

// List returns one page of the commands of a device, newest first
func (s *MemoryStore) List(ctx context.Context, deviceID uuid.UUID, f ListFilter) ([]Command, int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var matches []Command
	for i := len(s.commands) - 1; i >= 0; i-- {
		c := s.commands[i]
		if c.DeviceID == deviceID && (f.Status == "" || c.Status == f.Status) {
			matches = append(matches, c)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	commands := []Command{}
	for i := f.Page.Offset(); i < len(matches) && len(commands) < f.Page.PageSize; i++ {
		commands = append(commands, matches[i])
	}
	return commands, len(matches), nil
}

// Get returns a command of a device
func (s *MemoryStore) Get(ctx context.Context, deviceID, commandID uuid.UUID) (Command, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, c := range s.commands {
		if c.ID == commandID && c.DeviceID == deviceID {
			return c, nil
		}
	}
	return Command{}, ErrNotFound
}

// Count returns the number of committed commands
func (s *MemoryStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.commands)
}

var _ Store = (*MemoryStore)(nil)
