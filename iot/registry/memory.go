// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryDevice struct {
	Device
	secretHash string
	seq        int
}

// MemoryStore is an in-process Store. It is used by tests and for running the
// service without a database.
type MemoryStore struct {
	mutex   sync.RWMutex
	devices map[uuid.UUID]*memoryDevice
	seq     int
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[uuid.UUID]*memoryDevice), now: time.Now}
}

func (s *MemoryStore) timestamp() time.Time {
	return s.now().UTC()
}

func copyDevice(m *memoryDevice) Device {
	d := m.Device
	if m.StationID != nil {
		id := *m.StationID
		d.StationID = &id
	}
	if m.LastSeenAt != nil {
		t := *m.LastSeenAt
		d.LastSeenAt = &t
	}
	d.Metadata = append([]byte(nil), m.Metadata...)
	return d
}

// Create inserts a new inactive device
func (s *MemoryStore) Create(ctx context.Context, n NewDevice) (Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	id := uuid.New()
	if n.ID != nil {
		id = *n.ID
	}
	if _, ok := s.devices[id]; ok {
		return Device{}, ErrAlreadyExists
	}
	deviceType := n.Type
	if deviceType == "" {
		deviceType = DefaultDeviceType
	}
	metadata := n.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	now := s.timestamp()
	s.seq++
	m := &memoryDevice{
		Device: Device{
			ID:        id,
			Name:      n.Name,
			Type:      deviceType,
			Status:    StatusInactive,
			Metadata:  append([]byte(nil), metadata...),
			CreatedAt: now,
			UpdatedAt: now,
		},
		secretHash: n.SecretHash,
		seq:        s.seq,
	}
	if n.StationID != nil {
		stationID := *n.StationID
		m.StationID = &stationID
	}
	s.devices[id] = m
	return copyDevice(m), nil
}

// Get returns the device with id
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Device, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	m, ok := s.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return copyDevice(m), nil
}

func (f Filter) matches(d Device) bool {
	if f.Keyword != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(f.Keyword)) {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.StationID != nil && (d.StationID == nil || *d.StationID != *f.StationID) {
		return false
	}
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	return true
}

// List returns a page of devices matching f, newest first
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Device, int, error) {
	s.mutex.RLock()
	var matches []*memoryDevice
	for _, m := range s.devices {
		if f.matches(m.Device) {
			matches = append(matches, m)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq > matches[j].seq })
	devices := []Device{}
	for i := f.Page.Offset(); i < len(matches) && len(devices) < f.Page.PageSize; i++ {
		devices = append(devices, copyDevice(matches[i]))
	}
	s.mutex.RUnlock()
	return devices, len(matches), nil
}

// Update applies p to the device
func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, p Patch) (Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	m, ok := s.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	if p.Name != nil {
		m.Name = *p.Name
	}
	if p.Type != nil {
		m.Type = *p.Type
	}
	if p.StationID.Set {
		m.StationID = nil
		if p.StationID.ID != nil {
			stationID := *p.StationID.ID
			m.StationID = &stationID
		}
	}
	if len(p.Metadata) > 0 {
		m.Metadata = append([]byte(nil), p.Metadata...)
	}
	m.UpdatedAt = s.timestamp()
	return copyDevice(m), nil
}

// Revoke sets the device status to revoked
func (s *MemoryStore) Revoke(ctx context.Context, id uuid.UUID) (Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	m, ok := s.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	if m.Status != StatusRevoked {
		m.Status = StatusRevoked
		m.UpdatedAt = s.timestamp()
	}
	return copyDevice(m), nil
}

// Credentials returns status and secret hash of the device
func (s *MemoryStore) Credentials(ctx context.Context, id uuid.UUID) (Credentials, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	m, ok := s.devices[id]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return Credentials{Status: m.Status, SecretHash: m.secretHash}, nil
}

// MarkSeen refreshes last seen and activates an inactive device
func (s *MemoryStore) MarkSeen(ctx context.Context, id uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	m, ok := s.devices[id]
	if !ok || m.Status == StatusRevoked {
		return ErrNotFound
	}
	if m.Status == StatusInactive {
		m.Status = StatusActive
	}
	now := s.timestamp()
	m.LastSeenAt = &now
	m.UpdatedAt = now
	return nil
}

// IDsByStation returns the ids of up to limit devices of a station, oldest first
func (s *MemoryStore) IDsByStation(ctx context.Context, stationID uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var matches []*memoryDevice
	for _, m := range s.devices {
		if m.StationID != nil && *m.StationID == stationID {
			matches = append(matches, m)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })
	var ids []uuid.UUID
	for i := 0; i < len(matches) && i < limit; i++ {
		ids = append(ids, matches[i].ID)
	}
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
