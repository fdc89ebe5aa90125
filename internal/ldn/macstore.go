package ldn

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// MacStore maps a client-presented stable identifier to a persistent virtual
// MAC address, so the same player keeps the same MAC across reconnects.
// State is process-lifetime with no eviction; 2^48 addresses dwarf any
// realistic churn.
type MacStore struct {
	mu       sync.Mutex
	minted   map[string]struct{}
	idToAddr map[string][6]byte
}

func NewMacStore() *MacStore {
	return &MacStore{
		minted:   make(map[string]struct{}),
		idToAddr: make(map[string][6]byte),
	}
}

// TryFind resolves the MAC for id. When the id is unknown, or the client's
// presented MAC does not match server memory, a fresh unique MAC is minted.
// The result is remembered under newId as well, re-associating the client
// across reconnect identities.
func (m *MacStore) TryFind(id string, presented [6]byte, newId string) [6]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.idToAddr[id]
	if !ok || result != presented {
		result = m.mintLocked()
	}

	if _, ok := m.idToAddr[newId]; !ok {
		m.idToAddr[newId] = result
	}

	return result
}

func (m *MacStore) mintLocked() [6]byte {
	var mac [6]byte
	for {
		if _, err := rand.Read(mac[:]); err != nil {
			panic(err) // crypto/rand never fails on supported platforms
		}

		key := hex.EncodeToString(mac[:])
		if _, taken := m.minted[key]; !taken {
			m.minted[key] = struct{}{}
			return mac
		}
	}
}
