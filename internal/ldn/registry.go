package ldn

import (
	"bytes"
	"strings"
	"sync"

	"github.com/lanwarp/lanwarp/internal/proto"
	"github.com/lanwarp/lanwarp/internal/util"
)

// Registry is the concurrent map from room identifier to hosted room.
// Identifiers are case-insensitive and stored lower-cased. It never holds a
// room's lock while holding its own: rooms closed during create/replace are
// closed after the map update is decided.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// CreateRoom atomically installs a new room under id. If the identifier is
// already in use by the same owner identity, the previous room is closed and
// replaced (a host recreating after a reconnect). A different owner keeps
// the identifier: the new room is closed immediately and nil is returned.
func (reg *Registry) CreateRoom(id string, info proto.NetworkInfo, dhcpConfig proto.AddressList, ownerId string) *Room {
	id = strings.ToLower(id)
	room := NewRoom(id, info, dhcpConfig, ownerId)

	reg.mu.Lock()
	old, exists := reg.rooms[id]
	if exists && old.OwnerId() != ownerId {
		reg.mu.Unlock()

		util.LogWarning("Room id taken: %s", id)
		room.Close()
		return nil
	}
	reg.rooms[id] = room
	reg.mu.Unlock()

	if exists {
		old.Close()
	}

	return room
}

// FindRoom looks up a room by identifier, case-insensitively.
func (reg *Registry) FindRoom(id string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[strings.ToLower(id)]
}

// CloseRoom removes and closes a room unconditionally.
func (reg *Registry) CloseRoom(id string) {
	id = strings.ToLower(id)

	reg.mu.Lock()
	room := reg.rooms[id]
	delete(reg.rooms, id)
	reg.mu.Unlock()

	if room != nil {
		room.Close()
	}
}

// All returns a snapshot of the current rooms.
func (reg *Registry) All() map[string]*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make(map[string]*Room, len(reg.rooms))
	for id, room := range reg.rooms {
		out[id] = room
	}
	return out
}

// Scan returns NetworkInfo snapshots of every room that matches the
// requester's passphrase, is joinable (accepting stations, at least one
// member), is not the excluded room, and passes every filter field the
// request enables. Each room is locked only briefly for its own snapshot.
func (reg *Registry) Scan(filter proto.ScanFilter, passphrase string, exclude *Room) []proto.NetworkInfo {
	var results []proto.NetworkInfo

	for _, room := range reg.All() {
		if room == exclude || room.Passphrase() != passphrase {
			continue
		}

		players := room.PlayerCount()
		info := room.Snapshot()

		if info.Ldn.StationAcceptPolicy == proto.AcceptPolicyDeny {
			// Don't tell anyone about unjoinable networks.
			continue
		}

		if filter.Flag&proto.ScanFilterFlagLocalCommunicationId != 0 &&
			info.NetworkId.IntentId.LocalCommunicationId != filter.NetworkId.IntentId.LocalCommunicationId {
			continue
		}

		if filter.Flag&proto.ScanFilterFlagSceneId != 0 &&
			info.NetworkId.IntentId.SceneId != filter.NetworkId.IntentId.SceneId {
			continue
		}

		if filter.Flag&proto.ScanFilterFlagSessionId != 0 &&
			info.NetworkId.SessionId != filter.NetworkId.SessionId {
			continue
		}

		if filter.Flag&proto.ScanFilterFlagSsid != 0 {
			gameSsid := info.Common.Ssid.Name[:min(int(info.Common.Ssid.Length), len(info.Common.Ssid.Name))]
			scanSsid := filter.Ssid.Name[:min(int(filter.Ssid.Length), len(filter.Ssid.Name))]
			if !bytes.Equal(gameSsid, scanSsid) {
				continue
			}
		}

		if filter.Flag&proto.ScanFilterFlagNetworkType != 0 &&
			uint32(info.Common.NetworkType) != filter.NetworkType {
			continue
		}

		if players == 0 {
			continue
		}

		// MAC address filtering is not implemented: virtual MACs are minted
		// randomly, so clients have nothing meaningful to filter on.

		results = append(results, info)
	}

	return results
}
