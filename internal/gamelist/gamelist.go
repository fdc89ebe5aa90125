// Package gamelist resolves title ids to human-readable game names from a
// static embedded table.
package gamelist

import (
	_ "embed"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
)

//go:embed gamelist.json
var rawGames []byte

type jsonGame struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

var (
	loadOnce sync.Once
	games    map[uint64]string
)

func load() {
	games = make(map[uint64]string)

	var entries []jsonGame
	if err := json.Unmarshal(rawGames, &entries); err != nil {
		return // an empty table just means every game shows as Unknown
	}

	for _, g := range entries {
		id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(g.Id), "0x"), 16, 64)
		if err != nil {
			continue
		}
		games[id] = g.Name
	}
}

// Lookup returns the name of the title, if known.
func Lookup(titleId uint64) (string, bool) {
	loadOnce.Do(load)
	name, ok := games[titleId]
	return name, ok
}

// NameOrDefault returns the title's name, or "Unknown" for titles not in
// the table.
func NameOrDefault(titleId uint64) string {
	if name, ok := Lookup(titleId); ok {
		return name
	}
	return "Unknown"
}
