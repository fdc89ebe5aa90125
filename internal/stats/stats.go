// Package stats derives analytics from read-only room snapshots: in-memory
// documents for the HTTP API, Prometheus gauges, and an optional Redis JSON
// export.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/lanwarp/lanwarp/internal/gamelist"
	"github.com/lanwarp/lanwarp/internal/ldn"
	"github.com/lanwarp/lanwarp/internal/proto"
	"github.com/lanwarp/lanwarp/internal/util"
)

// DumpInterval is how often the collector polls the registry.
const DumpInterval = 5 * time.Second

var (
	gaugeGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lanwarp_games",
		Help: "Hosted games with at least one player.",
	})
	gaugePlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lanwarp_players",
		Help: "Players across all hosted games.",
	})
	gaugePrivateGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lanwarp_private_games",
		Help: "Hosted games gated by a passphrase.",
	})
	gaugeMasterProxyGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lanwarp_master_proxy_games",
		Help: "Hosted games relayed through this server instead of P2P.",
	})
	gaugeInProgressGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lanwarp_in_progress_games",
		Help: "Hosted games currently closed to new stations.",
	})
)

// GameAnalytics is the per-room document exposed by the API and Redis.
type GameAnalytics struct {
	Id             string   `json:"id"`
	TitleId        string   `json:"title_id"`
	GameName       string   `json:"game_name"`
	Mode           string   `json:"mode"`
	Status         string   `json:"status"`
	GameVersion    string   `json:"game_version"`
	PlayerCount    int      `json:"player_count"`
	MaxPlayerCount int      `json:"max_player_count"`
	IsPublic       bool     `json:"is_public"`
	Players        []string `json:"players"`
}

// LdnAnalytics is the global summary document.
type LdnAnalytics struct {
	TotalGameCount     int `json:"total_game_count"`
	PrivateGameCount   int `json:"private_game_count"`
	PublicGameCount    int `json:"public_game_count"`
	InProgressCount    int `json:"in_progress_count"`
	MasterProxyCount   int `json:"master_proxy_count"`
	TotalPlayerCount   int `json:"total_player_count"`
	PrivatePlayerCount int `json:"private_player_count"`
	PublicPlayerCount  int `json:"public_player_count"`
}

// fromStatus builds the per-room document from the core's read-only view.
func fromStatus(st ldn.RoomStatus) GameAnalytics {
	titleId := st.Info.NetworkId.IntentId.LocalCommunicationId

	mode := "Master Server Proxy"
	if st.IsP2P {
		mode = "P2P"
	}

	status := "Joinable"
	if st.Info.Ldn.StationAcceptPolicy == proto.AcceptPolicyDeny {
		status = "Not Joinable"
	}

	var players []string
	for i := range st.Info.Ldn.Nodes {
		node := &st.Info.Ldn.Nodes[i]
		if node.IsConnected != 0 {
			players = append(players, proto.StringFromBytes(node.UserName[:]))
		}
	}

	return GameAnalytics{
		Id:             st.Id,
		TitleId:        fmt.Sprintf("%016x", titleId),
		GameName:       gamelist.NameOrDefault(titleId),
		Mode:           mode,
		Status:         status,
		GameVersion:    st.GameVersion,
		PlayerCount:    st.PlayerCount,
		MaxPlayerCount: int(st.Info.Ldn.NodeCountMax),
		IsPublic:       st.Passphrase == "",
		Players:        players,
	}
}

// Collector periodically reduces registry snapshots into analytics. A room
// whose lock is busy is skipped for the cycle; the sweep never stalls on a
// single room.
type Collector struct {
	registry *ldn.Registry
	rdb      *redis.Client

	mu    sync.Mutex
	ldn   LdnAnalytics
	games []GameAnalytics
}

// NewCollector creates a collector. An empty redisAddr disables the Redis
// export.
func NewCollector(registry *ldn.Registry, redisAddr string) *Collector {
	c := &Collector{registry: registry}
	if redisAddr != "" {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:       redisAddr,
			ClientName: "lanwarp",
		})
	}
	return c
}

// Run polls until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect(ctx)
		case <-ctx.Done():
			if c.rdb != nil {
				_ = c.rdb.Close()
			}
			return
		}
	}
}

// Collect runs one polling cycle.
func (c *Collector) Collect(ctx context.Context) {
	var (
		summary LdnAnalytics
		games   []GameAnalytics
	)

	for _, room := range c.registry.All() {
		st, ok := room.TryStatus()
		if !ok {
			continue // busy room, catch it next cycle
		}
		if st.PlayerCount == 0 {
			continue
		}

		g := fromStatus(st)
		games = append(games, g)

		summary.TotalGameCount++
		summary.TotalPlayerCount += g.PlayerCount
		if g.Mode != "P2P" {
			summary.MasterProxyCount++
		}
		if g.Status != "Joinable" {
			summary.InProgressCount++
		}
		if !g.IsPublic {
			summary.PrivateGameCount++
			summary.PrivatePlayerCount += g.PlayerCount
		}
	}

	summary.PublicGameCount = summary.TotalGameCount - summary.PrivateGameCount
	summary.PublicPlayerCount = summary.TotalPlayerCount - summary.PrivatePlayerCount

	gaugeGames.Set(float64(summary.TotalGameCount))
	gaugePlayers.Set(float64(summary.TotalPlayerCount))
	gaugePrivateGames.Set(float64(summary.PrivateGameCount))
	gaugeMasterProxyGames.Set(float64(summary.MasterProxyCount))
	gaugeInProgressGames.Set(float64(summary.InProgressCount))

	c.mu.Lock()
	c.ldn = summary
	c.games = games
	c.mu.Unlock()

	if c.rdb != nil {
		c.export(ctx, summary, games)
	}
}

// Latest returns the most recent analytics documents.
func (c *Collector) Latest() (LdnAnalytics, []GameAnalytics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	games := make([]GameAnalytics, len(c.games))
	copy(games, c.games)
	return c.ldn, games
}

// export writes the "ldn" and "games" JSON documents to Redis.
func (c *Collector) export(ctx context.Context, summary LdnAnalytics, games []GameAnalytics) {
	byId := make(map[string]GameAnalytics, len(games))
	for _, g := range games {
		byId[g.Id] = g
	}

	summaryJson, err := json.Marshal(summary)
	if err != nil {
		return
	}
	gamesJson, err := json.Marshal(byId)
	if err != nil {
		return
	}

	if err := c.rdb.JSONSet(ctx, "ldn", "$", string(summaryJson)).Err(); err != nil {
		util.LogWarning("Redis export failed: %v", err)
		return
	}
	if err := c.rdb.JSONSet(ctx, "games", "$", string(gamesJson)).Err(); err != nil {
		util.LogWarning("Redis export failed: %v", err)
	}
}
