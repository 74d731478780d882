package domain

import (
	"sort"
	"strings"
	"time"
)

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// Relay reports whether the server relays media (TURN) rather than only
// discovering reflexive addresses (STUN).
func (s ICEServer) Relay() bool {
	for _, u := range s.URLs {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

// Ticket is issued by the relay: where to signal and which ICE servers to use.
type Ticket struct {
	Identity   Identity    `json:"identity"`
	RelayURL   string      `json:"relay_url"`
	ICEServers []ICEServer `json:"ice_servers"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// OrderICEServers returns servers with reflexive-discovery servers first and
// relay-fallback servers last, keeping the relative order within each group.
func OrderICEServers(servers []ICEServer) []ICEServer {
	out := make([]ICEServer, len(servers))
	copy(out, servers)
	sort.SliceStable(out, func(i, j int) bool {
		return !out[i].Relay() && out[j].Relay()
	})
	return out
}
