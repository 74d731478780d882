package relay

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/clubhouse/callengine/internal/domain"
)

// ICEConfig lists the ICE servers handed out with tickets.
type ICEConfig struct {
	STUN []string
	TURN []string
	// TURNSecret is shared with the TURN server (coturn static-auth-secret).
	TURNSecret string
	TURNTTL    time.Duration
}

// turnCredentials derives time-limited TURN REST credentials for id.
func turnCredentials(secret string, id domain.Identity, expires time.Time) (username, credential string) {
	username = strconv.FormatInt(expires.Unix(), 10) + ":" + string(id)
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return username, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ticket builds the ticket for id. Reflexive servers come first.
func (c ICEConfig) ticket(id domain.Identity, relayURL string, now time.Time) domain.Ticket {
	ttl := c.TURNTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	expires := now.Add(ttl)

	var servers []domain.ICEServer
	if len(c.STUN) > 0 {
		servers = append(servers, domain.ICEServer{URLs: c.STUN})
	}
	if len(c.TURN) > 0 {
		s := domain.ICEServer{URLs: c.TURN}
		if c.TURNSecret != "" {
			s.Username, s.Credential = turnCredentials(c.TURNSecret, id, expires)
		}
		servers = append(servers, s)
	}

	return domain.Ticket{
		Identity:   id,
		RelayURL:   relayURL,
		ICEServers: domain.OrderICEServers(servers),
		ExpiresAt:  expires.UTC(),
	}
}
