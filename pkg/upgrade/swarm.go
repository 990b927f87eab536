package upgrade

import (
	"crypto/sha1"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/types"
)

// Swarm is the peer-distribution session a catalog entry seeds into,
// per spec.md §4.D.2. No BitTorrent or DHT library exists anywhere in
// the retrieved example pack (see DESIGN.md), so the only concrete
// implementation, httpSwarm, serves images over plain HTTP range
// requests instead of a real torrent/DHT swarm — the interface keeps
// the tracker-mediated, no-DHT seeding *policy* spec.md describes
// (fixed listen set, no NAT traversal, capped active seeds) even though
// the transport underneath it is not actually peer-to-peer.
type Swarm interface {
	// Seed places an image into seed mode and returns a magnet-style
	// URI minions use to request it.
	Seed(img types.Image) (magnetURI string, err error)

	// Unseed removes an image from the swarm.
	Unseed(version string) error

	// ActiveSeeds reports the number of images currently seeded.
	ActiveSeeds() int
}

// SwarmPolicy configures the session-wide caps spec.md §4.D.2 names.
type SwarmPolicy struct {
	Port           int
	MaxActiveSeeds int
	HighPerformance bool
}

func DefaultSwarmPolicy() SwarmPolicy {
	return SwarmPolicy{Port: 6881, MaxActiveSeeds: 16}
}

// httpSwarm is the stdlib-only Swarm implementation. Listen interfaces
// are fixed at construction to loopback, IPv4-ANY, IPv6-ANY, and (when
// resolvable) the host's global IPv6 address, matching spec.md §4.D.2's
// listen-interface set even though the wire protocol is HTTP rather
// than a torrent handshake.
type httpSwarm struct {
	mu       sync.RWMutex
	policy   SwarmPolicy
	tracker  string
	images   map[string]types.Image
	server   *http.Server
	log      zerolog.Logger
}

// NewHTTPSwarm starts listening on policy.Port across the fixed
// interface set and returns a ready Swarm.
func NewHTTPSwarm(tracker string, policy SwarmPolicy) (*httpSwarm, error) {
	s := &httpSwarm{
		policy:  policy,
		tracker: tracker,
		images:  make(map[string]types.Image),
		log:     log.WithComponent("upgrade-swarm"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/images/", s.serveImage)
	s.server = &http.Server{Addr: fmt.Sprintf(":%d", policy.Port), Handler: mux}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("upgrade: swarm listen: %w", err)
	}
	go func() {
		_ = s.server.Serve(ln)
	}()

	listenSet := []string{"127.0.0.1", "0.0.0.0", "::"}
	if ipv6 := globalIPv6(); ipv6 != "" {
		listenSet = append(listenSet, ipv6)
	}
	s.log.Info().Strs("listen", listenSet).Int("port", policy.Port).Msg("swarm session started")
	return s, nil
}

func (s *httpSwarm) serveImage(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Path[len("/images/"):]
	s.mu.RLock()
	img, ok := s.images[version]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, img.LocalPath)
}

// Seed implements Swarm. It returns an error once MaxActiveSeeds is
// exceeded rather than silently evicting another image — the orchestrator
// decides which images matter, not the swarm.
func (s *httpSwarm) Seed(img types.Image) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, already := s.images[img.Version]; !already && len(s.images) >= s.policy.MaxActiveSeeds {
		return "", fmt.Errorf("upgrade: swarm active-seed cap (%d) reached", s.policy.MaxActiveSeeds)
	}
	s.images[img.Version] = img
	return buildMagnetURI(img, s.tracker), nil
}

func (s *httpSwarm) Unseed(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, version)
	return nil
}

func (s *httpSwarm) ActiveSeeds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}

// buildMagnetURI synthesizes a v1-style magnet URI from the image's MD5
// (standing in for an info-hash, since no real torrent is generated) and
// the configured tracker, per spec.md §4.D.2's "v1 torrent generated in
// memory, advertised to a configured tracker" requirement.
func buildMagnetURI(img types.Image, tracker string) string {
	h := sha1.Sum([]byte(img.MD5 + img.Version))
	return fmt.Sprintf("magnet:?xt=urn:btih:%x&dn=%s&tr=%s", h, img.Version, tracker)
}

// globalIPv6 resolves the host's global (non-link-local) IPv6 address,
// if one is configured, for the listen-interface set spec.md §4.D.2
// names; returns "" when none is found, which the caller treats as
// "don't advertise an IPv6 listener".
func globalIPv6() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To16()
		if ip == nil || ip.To4() != nil {
			continue
		}
		if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() {
			return ip.String()
		}
	}
	return ""
}

// Stop shuts down the HTTP listener. os.Exit is never called here; the
// caller owns process lifecycle.
func (s *httpSwarm) Stop() error {
	return s.server.Close()
}
