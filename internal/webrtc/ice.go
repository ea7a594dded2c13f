package webrtc

import (
	"strings"

	pion "github.com/pion/webrtc/v4"
)

const (
	ICEModeSTUNTURN = "stun-turn"
	ICEModeTURNOnly = "turn-only"
	ICEModeSTUNOnly = "stun-only"
)

var defaultSTUN = []string{"stun:stun.l.google.com:19302"}

// ICEConfig selects the STUN/TURN servers offered to every link.
//
// Mode is one of stun-turn (default), turn-only or stun-only. Without
// STUN URLs the public Google STUN server is used.
type ICEConfig struct {
	Mode         string
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

// Servers returns the ICE servers for the configured mode.
func (c ICEConfig) Servers() []pion.ICEServer {
	mode := c.mode()
	turnOnly := mode == ICEModeTURNOnly
	stunOnly := mode == ICEModeSTUNOnly

	var servers []pion.ICEServer
	if !turnOnly {
		if urls := clean(c.STUNURLs); len(urls) > 0 {
			servers = append(servers, pion.ICEServer{URLs: urls})
		} else {
			servers = append(servers, pion.ICEServer{URLs: defaultSTUN})
		}
	}

	if !stunOnly {
		if urls := clean(c.TURNURLs); len(urls) > 0 {
			servers = append(servers, pion.ICEServer{
				URLs:       urls,
				Username:   c.TURNUsername,
				Credential: c.TURNPassword,
			})
		} else if !turnOnly {
			log.Debugf("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		log.Warnf("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, pion.ICEServer{URLs: defaultSTUN})
	}
	return servers
}

// TransportPolicy restricts candidates to relays in turn-only mode.
func (c ICEConfig) TransportPolicy() pion.ICETransportPolicy {
	if c.mode() == ICEModeTURNOnly && len(clean(c.TURNURLs)) > 0 {
		return pion.ICETransportPolicyRelay
	}
	return pion.ICETransportPolicyAll
}

func (c ICEConfig) mode() string {
	m := strings.ToLower(strings.TrimSpace(c.Mode))
	if m == "" {
		return ICEModeSTUNTURN
	}
	return m
}

// SplitURLs splits a comma separated URL list, dropping blanks.
func SplitURLs(csv string) []string {
	return clean(strings.Split(csv, ","))
}

func clean(in []string) []string {
	var out []string
	for _, p := range in {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
