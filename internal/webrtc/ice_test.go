package webrtc

import (
	"testing"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICEConfig_DefaultsToGoogleSTUN(t *testing.T) {
	servers := ICEConfig{}.Servers()

	require.Len(t, servers, 1)
	assert.Equal(t, defaultSTUN, servers[0].URLs)
	assert.Equal(t, pion.ICETransportPolicyAll, ICEConfig{}.TransportPolicy())
}

func TestICEConfig_STUNAndTURN(t *testing.T) {
	c := ICEConfig{
		STUNURLs:     SplitURLs("stun:a.example:3478, ,stun:b.example:3478"),
		TURNURLs:     SplitURLs("turn:t.example:3478?transport=udp"),
		TURNUsername: "user",
		TURNPassword: "pass",
	}
	servers := c.Servers()

	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, servers[0].URLs)
	assert.Equal(t, "user", servers[1].Username)
	assert.Equal(t, "pass", servers[1].Credential)
}

func TestICEConfig_TURNOnly(t *testing.T) {
	c := ICEConfig{Mode: "TURN-ONLY", STUNURLs: []string{"stun:a"}, TURNURLs: []string{"turn:t"}}

	servers := c.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"turn:t"}, servers[0].URLs)
	assert.Equal(t, pion.ICETransportPolicyRelay, c.TransportPolicy())

	fallback := ICEConfig{Mode: ICEModeTURNOnly}
	require.Len(t, fallback.Servers(), 1)
	assert.Equal(t, defaultSTUN, fallback.Servers()[0].URLs)
	assert.Equal(t, pion.ICETransportPolicyAll, fallback.TransportPolicy())
}

func TestICEConfig_STUNOnlyIgnoresTURN(t *testing.T) {
	c := ICEConfig{Mode: ICEModeSTUNOnly, TURNURLs: []string{"turn:t"}}

	servers := c.Servers()
	require.Len(t, servers, 1)
	assert.Equal(t, defaultSTUN, servers[0].URLs)
}
