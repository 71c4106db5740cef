package vpn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelbench/tunnelbench/fleet"
)

func TestOpenVPNConfigFiles(t *testing.T) {
	s, err := NewOpenVPNStack(&OpenVPNInput{})
	require.NoError(t, err)
	eps := Endpoints{ServerPublicIP: "203.0.113.10", ClientPublicIP: "203.0.113.20"}

	serverFiles, err := s.ConfigFiles(fleet.RoleServer, eps)
	require.NoError(t, err)
	serverConf := string(serverFiles["/etc/openvpn/tunnelbench.conf"])
	assert.Contains(t, serverConf, "ifconfig 10.98.0.1 10.98.0.2")
	assert.Contains(t, serverConf, "cipher AES-256-GCM")
	assert.NotContains(t, serverConf, "remote ", "the listening side dials nobody")

	clientFiles, err := s.ConfigFiles(fleet.RoleClient, eps)
	require.NoError(t, err)
	clientConf := string(clientFiles["/etc/openvpn/tunnelbench.conf"])
	assert.Contains(t, clientConf, "remote 203.0.113.10")
	assert.Contains(t, clientConf, "ifconfig 10.98.0.2 10.98.0.1")

	// Both ends carry the same static key.
	assert.Equal(t, serverFiles["/etc/openvpn/tunnelbench.key"], clientFiles["/etc/openvpn/tunnelbench.key"])
}

func TestOpenVPNStaticKeyFormat(t *testing.T) {
	s, err := NewOpenVPNStack(&OpenVPNInput{})
	require.NoError(t, err)
	files, err := s.ConfigFiles(fleet.RoleServer, Endpoints{})
	require.NoError(t, err)

	key := string(files["/etc/openvpn/tunnelbench.key"])
	assert.True(t, strings.HasPrefix(key, "-----BEGIN OpenVPN Static key V1-----\n"))
	assert.True(t, strings.HasSuffix(key, "-----END OpenVPN Static key V1-----\n"))

	lines := strings.Split(strings.TrimSpace(key), "\n")
	require.Len(t, lines, 18, "256 key bytes render as 16 lines of 32 hex chars")
	for _, line := range lines[1 : len(lines)-1] {
		assert.Len(t, line, 32)
	}
}

func TestOpenVPNLifecycleCommands(t *testing.T) {
	s, err := NewOpenVPNStack(&OpenVPNInput{Port: 1294})
	require.NoError(t, err)

	up := s.UpCommands(fleet.RoleClient)
	require.Len(t, up, 3)
	assert.Contains(t, up[2], "openvpn --config")
	assert.Contains(t, up[2], "--daemon")

	down := s.DownCommands(fleet.RoleClient)
	require.Len(t, down, 1)
	assert.Contains(t, down[0], "pkill")
	assert.Contains(t, down[0], "|| true")

	assert.Equal(t, "10.98.0.1", s.TunnelAddr(fleet.RoleServer))
	assert.Equal(t, "10.98.0.2", s.TunnelAddr(fleet.RoleClient))
}

func TestStackRegistry(t *testing.T) {
	for _, name := range []string{"none", "wireguard", "openvpn"} {
		s, err := NewStack(name, nil)
		require.NoError(t, err)
		assert.Equal(t, name, s.GetName())
	}

	_, err := NewStack("carrier-pigeon", nil)
	require.ErrorContains(t, err, "unknown vpn stack type")
}
