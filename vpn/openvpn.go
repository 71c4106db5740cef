package vpn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/tunnelbench/tunnelbench/fleet"
)

const (
	ovpnConfPath = "/etc/openvpn/tunnelbench.conf"
	ovpnKeyPath  = "/etc/openvpn/tunnelbench.key"

	ovpnServerTunnelIP = "10.98.0.1"
	ovpnClientTunnelIP = "10.98.0.2"
)

type OpenVPNInput struct {
	Port   int
	Cipher string
}

// A point-to-point OpenVPN tunnel using a pre-shared static key. Static
// key mode avoids a PKI, which keeps deployment to two freshly-booted VMs
// fast and deterministic.
type openvpnStack struct {
	input *OpenVPNInput
	key   string
}

func init() {
	RegisterStack("openvpn", func(a map[string]any) (Stack, error) {
		input := &OpenVPNInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to OpenVPNInput: %w", err)
		}
		return NewOpenVPNStack(input)
	})
}

func NewOpenVPNStack(input *OpenVPNInput) (Stack, error) {
	if input.Port == 0 {
		input.Port = 1194
	}
	if input.Cipher == "" {
		input.Cipher = "AES-256-GCM"
	}
	key, err := newStaticKey()
	if err != nil {
		return nil, err
	}
	return &openvpnStack{input: input, key: key}, nil
}

// newStaticKey renders 256 random bytes in the format openvpn --genkey
// produces, so both ends can share it without running the binary first.
func newStaticKey() (string, error) {
	raw := make([]byte, 256)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	hexKey := hex.EncodeToString(raw)
	var b strings.Builder
	b.WriteString("-----BEGIN OpenVPN Static key V1-----\n")
	for i := 0; i < len(hexKey); i += 32 {
		b.WriteString(hexKey[i : i+32])
		b.WriteString("\n")
	}
	b.WriteString("-----END OpenVPN Static key V1-----\n")
	return b.String(), nil
}

func (s *openvpnStack) GetName() string { return "openvpn" }

func (s *openvpnStack) Packages() []string { return []string{"openvpn"} }

func (s *openvpnStack) ConfigFiles(role fleet.Role, eps Endpoints) (map[string][]byte, error) {
	var conf string
	switch role {
	case fleet.RoleServer:
		conf = fmt.Sprintf(`dev tun0
ifconfig %s %s
secret %s
port %d
cipher %s
keepalive 10 60
`, ovpnServerTunnelIP, ovpnClientTunnelIP, ovpnKeyPath, s.input.Port, s.input.Cipher)
	case fleet.RoleClient:
		conf = fmt.Sprintf(`dev tun0
remote %s
ifconfig %s %s
secret %s
port %d
cipher %s
keepalive 10 60
`, eps.ServerPublicIP, ovpnClientTunnelIP, ovpnServerTunnelIP, ovpnKeyPath, s.input.Port, s.input.Cipher)
	default:
		return nil, fmt.Errorf("unknown role: %s", role)
	}
	return map[string][]byte{
		ovpnConfPath: []byte(conf),
		ovpnKeyPath:  []byte(s.key),
	}, nil
}

func (s *openvpnStack) UpCommands(fleet.Role) []string {
	return []string{
		fmt.Sprintf("sudo install -m 600 -D %s %s", StagePath(ovpnConfPath), ovpnConfPath),
		fmt.Sprintf("sudo install -m 600 -D %s %s", StagePath(ovpnKeyPath), ovpnKeyPath),
		fmt.Sprintf("sudo openvpn --config %s --daemon tunnelbench", ovpnConfPath),
	}
}

func (s *openvpnStack) DownCommands(fleet.Role) []string {
	return []string{"sudo pkill -f 'openvpn --config' || true"}
}

func (s *openvpnStack) ReadyCommand(role fleet.Role) string {
	if role == fleet.RoleClient {
		return fmt.Sprintf("ping -c 1 -W 2 %s", ovpnServerTunnelIP)
	}
	return "ip link show tun0"
}

func (s *openvpnStack) TunnelAddr(role fleet.Role) string {
	if role == fleet.RoleServer {
		return ovpnServerTunnelIP
	}
	return ovpnClientTunnelIP
}
