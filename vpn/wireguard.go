package vpn

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/tunnelbench/tunnelbench/fleet"
	"golang.org/x/crypto/curve25519"
)

const (
	wgConfPath = "/etc/wireguard/wg0.conf"

	wgServerTunnelIP = "10.99.0.1"
	wgClientTunnelIP = "10.99.0.2"
)

type WireguardInput struct {
	ListenPort   int
	MTU          int
	KeepaliveSec int
}

type wireguardStack struct {
	input     *WireguardInput
	serverKey keypair
	clientKey keypair
}

type keypair struct {
	private string
	public  string
}

func init() {
	RegisterStack("wireguard", func(a map[string]any) (Stack, error) {
		input := &WireguardInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to WireguardInput: %w", err)
		}
		return NewWireguardStack(input)
	})
}

func NewWireguardStack(input *WireguardInput) (Stack, error) {
	if input.ListenPort == 0 {
		input.ListenPort = 51820
	}
	if input.KeepaliveSec == 0 {
		input.KeepaliveSec = 25
	}
	serverKey, err := newKeypair()
	if err != nil {
		return nil, err
	}
	clientKey, err := newKeypair()
	if err != nil {
		return nil, err
	}
	return &wireguardStack{input: input, serverKey: serverKey, clientKey: clientKey}, nil
}

// WireGuard keys are plain Curve25519 keypairs, so we can generate them
// here instead of shelling out to wg genkey on the VM.
func newKeypair() (keypair, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return keypair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return keypair{}, err
	}
	return keypair{
		private: base64.StdEncoding.EncodeToString(priv),
		public:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

func (s *wireguardStack) GetName() string { return "wireguard" }

func (s *wireguardStack) Packages() []string { return []string{"wireguard"} }

func (s *wireguardStack) ConfigFiles(role fleet.Role, eps Endpoints) (map[string][]byte, error) {
	mtu := ""
	if s.input.MTU != 0 {
		mtu = fmt.Sprintf("MTU = %d\n", s.input.MTU)
	}

	var conf string
	switch role {
	case fleet.RoleServer:
		conf = fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = %s/24
ListenPort = %d
%s
[Peer]
PublicKey = %s
AllowedIPs = %s/32
`, s.serverKey.private, wgServerTunnelIP, s.input.ListenPort, mtu, s.clientKey.public, wgClientTunnelIP)
	case fleet.RoleClient:
		conf = fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = %s/24
%s
[Peer]
PublicKey = %s
Endpoint = %s:%d
AllowedIPs = %s/32
PersistentKeepalive = %d
`, s.clientKey.private, wgClientTunnelIP, mtu, s.serverKey.public, eps.ServerPublicIP, s.input.ListenPort, wgServerTunnelIP, s.input.KeepaliveSec)
	default:
		return nil, fmt.Errorf("unknown role: %s", role)
	}
	return map[string][]byte{wgConfPath: []byte(conf)}, nil
}

func (s *wireguardStack) UpCommands(fleet.Role) []string {
	return []string{
		fmt.Sprintf("sudo install -m 600 -D %s %s", StagePath(wgConfPath), wgConfPath),
		"sudo wg-quick up wg0",
	}
}

func (s *wireguardStack) DownCommands(fleet.Role) []string {
	return []string{"sudo wg-quick down wg0 || true"}
}

func (s *wireguardStack) ReadyCommand(role fleet.Role) string {
	if role == fleet.RoleClient {
		// A successful ping across the tunnel proves the handshake completed.
		return fmt.Sprintf("ping -c 1 -W 2 %s", wgServerTunnelIP)
	}
	return "ip link show wg0"
}

func (s *wireguardStack) TunnelAddr(role fleet.Role) string {
	if role == fleet.RoleServer {
		return wgServerTunnelIP
	}
	return wgClientTunnelIP
}
