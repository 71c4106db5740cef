package main

import (
	"github.com/tunnelbench/tunnelbench/config"
	"github.com/tunnelbench/tunnelbench/provisioner"
)

const dryRunIperf3Output = `{
  "end": {
    "sum_sent": {"bits_per_second": 9414000000.0, "retransmits": 12},
    "sum_received": {"bits_per_second": 9381000000.0},
    "cpu_utilization_percent": {"host_total": 22.1, "remote_total": 19.4}
  }
}`

const dryRunPingOutput = `PING 10.99.0.1 (10.99.0.1) 56(84) bytes of data.
64 bytes from 10.99.0.1: icmp_seq=1 ttl=64 time=0.42 ms

--- 10.99.0.1 ping statistics ---
10 packets transmitted, 10 received, 0% packet loss, time 1813ms
rtt min/avg/max/mdev = 0.311/0.413/0.502/0.061 ms`

const dryRunNetperfOutput = ` 87380  16384  16384    10.00    9414000000.00`

// scriptDryRunTargets wires canned tool output into the fake
// provisioner's targets so a dry run exercises the entire pipeline,
// parsing included, without touching a cloud.
func scriptDryRunTargets(fake *provisioner.FakeProvisioner, cfg *config.Config) {
	for _, m := range cfg.Fleet.Machines {
		t := fake.ScriptTargetFor(m.Name)
		t.HandleOutput("whoami", "ubuntu\n")
		t.HandleOutput("iperf3 --version", "iperf 3.12 (cJSON 1.7.15)\n")
		t.HandleOutput("iperf3 -c", dryRunIperf3Output)
		t.HandleOutput("ping -c", dryRunPingOutput)
		t.HandleOutput("netperf -H", dryRunNetperfOutput)
	}
}
