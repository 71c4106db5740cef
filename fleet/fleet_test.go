package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() FleetSpec {
	return FleetSpec{
		Region:      "us-east-1",
		MachineType: "t3.medium",
		Machines: []MachineSpec{
			{Name: "server", Role: RoleServer},
			{Name: "client", Role: RoleClient},
		},
	}
}

func TestValidate(t *testing.T) {
	valid := validSpec()
	require.NoError(t, valid.Validate())

	empty := FleetSpec{}
	require.Error(t, empty.Validate())

	dup := validSpec()
	dup.Machines[1].Name = "server"
	require.ErrorContains(t, dup.Validate(), "duplicate machine name")

	badRole := validSpec()
	badRole.Machines[0].Role = "observer"
	require.ErrorContains(t, badRole.Validate(), "unknown role")
}

func TestFleetLookups(t *testing.T) {
	f := &Fleet{
		VMs: []VM{
			{Name: "server", Role: RoleServer, InstanceID: "i-1", State: StateRunning},
			{Name: "client", Role: RoleClient, InstanceID: "i-2", State: StateRunning},
		},
	}

	assert.Equal(t, "i-1", f.VMByName("server").InstanceID)
	assert.Nil(t, f.VMByName("nope"))
	assert.Equal(t, "client", f.FirstByRole(RoleClient).Name)
	assert.Equal(t, 2, f.ActiveVMs())

	f.VMs[0].State = StateTerminated
	assert.Equal(t, 1, f.ActiveVMs())
}
