package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciffer/labrange/internal/config"
	"github.com/sciffer/labrange/internal/logger"
	"github.com/sciffer/labrange/internal/testutil"
	"github.com/sciffer/labrange/pkg/database"
	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/provider"
	"github.com/sciffer/labrange/pkg/retry"
)

func setup(t *testing.T) (*database.DB, *testutil.FakeCloud, *Provisioner, *models.EnvironmentSession) {
	t.Helper()
	db := testutil.NewDB(t)
	cloud := testutil.NewFakeCloud()
	cloud.RunningAfter = 1
	network := config.NetworkConfig{InfraSubnets: []string{"subnet-infra"}, InfraSecurityGroups: []string{"sg-infra"}}
	p := NewProvisioner(cloud, cloud, db, network, retry.Policy{MaxAttempts: 5, Interval: time.Millisecond}, logger.NewNop())
	s := testutil.InsertSession(t, db, "u1", "sv1", models.StatusStarting)
	return db, cloud, p, s
}

func TestProvisionRecordsOneEntryPerMachine(t *testing.T) {
	db, cloud, p, s := setup(t)
	ctx := context.Background()

	entries, err := p.Provision(ctx, s, testutil.Machines(3))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for i, e := range entries {
		assert.Equal(t, testutil.Machines(3)[i].Name, e.MachineName)
		assert.NotEmpty(t, e.TaskRef)
		assert.NotEmpty(t, e.PrivateIP)
		assert.NotEmpty(t, e.NetworkInterfaceID)
		assert.Equal(t, "subnet-1", e.SubnetID)
		assert.Equal(t, "sg-"+s.ID+"-"+e.MachineName, e.SecurityGroupID)
	}
	assert.Equal(t, models.RoleAttacker, entries[0].MachineRole)

	stored, err := db.ListTopology(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	launched := cloud.Launched()
	require.Len(t, launched, 3)
	for _, req := range launched {
		assert.Equal(t, []string{"subnet-infra"}, req.Network.Subnets)
		assert.Equal(t, []string{"sg-infra"}, req.Network.SecurityGroups)
		assert.Equal(t, s.ID, req.SessionID)
	}
	assert.Len(t, cloud.Groups(), 3)
}

func TestProvisionAbortsWhenATaskStops(t *testing.T) {
	db, cloud, p, s := setup(t)
	cloud.StopReasons["m2"] = "Essential container in task exited"
	ctx := context.Background()

	_, err := p.Provision(ctx, s, testutil.Machines(3))
	var pf *ProvisioningFailedError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "m2", pf.Machine)
	assert.Contains(t, pf.Error(), "Essential container in task exited")
	assert.Len(t, pf.Launched, 3)

	stored, err := db.ListTopology(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestProvisionRollsBackGroupsOnCreateFailure(t *testing.T) {
	_, cloud, p, s := setup(t)
	cloud.GroupErrors["m2"] = errors.New("quota exceeded")

	_, err := p.Provision(context.Background(), s, testutil.Machines(3))
	var pf *ProvisioningFailedError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "m2", pf.Machine)
	assert.Empty(t, pf.Launched)
	assert.Empty(t, cloud.Launched())
	assert.Empty(t, cloud.Groups())
	assert.Equal(t, []string{"sg-" + s.ID + "-m1"}, cloud.GroupsDeleted())
}

func TestProvisionReportsPartialLaunch(t *testing.T) {
	_, cloud, p, s := setup(t)
	cloud.RunErrors["m3"] = errors.New("capacity unavailable")

	_, err := p.Provision(context.Background(), s, testutil.Machines(3))
	var pf *ProvisioningFailedError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "m3", pf.Machine)

	var withTask int
	for _, e := range pf.Launched {
		if e.TaskRef != "" {
			withTask++
		}
	}
	assert.Equal(t, len(cloud.Launched()), withTask)
	assert.Len(t, pf.Launched, 3)
}

func TestProvisionFallsBackToInterfaceLookup(t *testing.T) {
	_, cloud, p, s := setup(t)
	cloud.OmitTaskIP = true

	entries, err := p.Provision(context.Background(), s, testutil.Machines(2))
	require.NoError(t, err)
	for _, e := range entries {
		assert.Regexp(t, `^10\.0\.0\.\d+$`, e.PrivateIP)
		assert.Equal(t, "subnet-1", e.SubnetID)
	}
}

func TestProvisionGivesUpAfterAttemptCeiling(t *testing.T) {
	_, cloud, p, s := setup(t)
	cloud.RunningAfter = 100

	_, err := p.Provision(context.Background(), s, testutil.Machines(1))
	var pf *ProvisioningFailedError
	require.ErrorAs(t, err, &pf)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Len(t, pf.Launched, 1)
}

func TestIsolationSpecFor(t *testing.T) {
	m := models.Machine{
		Name:              "web",
		Role:              models.RoleVictim,
		NetworkGroup:      "dmz",
		AllowFromAttacker: true,
		IsPivotHost:       true,
		Entrypoints: []models.Entrypoint{
			{Protocol: "tcp", ContainerPort: 80},
			{Protocol: "udp", ContainerPort: 53},
		},
	}

	want := provider.IsolationSpec{
		MachineName:       "web",
		NetworkGroup:      "dmz",
		EgressAllowed:     true,
		AllowFromAttacker: true,
		IsPivotHost:       true,
		Ports:             []provider.PortSpec{{Protocol: "tcp", Port: 80}, {Protocol: "udp", Port: 53}},
	}
	if diff := cmp.Diff(want, IsolationSpecFor(m)); diff != "" {
		t.Errorf("IsolationSpecFor() mismatch (-want +got):\n%s", diff)
	}

	m.IsPivotHost = false
	assert.False(t, IsolationSpecFor(m).EgressAllowed)
}

func TestNetworkGroups(t *testing.T) {
	machines := []models.Machine{{NetworkGroup: "lan"}, {NetworkGroup: "dmz"}, {NetworkGroup: "lan"}}
	assert.Equal(t, []string{"dmz", "lan"}, NetworkGroups(machines))
}
