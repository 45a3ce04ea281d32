package vmdriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyNameRequiresNumeric(t *testing.T) {
	d := New(nil)
	assert.NoError(t, d.VerifyName("100"))
	assert.Error(t, d.VerifyName("web-1"))
}

func TestConfigFilePath(t *testing.T) {
	d := New(nil)
	assert.Equal(t, "/etc/pve/nodes/pve1/qemu-server/100.conf", d.ConfigFile("pve1", "100"))
}

func TestGetStaticStatsUsesSpec(t *testing.T) {
	d := New(map[string]Spec{"100": {CPUs: 4, MemoryMiB: 8192}})

	cpu, mem, ok := d.GetStaticStats("pve1", "100")
	assert.True(t, ok)
	assert.Equal(t, 4.0, cpu)
	assert.Equal(t, int64(8192), mem)

	_, _, ok = d.GetStaticStats("pve1", "missing")
	assert.False(t, ok)
}

func TestInstanceNameNamespacesById(t *testing.T) {
	assert.Equal(t, "pve-vm-100", instanceName("100"))
}
