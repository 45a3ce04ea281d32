package registry

import (
	"context"
	"testing"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDriver struct{ typ string }

func (s stubDriver) VerifyName(name string) error { return nil }
func (s stubDriver) Exists(ctx context.Context, node, name string) (bool, error) {
	return true, nil
}
func (s stubDriver) Start(ctx context.Context, node, name string) error { return nil }
func (s stubDriver) Shutdown(ctx context.Context, node, name string, timeout time.Duration) error {
	return nil
}
func (s stubDriver) Migrate(ctx context.Context, node, target, name string, online bool) error {
	return nil
}
func (s stubDriver) CheckRunning(ctx context.Context, node, name string) (bool, error) {
	return true, nil
}
func (s stubDriver) ConfigFile(node, name string) string { return "/etc/pve/" + s.typ + "/" + name }
func (s stubDriver) RemoveLocks(ctx context.Context, node, name string, locks []string) error {
	return nil
}
func (s stubDriver) GetStaticStats(node, name string) (float64, int64, bool) { return 0, 0, false }

func TestLookupResolvesRegisteredType(t *testing.T) {
	r := New()
	r.Register("vm", stubDriver{typ: "vm"})
	r.Freeze()

	d, err := r.Lookup(types.NewServiceID("vm", "100"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/pve/vm/100", d.ConfigFile("pve1", "100"))
}

func TestLookupUnknownTypeFails(t *testing.T) {
	r := New()
	r.Freeze()

	_, err := r.Lookup(types.NewServiceID("ct", "100"))
	assert.Error(t, err)
}

func TestLookupMalformedServiceID(t *testing.T) {
	r := New()
	_, err := r.Lookup(types.ServiceID("no-colon"))
	assert.Error(t, err)
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	r := New()
	r.Freeze()
	assert.Panics(t, func() { r.Register("vm", stubDriver{typ: "vm"}) })
}

func TestTypesListsAllRegistered(t *testing.T) {
	r := New()
	r.Register("vm", stubDriver{typ: "vm"})
	r.Register("ct", stubDriver{typ: "ct"})
	r.Freeze()

	assert.ElementsMatch(t, []string{"vm", "ct"}, r.Types())
}
