package bootcfg

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newTestCommand() (*cobra.Command, *viper.Viper) {
	v := viper.New()
	cmd := &cobra.Command{Use: "kerneld"}
	BindFlags(cmd.Flags(), v)
	return cmd, v
}

func TestLoadAppliesDefaultsWithNoFlags(t *testing.T) {
	cmd, v := newTestCommand()
	require.NoError(t, cmd.ParseFlags(nil))

	cfg, err := Load(v, cmd)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.NumCPU)
	require.Equal(t, "ext2", cfg.RootFSType)
	require.NoError(t, cfg.Validate())
}

func TestLoadHonorsExplicitFlag(t *testing.T) {
	cmd, v := newTestCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--num-cpu=4", "--root-fs-type=fat16"}))

	cfg, err := Load(v, cmd)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.NumCPU)
	require.Equal(t, "fat16", cfg.RootFSType)
}

func TestValidateRejectsUnknownRouteInterface(t *testing.T) {
	cfg := Defaults()
	cfg.Interfaces = []InterfaceConfig{{Name: "eth0"}}
	cfg.Routes = []RouteConfig{{Interface: "eth1"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroCPU(t *testing.T) {
	cfg := Defaults()
	cfg.NumCPU = 0
	require.Error(t, cfg.Validate())
}
