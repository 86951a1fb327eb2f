// Command initd is process 1: it parses boot-time flags, loads the
// service configuration and runs the global state machine until told to
// halt or reboot.
package main

import (
	"fmt"
	"os"

	golog "github.com/One-com/gone/log"
	"github.com/One-com/gone/log/syslog"
	"github.com/spf13/pflag"

	"github.com/go-initd/initd/internal/cgroup"
	"github.com/go-initd/initd/internal/supervisor"
)

func main() {
	var (
		mainConfig = pflag.StringP("config", "c", "/etc/initd/initd.conf", "main configuration file")
		dropinDir  = pflag.StringP("drop-in-dir", "d", "/etc/initd/initd.d", "drop-in configuration directory")
		socketPath = pflag.String("ctrl-sock", "/run/initd/control.sock", "control-plane UNIX socket path")
		fifoPath   = pflag.String("fifo", "/run/initd/telinit.fifo", "legacy telinit FIFO path")
		cgroupRoot = pflag.String("cgroup-root", cgroup.DefaultFSRoot, "cgroup v2 mountpoint under which per-service leaves are created")
		cfgLevel   = pflag.IntP("runlevel", "r", 2, "default runlevel once bootstrap completes")
		cmdLevel   = pflag.Int("runlevel-override", -1, "runlevel to force regardless of configuration (-1 disables)")
		verbose    = pflag.BoolP("verbose", "v", false, "enable debug-level logging")
	)
	pflag.Parse()

	if *verbose {
		golog.SetPrintLevel(syslog.LOG_DEBUG, false)
	}

	cfg := supervisor.Config{
		MainConfigFile: *mainConfig,
		DropinDir:      *dropinDir,
		SocketPath:     *socketPath,
		FifoPath:       *fifoPath,
		CgroupRoot:     *cgroupRoot,
		CfgLevel:       *cfgLevel,
		CmdLevel:       *cmdLevel,
	}

	s, err := supervisor.New(cfg, golog.Default())
	if err != nil {
		fmt.Fprintln(os.Stderr, "initd:", err)
		os.Exit(1)
	}

	if err := s.Run(); err != nil {
		golog.ERROR("initd: fatal", "err", err.Error())
		os.Exit(1)
	}
}
