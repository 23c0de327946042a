// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/canonical/go-flags"

	"github.com/canonical/termus/internals/boot"
	"github.com/canonical/termus/internals/daemon"
	"github.com/canonical/termus/internals/flash"
	"github.com/canonical/termus/internals/logger"
	"github.com/canonical/termus/internals/osutil"
	"github.com/canonical/termus/internals/overlord/filestate"
	"github.com/canonical/termus/internals/overlord/fwstate"
)

var shortRunHelp = "Run the termus daemon"
var longRunHelp = `
The run command starts the termus daemon, serving the firmware management
API on a unix socket and, optionally, an HTTP port.
`

type cmdRun struct {
	CreateDirs    bool          `long:"create-dirs"`
	Layout        string        `long:"layout"`
	BootSlot      int           `long:"boot-slot"`
	HTTP          string        `long:"http"`
	UploadTimeout time.Duration `long:"upload-timeout"`
}

func init() {
	addCommand("run", shortRunHelp, longRunHelp, func() flags.Commander { return &cmdRun{} },
		map[string]string{
			"create-dirs":    "Create termus directory on startup if it doesn't exist",
			"layout":         "Flash layout file (defaults to layout.yaml in the termus directory)",
			"boot-slot":      "Slot the running firmware was booted from",
			"http":           "Also serve the API on this HTTP address (for example \":4000\")",
			"upload-timeout": "Abandon an idle firmware upload after this long (0 disables)",
		})
}

func (rcmd *cmdRun) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if err := runDaemon(rcmd, sigs); err != nil {
		fmt.Fprintf(Stderr, "cannot run termus: %v\n", err)
		panic(&exitStatus{1})
	}
	return nil
}

func runDaemon(rcmd *cmdRun, sigs chan os.Signal) error {
	t0 := time.Now().Truncate(time.Millisecond)

	termusDir, socketPath := getEnvPaths()
	if rcmd.CreateDirs {
		if err := os.MkdirAll(termusDir, 0755); err != nil {
			return err
		}
	} else if !osutil.IsDir(termusDir) {
		return fmt.Errorf("directory %q does not exist, pass --create-dirs to create it", termusDir)
	}

	layoutPath := rcmd.Layout
	if layoutPath == "" {
		layoutPath = filepath.Join(termusDir, "layout.yaml")
	}
	layout, err := flash.ReadLayout(layoutPath)
	if err != nil {
		return err
	}
	flashMap := flash.NewMap(layout)

	if flashMap.SlotArea(rcmd.BootSlot) < 0 {
		return fmt.Errorf("boot slot %d has no flash area in %s", rcmd.BootSlot, layoutPath)
	}
	oracle := boot.NewTrailerOracle(flashMap, rcmd.BootSlot)

	fwMgr := fwstate.NewManager(flashMap, oracle, &fwstate.ManagerOptions{
		UploadTimeout: rcmd.UploadTimeout,
	})
	fileMgr := filestate.NewManager()
	defer fileMgr.Close()

	d := daemon.New(&daemon.Options{
		Dir:         termusDir,
		SocketPath:  socketPath,
		HTTPAddress: rcmd.HTTP,
	}, fwMgr, fileMgr)
	d.Version = Version

	if err := d.Init(); err != nil {
		return err
	}
	d.Start()

	logger.Debugf("activation done in %v", time.Now().Truncate(time.Millisecond).Sub(t0))

	select {
	case sig := <-sigs:
		logger.Noticef("Exiting on %s signal.", sig)
	case <-d.Dying():
		logger.Noticef("Server exiting!")
	}

	return d.Stop()
}
