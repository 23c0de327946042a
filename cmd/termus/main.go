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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/canonical/go-flags"

	"github.com/canonical/termus/internals/logger"
)

// Standard streams, redirected for testing.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

// defaultTermusDir is used if $TERMUS_DIR is not set. It is created by the
// daemon ("termus run") if it doesn't exist.
const defaultTermusDir = "/var/lib/termus"

// ErrExtraArgs is returned if extra arguments to a command are found.
var ErrExtraArgs = fmt.Errorf("too many arguments for command")

type options struct {
	Version func() `long:"version" description:"Print the version and exit"`
}

// cmdInfo holds information needed to call parser.AddCommand(...).
type cmdInfo struct {
	name, shortHelp, longHelp string
	builder                   func() flags.Commander
	optDescs                  map[string]string
}

var commands []*cmdInfo

func addCommand(name, shortHelp, longHelp string, builder func() flags.Commander, optDescs map[string]string) *cmdInfo {
	info := &cmdInfo{
		name:      name,
		shortHelp: shortHelp,
		longHelp:  longHelp,
		builder:   builder,
		optDescs:  optDescs,
	}
	commands = append(commands, info)
	return info
}

func getEnvPaths() (termusDir string, socketPath string) {
	termusDir = os.Getenv("TERMUS_DIR")
	if termusDir == "" {
		termusDir = defaultTermusDir
	}
	socketPath = os.Getenv("TERMUS_SOCKET")
	if socketPath == "" {
		socketPath = filepath.Join(termusDir, ".termus.socket")
	}
	return termusDir, socketPath
}

// Parser creates and populates a fresh parser.
func Parser() *flags.Parser {
	optionsData := options{
		Version: func() {
			fmt.Fprintf(Stdout, "%s\n", Version)
			panic(&exitStatus{0})
		},
	}
	parser := flags.NewParser(&optionsData, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = "Firmware management agent"
	parser.LongDescription = "Termus manages the device's firmware slots and boot state."

	for _, c := range commands {
		cmd, err := parser.AddCommand(c.name, c.shortHelp, c.longHelp, c.builder())
		if err != nil {
			logger.Panicf("cannot add command %q: %v", c.name, err)
		}
		for _, opt := range cmd.Options() {
			if desc, ok := c.optDescs[opt.LongName]; ok {
				opt.Description = desc
			}
		}
	}
	return parser
}

type exitStatus struct {
	code int
}

func (e *exitStatus) Error() string {
	return fmt.Sprintf("internal error: exitStatus{%d} being handled as normal error", e.code)
}

func Run() error {
	defer func() {
		if v := recover(); v != nil {
			if e, ok := v.(*exitStatus); ok {
				os.Exit(e.code)
			}
			panic(v)
		}
	}()

	_, err := Parser().Parse()
	return err
}

func main() {
	logger.SetLogger(logger.New(os.Stderr, "termus: "))

	if err := Run(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintf(Stdout, "%v\n", err)
			os.Exit(0)
		}
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
