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

// Package daemon exposes the firmware management core over a JSON HTTP
// API served on a unix socket and, optionally, a TCP address.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	"github.com/canonical/termus/internals/logger"
	"github.com/canonical/termus/internals/overlord/filestate"
	"github.com/canonical/termus/internals/overlord/fwstate"
)

// Options holds the daemon setup required for the initialization of a new
// daemon.
type Options struct {
	// Dir is the termus state directory.
	Dir string

	// SocketPath is the unix socket used by clients to communicate with
	// the daemon.
	SocketPath string

	// HTTPAddress is the address for the plain HTTP API server, for
	// example ":4000" to listen on any address, port 4000. If not set,
	// the HTTP API server is not started.
	HTTPAddress string
}

// A Daemon listens for requests and routes them to the right command.
type Daemon struct {
	Version   string
	StartTime time.Time

	dir          string
	socketPath   string
	httpAddress  string
	fwMgr        *fwstate.FwManager
	fileMgr      *filestate.FileManager
	unixListener net.Listener
	httpListener net.Listener
	serve        *http.Server
	tomb         tomb.Tomb
	router       *mux.Router

	mu sync.Mutex
}

// A ResponseFunc handles one of the individual verbs for a method.
type ResponseFunc func(*Command, *http.Request) Response

// A Command routes a request to an individual per-verb ResponseFunc.
type Command struct {
	Path string

	GET    ResponseFunc
	POST   ResponseFunc
	PUT    ResponseFunc
	DELETE ResponseFunc

	d *Daemon
}

func (c *Command) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rspf ResponseFunc
	var rsp = statusMethodNotAllowed("method %q not allowed", r.Method)

	switch r.Method {
	case "GET":
		rspf = c.GET
	case "POST":
		rspf = c.POST
	case "PUT":
		rspf = c.PUT
	case "DELETE":
		rspf = c.DELETE
	}

	if rspf != nil {
		rsp = rspf(c, r)
	}
	rsp.ServeHTTP(w, r)
}

type wrappedWriter struct {
	w http.ResponseWriter
	s int
}

func (w *wrappedWriter) Header() http.Header {
	return w.w.Header()
}

func (w *wrappedWriter) Write(bs []byte) (int, error) {
	return w.w.Write(bs)
}

func (w *wrappedWriter) WriteHeader(s int) {
	w.w.WriteHeader(s)
	w.s = s
}

func (w *wrappedWriter) Flush() {
	if f, ok := w.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed for websockets to take over an HTTP connection.
func (w *wrappedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying writer does not implement Hijack")
	}
	return hijacker.Hijack()
}

func (w *wrappedWriter) status() int {
	if w.s == 0 {
		// If status was not explicitly written, HTTP 200 is implied.
		return http.StatusOK
	}
	return w.s
}

func logit(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := &wrappedWriter{w: w}
		t0 := time.Now()
		handler.ServeHTTP(ww, r)
		t := time.Since(t0)

		// Don't log system-info or metrics polls, they only fill the
		// log with noise.
		skipLog := r.Method == "GET" &&
			(r.URL.Path == "/v1/system-info" || r.URL.Path == "/metrics")
		if !skipLog {
			// Unix socket peers have no meaningful remote address.
			if r.RemoteAddr == "" || r.RemoteAddr == "@" {
				logger.Noticef("%s %s %s %d", r.Method, r.URL, t, ww.status())
			} else {
				logger.Noticef("%s %s %s %s %d", r.RemoteAddr, r.Method, r.URL, t, ww.status())
			}
		}
	})
}

// Init sets up the Daemon's internal workings.
// Don't call more than once.
func (d *Daemon) Init() error {
	listener, err := getListener(d.socketPath)
	if err != nil {
		return fmt.Errorf("when trying to listen on %s: %v", d.socketPath, err)
	}
	d.unixListener = listener

	d.addRoutes()

	if d.httpAddress != "" {
		listener, err := net.Listen("tcp", d.httpAddress)
		if err != nil {
			return fmt.Errorf("cannot listen on %q: %v", d.httpAddress, err)
		}
		d.httpListener = listener
		logger.Noticef("HTTP API server listening on %q.", d.httpAddress)
	}

	logger.Noticef("Started daemon.")
	return nil
}

func (d *Daemon) addRoutes() {
	d.router = mux.NewRouter()

	for _, c := range api {
		c.d = d
		d.router.Handle(c.Path, c).Name(c.Path)
	}
	d.router.Handle("/metrics", promhttp.Handler())

	d.router.NotFoundHandler = statusNotFound("invalid API endpoint requested")
}

// Start serves the API until Stop is called.
func (d *Daemon) Start() {
	d.StartTime = time.Now()

	d.serve = &http.Server{Handler: logit(d.router)}

	d.tomb.Go(func() error {
		if err := d.serve.Serve(d.unixListener); err != http.ErrServerClosed && d.tomb.Err() == tomb.ErrStillAlive {
			return err
		}
		return nil
	})

	if d.httpListener != nil {
		d.tomb.Go(func() error {
			if err := d.serve.Serve(d.httpListener); err != http.ErrServerClosed && d.tomb.Err() == tomb.ErrStillAlive {
				return err
			}
			return nil
		})
	}
}

var shutdownTimeout = time.Second

// Stop shuts down the Daemon.
func (d *Daemon) Stop() error {
	d.tomb.Kill(nil)

	d.unixListener.Close()
	if d.httpListener != nil {
		d.httpListener.Close()
	}

	// The tomb's context has likely been cancelled already, so use the
	// background one for the draining deadline.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	d.tomb.Kill(d.serve.Shutdown(ctx))
	cancel()

	return d.tomb.Wait()
}

func (d *Daemon) Dying() <-chan struct{} {
	return d.tomb.Dying()
}

// New creates a daemon serving the given managers.
func New(opts *Options, fwMgr *fwstate.FwManager, fileMgr *filestate.FileManager) *Daemon {
	return &Daemon{
		dir:         opts.Dir,
		socketPath:  opts.SocketPath,
		httpAddress: opts.HTTPAddress,
		fwMgr:       fwMgr,
		fileMgr:     fileMgr,
	}
}

// getListener sets up a unix listener on the given path, refusing to steal
// a socket another daemon is still serving.
func getListener(socketPath string) (net.Listener, error) {
	if c, err := net.Dial("unix", socketPath); err == nil {
		c.Close()
		return nil, fmt.Errorf("socket %q already in use", socketPath)
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	address, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, err
	}

	runtime.LockOSThread()
	oldmask := syscall.Umask(0111)
	listener, err := net.ListenUnix("unix", address)
	syscall.Umask(oldmask)
	runtime.UnlockOSThread()
	if err != nil {
		return nil, err
	}

	logger.Debugf("listening on socket %q", socketPath)

	return listener, nil
}
