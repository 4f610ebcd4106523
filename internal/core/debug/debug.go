// Package debug contains the utilities that are only started when the server
// runs with debugging enabled.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

// Direction of a packet relative to the server.
type Direction string

const (
	ClientToServer Direction = "client->server"
	ServerToClient Direction = "server->client"
)

// StartPprofServer spins off the default pprof HTTP server that can be
// accessed via localhost to get runtime information about the server.
// See https://golang.org/pkg/net/http/pprof/
func StartPprofServer(logger logrus.FieldLogger, port int) {
	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// PacketLogger writes a hex dump of every packet it is handed to the debug log.
// A nil *PacketLogger is valid and discards everything.
type PacketLogger struct {
	logger logrus.FieldLogger
}

func NewPacketLogger(logger logrus.FieldLogger) *PacketLogger {
	return &PacketLogger{logger: logger}
}

// Log dumps the raw bytes of a frame moving in direction dir.
func (p *PacketLogger) Log(connID string, dir Direction, data []byte) {
	if p == nil {
		return
	}
	p.logger.WithField("connection", connID).WithField("direction", string(dir)).
		Debugf("packet %d bytes\n%s", len(data), dumpConfig.Sdump(data))
}
