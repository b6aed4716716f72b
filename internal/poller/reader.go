package poller

import (
	"time"

	"github.com/grantwise/adam-acquisition/internal/transport"
	"github.com/grantwise/adam-acquisition/internal/types"
)

// ChannelReader performs one request/response cycle against a connected
// TransportClient and returns one channel's raw integer value. Counter
// and scale families implement it differently (register read vs.
// delimited-frame parse) behind this single seam, a capability interface
// in place of dynamic dispatch.
type ChannelReader interface {
	ReadChannel(client *transport.Client, deadline time.Time, ch types.ChannelSpec) (int64, error)
}
