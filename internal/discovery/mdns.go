// ABOUTME: mDNS browsing for SendSpin servers on the local network
// ABOUTME: Thin wrapper; discovery proper is the surrounding app's concern
package discovery

import (
	"context"
	"log"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_sendspin-server._tcp"

// ServerInfo describes a discovered SendSpin server.
type ServerInfo struct {
	Name string
	Host string
	Port int
}

// Browser repeatedly queries the LAN for SendSpin servers and emits each hit
// on Servers until its context is cancelled.
type Browser struct {
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
	logger  *log.Logger
}

// NewBrowser constructs a Browser; call Start to begin querying.
func NewBrowser(logger *log.Logger) *Browser {
	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
		logger:  logger,
	}
}

// Start launches the browse loop.
func (b *Browser) Start() {
	go b.browseLoop()
}

// Servers returns the channel of discovered servers.
func (b *Browser) Servers() <-chan *ServerInfo {
	return b.servers
}

// Stop cancels browsing. Idempotent.
func (b *Browser) Stop() {
	b.cancel()
}

func (b *Browser) browseLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				if entry.AddrV4 == nil {
					continue
				}
				server := &ServerInfo{
					Name: entry.Name,
					Host: entry.AddrV4.String(),
					Port: entry.Port,
				}
				if b.logger != nil {
					b.logger.Printf("discovery: found server %s at %s:%d", server.Name, server.Host, server.Port)
				}
				select {
				case b.servers <- server:
				case <-b.ctx.Done():
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: serviceType,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}
		mdns.Query(params)
		close(entries)
	}
}
