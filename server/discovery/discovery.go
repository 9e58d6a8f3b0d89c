// Package discovery announces the server on the local network so the
// mobile client can find it without typing an address. A JSON beacon
// goes out every three seconds to the broadcast address of every real
// interface on UDP 38099. Beacons are best effort: a send failure is
// logged and the ticker keeps going.
package discovery

import (
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/google/uuid"
)

// BeaconPort is the fixed destination port clients listen on.
const BeaconPort = 38099

// beaconInterval is the announcement cadence.
const beaconInterval = 3 * time.Second

// virtualPrefixes filters out interfaces whose broadcast domain no
// phone will ever be on.
var virtualPrefixes = []string{`tap`, `tun`, `docker`, `vmnet`, `veth`, `virbr`, `br-`, `lo`}

// Announcer broadcasts beacons until stopped.
type Announcer struct {
	port        int
	fingerprint func() string

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// NewAnnouncer builds an announcer for the HTTPS port and certificate
// fingerprint source.
func NewAnnouncer(port int, fingerprint func() string) *Announcer {
	return &Announcer{
		port:        port,
		fingerprint: fingerprint,
		stop:        make(chan struct{}),
	}
}

// ServerID derives a stable identifier from the hostname, so clients
// can correlate beacons across restarts without the server persisting
// anything extra.
func ServerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = `pclink`
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname)).String()
}

// Start launches the beacon loop. It returns immediately; the loop
// runs until Stop.
func (a *Announcer) Start() {
	go a.loop()
	common.Info(nil, `DISCOVERY_START`, ``, ``, map[string]any{
		`port`:   BeaconPort,
		`server`: a.port,
	})
}

// Stop ends the beacon loop. Safe to call more than once.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	close(a.stop)
}

func (a *Announcer) loop() {
	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()
	a.broadcast()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.broadcast()
		}
	}
}

func (a *Announcer) broadcast() {
	data, err := a.payload()
	if err != nil {
		common.Warn(nil, `DISCOVERY_BEACON`, `marshal`, err.Error(), nil)
		return
	}
	targets := broadcastAddresses()
	if len(targets) == 0 {
		targets = []net.IP{net.IPv4bcast}
	}
	for _, target := range targets {
		if err := send(target, data); err != nil {
			common.Warn(nil, `DISCOVERY_BEACON`, `send`, err.Error(), map[string]any{
				`target`: target.String(),
			})
		}
	}
}

func (a *Announcer) payload() ([]byte, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = `pclink`
	}
	fp := ``
	if a.fingerprint != nil {
		fp = a.fingerprint()
	}
	beacon := modules.Beacon{
		Magic:       modules.BeaconMagic,
		Hostname:    hostname,
		Port:        a.port,
		HTTPS:       true,
		Fingerprint: fp,
		ServerID:    ServerID(),
	}
	return utils.JSON.Marshal(&beacon)
}

func send(target net.IP, data []byte) error {
	conn, err := net.DialUDP(`udp4`, nil, &net.UDPAddr{IP: target, Port: BeaconPort})
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(data)
	return err
}

// broadcastAddresses computes the directed broadcast address of every
// up, non-virtual IPv4 interface.
func broadcastAddresses() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var targets []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isVirtual(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			broadcast := make(net.IP, net.IPv4len)
			for i := range broadcast {
				broadcast[i] = ip[i] | ^mask[i]
			}
			targets = append(targets, broadcast)
		}
	}
	return targets
}

func isVirtual(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
