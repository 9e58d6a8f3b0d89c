// Package pairing brokers the approval handshake between an unpaired
// client and the operator. The client's HTTP request parks on an event
// until the operator decides or the window closes; concurrent requests
// from the same (ip, name) join the same ticket instead of spamming
// the operator.
package pairing

import (
	"strings"
	"sync"
	"time"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/auth"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/hub"
	"github.com/BYTEDz/PCLink/server/registry"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/BYTEDz/PCLink/utils/cmap"
	"github.com/google/uuid"
)

// DecisionWindow is how long a pairing request waits for the operator.
var DecisionWindow = 60 * time.Second

// MaxNameLength bounds the device name shown in the approval prompt.
const MaxNameLength = 64

// RequestLimiter caps pairing attempts at 5 per source IP per minute.
var RequestLimiter = auth.NewLimiter(5, time.Minute, 4096)

// Ticket outcomes.
const (
	StatusPending  = `pending`
	StatusApproved = `approved`
	StatusDenied   = `denied`
	StatusExpired  = `expired`
)

// Ticket is one pending approval. decision transitions exactly once
// from empty under mu; waiters are the event triggers of the parked
// HTTP handlers.
type Ticket struct {
	PairingID  string `json:"pairing_id"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
	ClientIP   string `json:"client_ip"`
	CreatedAt  int64  `json:"created_at"`

	mu       sync.Mutex
	decision string
	result   *Result
	waiters  int
}

// Result is what an approved waiter hands back to the client.
type Result struct {
	Status          string `json:"status"`
	DeviceID        string `json:"device_id,omitempty"`
	APIKey          string `json:"api_key,omitempty"`
	CertFingerprint string `json:"cert_fingerprint,omitempty"`
}

var (
	tickets     = cmap.New[*Ticket]() // pairing_id -> ticket
	dupIndex    = cmap.New[string]()  // ip+"\x00"+name -> pairing_id
	events      *hub.Hub
	fingerprint func() string
)

// Init wires the broker to the event hub and the certificate
// fingerprint source.
func Init(h *hub.Hub, fp func() string) {
	events = h
	fingerprint = fp
}

// SanitizeName trims, strips markup-significant characters and bounds
// the length. An empty result means the name is unusable.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '&', '"', '\'', '`':
			return -1
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}
	return strings.TrimSpace(name)
}

func dupKey(ip, name string) string {
	return ip + "\x00" + name
}

// Request blocks the caller until the operator decides or the window
// elapses. name must already be sanitized and non-empty. A second
// request from the same (ip, name) while one is pending joins the
// existing ticket and shares its decision.
func Request(name, platform, ip string) *Result {
	ticket := joinOrCreate(name, platform, ip)

	trigger := ticket.PairingID + `/` + utils.GetStrUUID()
	var result *Result
	called := common.AddEventOnce(func(payload any) {
		if r, ok := payload.(*Result); ok {
			result = r
		}
	}, trigger, DecisionWindow)

	ticket.mu.Lock()
	ticket.waiters--
	ticket.mu.Unlock()

	if called && result != nil {
		return result
	}
	// The decision may have landed before this waiter's trigger was
	// registered; honor it rather than reporting a timeout. The check
	// and the expiry transition share one critical section so a
	// decision can never slip in between them: either the result is
	// visible here, or the ticket expires and the decision call fails.
	ticket.mu.Lock()
	if ticket.result != nil {
		decided := ticket.result
		ticket.mu.Unlock()
		return decided
	}
	expired := ticket.waiters == 0 && ticket.decision == ``
	if expired {
		// The last waiter retires the ticket so a stale approval cannot
		// hand out a credential nobody is waiting for.
		ticket.decision = StatusExpired
	}
	ticket.mu.Unlock()
	if expired {
		retire(ticket)
		common.Info(nil, `PAIRING_TIMEOUT`, ``, ``, map[string]any{
			`pairing_id`: ticket.PairingID,
			`name`:       ticket.DeviceName,
		})
	}
	return &Result{Status: StatusExpired}
}

func joinOrCreate(name, platform, ip string) *Ticket {
	key := dupKey(ip, name)
	if id, ok := dupIndex.Get(key); ok {
		if ticket, ok := tickets.Get(id); ok {
			ticket.mu.Lock()
			if ticket.decision == `` {
				ticket.waiters++
				ticket.mu.Unlock()
				return ticket
			}
			ticket.mu.Unlock()
		}
	}
	ticket := &Ticket{
		PairingID:  uuid.NewString(),
		DeviceName: name,
		Platform:   platform,
		ClientIP:   ip,
		CreatedAt:  utils.Unix,
		waiters:    1,
	}
	tickets.Set(ticket.PairingID, ticket)
	dupIndex.Set(key, ticket.PairingID)
	if events != nil {
		events.Publish(hub.ClassOperator, modules.EventPairingRequest, map[string]any{
			`pairing_id`:  ticket.PairingID,
			`device_name`: ticket.DeviceName,
			`platform`:    ticket.Platform,
			`client_ip`:   ticket.ClientIP,
		})
	}
	common.Info(nil, `PAIRING_REQUEST`, ``, ``, map[string]any{
		`pairing_id`: ticket.PairingID,
		`name`:       ticket.DeviceName,
		`ip`:         ticket.ClientIP,
	})
	return ticket
}

// Approve registers the device and wakes every waiter with the new
// credential. Deciding an already-decided ticket returns the prior
// outcome unchanged.
func Approve(pairingID string) (*Result, error) {
	ticket, ok := tickets.Get(pairingID)
	if !ok {
		return nil, modules.NewError(modules.CodeNotFound, `unknown pairing id`)
	}
	ticket.mu.Lock()
	defer ticket.mu.Unlock()
	switch ticket.decision {
	case StatusApproved:
		return ticket.result, nil
	case StatusDenied:
		return nil, modules.NewError(modules.CodePairingDenied, `pairing was denied`)
	case StatusExpired:
		return nil, modules.NewError(modules.CodePairingTimeout, `pairing request expired`)
	}
	device, err := registry.Approve(ticket.DeviceName, ticket.Platform, ticket.ClientIP)
	if err != nil {
		return nil, err
	}
	fp := ``
	if fingerprint != nil {
		fp = fingerprint()
	}
	ticket.decision = StatusApproved
	ticket.result = &Result{
		Status:          StatusApproved,
		DeviceID:        device.ID,
		APIKey:          device.DeviceKey,
		CertFingerprint: fp,
	}
	wake(ticket, ticket.result)
	retire(ticket)
	return ticket.result, nil
}

// Deny rejects the ticket and wakes every waiter.
func Deny(pairingID string) error {
	ticket, ok := tickets.Get(pairingID)
	if !ok {
		return modules.NewError(modules.CodeNotFound, `unknown pairing id`)
	}
	ticket.mu.Lock()
	defer ticket.mu.Unlock()
	switch ticket.decision {
	case StatusDenied:
		return nil
	case StatusApproved:
		return modules.NewError(modules.CodeConflictExists, `pairing already approved`)
	case StatusExpired:
		return modules.NewError(modules.CodePairingTimeout, `pairing request expired`)
	}
	ticket.decision = StatusDenied
	ticket.result = &Result{Status: StatusDenied}
	wake(ticket, ticket.result)
	retire(ticket)
	common.Info(nil, `PAIRING_DENY`, ``, ``, map[string]any{`pairing_id`: ticket.PairingID})
	return nil
}

// wake fires every waiter trigger prefixed with the ticket id. Caller
// holds ticket.mu; the parked handlers read the decision via the event
// payload, never the ticket.
func wake(ticket *Ticket, result *Result) {
	// Triggers are namespaced by pairing id; waiters register under
	// <pairing_id>/<uuid>, so fire by prefix.
	common.CallEventPrefix(ticket.PairingID+`/`, result)
}

func retire(ticket *Ticket) {
	dupIndex.Remove(dupKey(ticket.ClientIP, ticket.DeviceName))
	// The ticket itself stays briefly so a second decision call gets the
	// idempotent answer; the sweeper removes it later.
}

// Pending returns tickets still awaiting a decision, for the UI.
func Pending() []*Ticket {
	list := make([]*Ticket, 0)
	tickets.IterCb(func(id string, ticket *Ticket) bool {
		ticket.mu.Lock()
		if ticket.decision == `` {
			list = append(list, ticket)
		}
		ticket.mu.Unlock()
		return true
	})
	return list
}

// Sweep drops decided and expired tickets older than the retention
// window. Called from the server's housekeeping ticker.
func Sweep() int {
	cutoff := utils.Unix - int64((5 * time.Minute).Seconds())
	var stale []string
	tickets.IterCb(func(id string, ticket *Ticket) bool {
		ticket.mu.Lock()
		if ticket.decision != `` && ticket.CreatedAt < cutoff {
			stale = append(stale, id)
		}
		ticket.mu.Unlock()
		return true
	})
	tickets.Remove(stale...)
	return len(stale)
}

// Reset drops all broker state; tests only.
func Reset() {
	tickets.Clear()
	dupIndex.Clear()
}
