// Package credentials owns the server identity: the API key, the
// self-signed TLS certificate and its fingerprint. The three artifacts
// live in the data directory and are regenerated together whenever any
// one of them fails validation.
package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/utils"
)

const certValidity = 10 * 365 * 24 * time.Hour

// Error is fatal at startup: identity material that could not be
// loaded or regenerated.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf(`credentials: %s: %v`, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Identity is the loaded server identity. APIKey is stable until
// rotated; Cert backs the TLS listener.
type Identity struct {
	mu     sync.RWMutex
	apiKey string
	cert   tls.Certificate
}

func apiKeyPath() string { return filepath.Join(config.DataDir(), `api_key`) }
func certPath() string   { return filepath.Join(config.DataDir(), `cert.pem`) }
func keyPath() string    { return filepath.Join(config.DataDir(), `key.pem`) }

// LoadOrInit loads the identity, regenerating all three artifacts when
// any of them is missing or invalid.
func LoadOrInit() (*Identity, error) {
	id := &Identity{}
	if err := id.load(); err == nil {
		return id, nil
	} else {
		common.Warn(nil, `CREDENTIALS_LOAD`, `regenerate`, err.Error(), nil)
	}
	if err := id.generate(); err != nil {
		return nil, &Error{Op: `generate`, Err: err}
	}
	if err := id.load(); err != nil {
		return nil, &Error{Op: `load`, Err: err}
	}
	return id, nil
}

func (id *Identity) load() error {
	keyData, err := os.ReadFile(apiKeyPath())
	if err != nil {
		return err
	}
	apiKey := strings.TrimSpace(string(keyData))
	if len(apiKey) != 32 {
		return fmt.Errorf(`api key has invalid length %d`, len(apiKey))
	}
	if _, err = hex.DecodeString(apiKey); err != nil {
		return fmt.Errorf(`api key is not hex: %w`, err)
	}
	cert, err := tls.LoadX509KeyPair(certPath(), keyPath())
	if err != nil {
		return err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return err
	}
	if utils.Now.After(leaf.NotAfter) {
		return fmt.Errorf(`certificate expired at %s`, leaf.NotAfter)
	}
	cert.Leaf = leaf
	id.mu.Lock()
	id.apiKey = apiKey
	id.cert = cert
	id.mu.Unlock()
	return nil
}

// generate writes all three artifacts to temp files first and renames
// them into place, so a crash mid-generation never leaves a partial
// identity.
func (id *Identity) generate() error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	if hostname == `` {
		hostname = `pclink`
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    utils.Now.Add(-time.Hour),
		NotAfter:     utils.Now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{hostname},
		IPAddresses:  sanAddresses(),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: `CERTIFICATE`, Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: `EC PRIVATE KEY`, Bytes: keyDER})
	apiKey := utils.GetStrUUID()

	if err = atomicWrite(certPath(), certPEM, 0o644); err != nil {
		return err
	}
	if err = atomicWrite(keyPath(), keyPEM, 0o600); err != nil {
		return err
	}
	if err = atomicWrite(apiKeyPath(), []byte(apiKey), 0o600); err != nil {
		return err
	}
	common.Info(nil, `CREDENTIALS_GENERATE`, `success`, ``, map[string]any{
		`hostname`: hostname,
		`sans`:     len(template.IPAddresses),
	})
	return nil
}

// sanAddresses enumerates loopback plus every non-loopback,
// non-virtual IPv4 present on the host right now.
func sanAddresses() []net.IP {
	addrs := []net.IP{net.ParseIP(`127.0.0.1`), net.ParseIP(`::1`)}
	ifaces, err := net.Interfaces()
	if err != nil {
		return addrs
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range ifAddrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				addrs = append(addrs, ip4)
			}
		}
	}
	return addrs
}

var virtualPrefixes = []string{`tap`, `tun`, `docker`, `vmnet`, `veth`, `virbr`, `br-`, `lo`}

func isVirtualInterface(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp := path + `.tmp`
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// APIKey returns the current server API key.
func (id *Identity) APIKey() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.apiKey
}

// Certificate returns the TLS certificate for the listener.
func (id *Identity) Certificate() tls.Certificate {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.cert
}

// RotateAPIKey generates and persists a fresh API key. Outstanding
// device keys are invalidated by policy at the registry, not here, and
// the TLS certificate is untouched. The caller broadcasts the
// server_status event.
func (id *Identity) RotateAPIKey() error {
	apiKey := utils.GetStrUUID()
	if err := atomicWrite(apiKeyPath(), []byte(apiKey), 0o600); err != nil {
		return &Error{Op: `rotate`, Err: err}
	}
	id.mu.Lock()
	id.apiKey = apiKey
	id.mu.Unlock()
	common.Info(nil, `API_KEY_ROTATE`, `success`, ``, nil)
	return nil
}

// Fingerprint recomputes the lowercase hex SHA-256 of the DER cert on
// every call; it is intentionally not cached across file writes.
func (id *Identity) Fingerprint() string {
	data, err := os.ReadFile(certPath())
	if err != nil {
		return ``
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return ``
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:])
}
