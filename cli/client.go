package cli

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/utils"
)

// localIP picks the address the host would use to reach the LAN.
func localIP() string {
	conn, err := net.Dial(`udp4`, `192.168.1.1:80`)
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}
	return `127.0.0.1`
}

// apiClient talks to the local server over its self-signed TLS
// listener using the server API key from the data directory.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAPIClient() (*apiClient, error) {
	if err := config.Load(); err != nil {
		return nil, err
	}
	key, err := os.ReadFile(filepath.Join(config.DataDir(), `api_key`))
	if err != nil {
		return nil, fmt.Errorf(`server api_key not found; has the server ever started?`)
	}
	return &apiClient{
		base:   fmt.Sprintf(`https://127.0.0.1:%d`, config.Config.Port),
		apiKey: string(bytes.TrimSpace(key)),
		http: &http.Client{
			Timeout: 90 * time.Second,
			Transport: &http.Transport{
				// The listener's certificate is self-signed on purpose.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}, nil
}

// call issues one JSON request and decodes the response into out when
// non-nil. Non-2xx responses surface the body's detail.
func (c *apiClient) call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := utils.JSON.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(`X-API-Key`, c.apiKey)
	if body != nil {
		req.Header.Set(`Content-Type`, `application/json`)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var coded struct {
			Code   string `json:"code"`
			Detail string `json:"detail"`
		}
		if utils.JSON.Unmarshal(data, &coded) == nil && len(coded.Code) > 0 {
			return fmt.Errorf(`%s (%s)`, coded.Detail, coded.Code)
		}
		return fmt.Errorf(`server responded %d`, resp.StatusCode)
	}
	if out != nil {
		return utils.JSON.Unmarshal(data, out)
	}
	return nil
}
