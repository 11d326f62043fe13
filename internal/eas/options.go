package eas

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zjrosen/easync/internal/log"
)

// DiscoverVersion probes the server with OPTIONS and picks the protocol
// version: 12.0 when advertised, 2.5 otherwise. The chosen version is
// set on the client; the caller persists it on the account.
func DiscoverVersion(ctx context.Context, c *Client) (string, error) {
	resp, err := c.Options(ctx)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Cmd: "OPTIONS", Code: resp.StatusCode}
	}

	versions := resp.Header.Get("ms-asprotocolversions")
	if versions == "" {
		return "", fmt.Errorf("eas: OPTIONS response missing ms-asprotocolversions header")
	}

	version := Version25
	for _, v := range strings.Split(versions, ",") {
		if strings.TrimSpace(v) == Version120 {
			version = Version120
			break
		}
	}

	log.Debug(log.CatEAS, "Protocol version discovered", "advertised", versions, "chosen", version)
	c.Version = version
	return version, nil
}
