package eas

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/easync/internal/log"
)

const deviceFileName = "deviceName"

var (
	deviceMu sync.Mutex
	deviceID string
)

// DeviceID returns the stable device identifier reported to the server,
// reading it from the deviceName file under dataDir. A missing file is
// populated with a generated id: "androidc" plus a random identifier,
// or "android{ms}" when even that fails. The id is cached for the life
// of the process.
func DeviceID(dataDir string) (string, error) {
	deviceMu.Lock()
	defer deviceMu.Unlock()

	if deviceID != "" {
		return deviceID, nil
	}

	path := filepath.Join(dataDir, deviceFileName)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			deviceID = id
			return deviceID, nil
		}
	}

	id := generateDeviceID()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("creating device data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persisting device id: %w", err)
	}

	log.Debug(log.CatEAS, "Generated device id", "id", id)
	deviceID = id
	return deviceID, nil
}

func generateDeviceID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("android%d", time.Now().UnixMilli())
	}
	return "androidc" + strings.ReplaceAll(u.String(), "-", "")
}

// ResetDeviceID clears the process-wide cache. Tests only.
func ResetDeviceID() {
	deviceMu.Lock()
	deviceID = ""
	deviceMu.Unlock()
}
