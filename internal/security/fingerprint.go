package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keygen-sh/machineid"
	"golang.org/x/sync/errgroup"

	"minewater/pkg/contracts/domain"
)

// Hardware component names recorded in a snapshot
const (
	ComponentBoardSerial = "board_serial"
	ComponentProductUUID = "product_uuid"
	ComponentDiskSerial  = "disk_serial"
	ComponentMACAddress  = "mac_address"
	ComponentCPUID       = "cpu_id"
	ComponentMachineID   = "machine_id"
	ComponentHostname    = "hostname"
)

// MatchThreshold is the similarity at or above which two snapshots are
// treated as the same machine.
const MatchThreshold = 0.60

// DefaultWeights sums to 1.0. No single component reaches the threshold and
// losing any single component keeps a snapshot above it.
var DefaultWeights = map[string]float64{
	ComponentBoardSerial: 0.25,
	ComponentProductUUID: 0.20,
	ComponentDiskSerial:  0.15,
	ComponentMACAddress:  0.15,
	ComponentCPUID:       0.10,
	ComponentMachineID:   0.10,
	ComponentHostname:    0.05,
}

// ReaderFunc reads one hardware identifier. An error or empty value means
// the component is absent from the snapshot.
type ReaderFunc func(ctx context.Context) (string, error)

// FingerprintManager captures hardware snapshots with caching
type FingerprintManager struct {
	appID         string
	readers       map[string]ReaderFunc
	cache         domain.HardwareSnapshot
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
	logger        *slog.Logger
}

// NewFingerprintManager creates a fingerprint manager reading the standard
// component set. appID scopes the protected machine id.
func NewFingerprintManager(appID string, logger *slog.Logger) *FingerprintManager {
	if logger == nil {
		logger = slog.Default()
	}
	fm := &FingerprintManager{
		appID:         appID,
		cacheDuration: 1 * time.Hour, // Cache snapshot for 1 hour
		logger:        logger.With(slog.String("component", "fingerprint")),
	}
	fm.readers = map[string]ReaderFunc{
		ComponentBoardSerial: fm.GetBoardSerial,
		ComponentProductUUID: fm.GetProductUUID,
		ComponentDiskSerial:  fm.GetDiskSerial,
		ComponentMACAddress:  fm.GetMACAddress,
		ComponentCPUID:       fm.GetCPUID,
		ComponentMachineID:   fm.GetMachineID,
		ComponentHostname:    fm.GetHostname,
	}
	return fm
}

// NewFingerprintManagerWithReaders creates a manager with a custom reader set.
func NewFingerprintManagerWithReaders(readers map[string]ReaderFunc, cacheDuration time.Duration) *FingerprintManager {
	return &FingerprintManager{
		readers:       readers,
		cacheDuration: cacheDuration,
		logger:        slog.Default().With(slog.String("component", "fingerprint")),
	}
}

// Capture reads every component concurrently. Unreadable components are
// left out of the snapshot; Capture itself never fails.
func (fm *FingerprintManager) Capture(ctx context.Context) domain.HardwareSnapshot {
	fm.cacheMutex.RLock()
	if fm.cache != nil && time.Now().Before(fm.cacheExpiry) {
		cached := fm.cache.Clone()
		fm.cacheMutex.RUnlock()
		return cached
	}
	fm.cacheMutex.RUnlock()

	start := time.Now()
	snapshot := make(domain.HardwareSnapshot, len(fm.readers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, read := range fm.readers {
		g.Go(func() error {
			value, err := read(gctx)
			value = strings.TrimSpace(value)
			if err != nil || value == "" {
				fm.logger.Debug("Hardware component unavailable",
					slog.String("hw_component", name),
					slog.Any("error", err),
				)
				return nil
			}
			mu.Lock()
			snapshot[name] = value
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	fm.cacheMutex.Lock()
	fm.cache = snapshot.Clone()
	fm.cacheExpiry = time.Now().Add(fm.cacheDuration)
	fm.cacheMutex.Unlock()

	fm.logger.Info("Hardware snapshot captured",
		slog.Int("components", len(snapshot)),
		slog.String("snapshot_hash", snapshot.Hash()),
		slog.Duration("generation_time", time.Since(start)),
	)

	return snapshot
}

// SetCacheDuration changes how long a captured snapshot is reused. Zero
// disables caching.
func (fm *FingerprintManager) SetCacheDuration(d time.Duration) {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()
	fm.cacheDuration = d
}

// ClearCache clears the cached snapshot
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()

	fm.cache = nil
	fm.cacheExpiry = time.Time{}
}

// Similarity scores snapshot a against the reference snapshot using
// DefaultWeights.
func Similarity(a, ref domain.HardwareSnapshot) float64 {
	return WeightedSimilarity(a, ref, DefaultWeights)
}

// WeightedSimilarity returns the weight of components equal in a and ref
// divided by the weight of components present in ref. A component matches
// only on exact equality.
func WeightedSimilarity(a, ref domain.HardwareSnapshot, weights map[string]float64) float64 {
	var present, matched float64
	for name, refValue := range ref {
		if refValue == "" {
			continue
		}
		w := weights[name]
		present += w
		if v, ok := a[name]; ok && v == refValue {
			matched += w
		}
	}
	if present == 0 {
		return 0
	}
	score := matched / present
	if score > 1 {
		score = 1
	}
	return score
}

// SameMachine reports whether a is accepted as the machine ref was taken on.
func SameMachine(a, ref domain.HardwareSnapshot) bool {
	return Similarity(a, ref) >= MatchThreshold
}

// GetMACAddress retrieves the primary network interface MAC address
func (fm *FingerprintManager) GetMACAddress(_ context.Context) (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	sort.Slice(interfaces, func(i, j int) bool { return interfaces[i].Name < interfaces[j].Name })

	// Look for the first non-loopback, up interface with a MAC address
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	// Fallback: use any interface with MAC address
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// GetHostname retrieves the machine hostname
func (fm *FingerprintManager) GetHostname(_ context.Context) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}

	return hostname, nil
}

// GetMachineID returns the OS machine id hashed with the application id
func (fm *FingerprintManager) GetMachineID(_ context.Context) (string, error) {
	id, err := machineid.ProtectedID(fm.appID)
	if err != nil {
		return "", fmt.Errorf("failed to get machine ID: %w", err)
	}
	return id, nil
}

// GetCPUID retrieves CPU identification information (OS-specific)
func (fm *FingerprintManager) GetCPUID(_ context.Context) (string, error) {
	var raw string
	switch runtime.GOOS {
	case "windows":
		raw = os.Getenv("PROCESSOR_IDENTIFIER")
	case "linux":
		data, err := os.ReadFile("/proc/cpuinfo")
		if err == nil {
			raw = cpuInfoSignature(string(data))
		}
	case "darwin":
		raw = os.Getenv("HOSTTYPE")
	}
	if raw == "" {
		return "", fmt.Errorf("cpu identification unavailable on %s", runtime.GOOS)
	}

	// Hash the processor identifier to normalize length
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:8]), nil
}

// cpuInfoSignature keeps the stable lines of /proc/cpuinfo for the first processor.
func cpuInfoSignature(cpuinfo string) string {
	var parts []string
	for _, line := range strings.Split(cpuinfo, "\n") {
		if strings.TrimSpace(line) == "" && len(parts) > 0 {
			break
		}
		for _, prefix := range []string{"vendor_id", "cpu family", "model", "model name", "stepping"} {
			if strings.HasPrefix(line, prefix) {
				parts = append(parts, strings.TrimSpace(line))
				break
			}
		}
	}
	return strings.Join(parts, "|")
}

// GetBoardSerial retrieves the motherboard serial number
func (fm *FingerprintManager) GetBoardSerial(ctx context.Context) (string, error) {
	switch runtime.GOOS {
	case "linux":
		return readSysfs("/sys/class/dmi/id/board_serial")
	case "windows":
		return wmicValue(ctx, "baseboard", "serialnumber")
	case "darwin":
		return ioregValue(ctx, "IOPlatformSerialNumber")
	}
	return "", fmt.Errorf("board serial unsupported on %s", runtime.GOOS)
}

// GetProductUUID retrieves the SMBIOS system UUID
func (fm *FingerprintManager) GetProductUUID(ctx context.Context) (string, error) {
	switch runtime.GOOS {
	case "linux":
		return readSysfs("/sys/class/dmi/id/product_uuid")
	case "windows":
		return wmicValue(ctx, "csproduct", "uuid")
	case "darwin":
		return ioregValue(ctx, "IOPlatformUUID")
	}
	return "", fmt.Errorf("product uuid unsupported on %s", runtime.GOOS)
}

// GetDiskSerial retrieves the serial of the first physical disk
func (fm *FingerprintManager) GetDiskSerial(ctx context.Context) (string, error) {
	switch runtime.GOOS {
	case "linux":
		matches, _ := filepath.Glob("/sys/block/*/device/serial")
		sort.Strings(matches)
		for _, path := range matches {
			if serial, err := readSysfs(path); err == nil {
				return serial, nil
			}
		}
		return "", fmt.Errorf("no disk serial found")
	case "windows":
		return wmicValue(ctx, "diskdrive", "serialnumber")
	}
	return "", fmt.Errorf("disk serial unsupported on %s", runtime.GOOS)
}

func readSysfs(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" || strings.EqualFold(value, "none") || strings.EqualFold(value, "to be filled by o.e.m.") {
		return "", fmt.Errorf("%s: no value", path)
	}
	return value, nil
}

func wmicValue(ctx context.Context, class, field string) (string, error) {
	out, err := exec.CommandContext(ctx, "wmic", class, "get", field).Output()
	if err != nil {
		return "", fmt.Errorf("wmic %s %s: %w", class, field, err)
	}
	lines := strings.Split(strings.ReplaceAll(string(out), "\r", ""), "\n")
	for _, line := range lines[1:] {
		if v := strings.TrimSpace(line); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("wmic %s %s: empty", class, field)
}

func ioregValue(ctx context.Context, key string) (string, error) {
	out, err := exec.CommandContext(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", fmt.Errorf("ioreg: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, `"`+key+`"`) {
			continue
		}
		if idx := strings.LastIndex(line, "="); idx >= 0 {
			return strings.Trim(strings.TrimSpace(line[idx+1:]), `"`), nil
		}
	}
	return "", fmt.Errorf("ioreg: %s not found", key)
}
