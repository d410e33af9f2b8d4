package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// NetworkAccuracyM is the accuracy assigned to IP-derived positions.
const NetworkAccuracyM = 10000

// AddrBook remembers the last client address each driver connected from.
type AddrBook struct {
	mu    sync.RWMutex
	addrs map[string]string
}

func NewAddrBook() *AddrBook {
	return &AddrBook{addrs: make(map[string]string)}
}

func (a *AddrBook) Set(driverID, ip string) {
	if ip == "" {
		return
	}
	a.mu.Lock()
	a.addrs[driverID] = ip
	a.mu.Unlock()
}

func (a *AddrBook) IP(driverID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ip, ok := a.addrs[driverID]
	return ip, ok
}

// NetworkProvider estimates a position from the driver's IP address using an
// ipapi-style service ({endpoint}/{ip}/json).
type NetworkProvider struct {
	Endpoint string
	Client   *http.Client
	Addrs    *AddrBook
}

func NewNetworkProvider(endpoint string, addrs *AddrBook) *NetworkProvider {
	return &NetworkProvider{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: 5 * time.Second},
		Addrs:    addrs,
	}
}

var errNoAddress = errors.New("no client address")

func (n *NetworkProvider) Locate(ctx context.Context, driverID string) (models.Position, error) {
	ip, ok := n.Addrs.IP(driverID)
	if !ok {
		return models.Position{}, errNoAddress
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/json", n.Endpoint, ip), nil)
	if err != nil {
		return models.Position{}, err
	}
	resp, err := n.Client.Do(req)
	if err != nil {
		return models.Position{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Position{}, fmt.Errorf("ip geolocation status %d", resp.StatusCode)
	}
	var out struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Error     bool     `json:"error"`
		Reason    string   `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Position{}, err
	}
	if out.Error || out.Latitude == nil || out.Longitude == nil {
		return models.Position{}, fmt.Errorf("ip geolocation: %s", out.Reason)
	}
	return models.Position{
		Coord:     models.Coord{Lat: *out.Latitude, Lng: *out.Longitude},
		Accuracy:  NetworkAccuracyM,
		Timestamp: time.Now(),
		Source:    "network",
	}, nil
}
