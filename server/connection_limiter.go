package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/policyd/logger"
)

// ConnectionLimiter caps concurrent connections per listener and per peer.
// Unix socket peers have no address and only count towards the total.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.RWMutex
	cleanupInterval  time.Duration
	name             string
	trustedNets      []*net.IPNet // bypass per-IP limits
}

// NewConnectionLimiter creates a limiter. Zero disables the respective limit.
func NewConnectionLimiter(name string, maxConnections, maxPerIP int, trustedNetworks []string) *ConnectionLimiter {
	trustedNets, err := ParseTrustedNetworks(trustedNetworks)
	if err != nil {
		logger.Warn("Connection limiter: ignoring trusted networks", "server", name, "error", err)
		trustedNets = nil
	}
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute,
		name:             name,
		trustedNets:      trustedNets,
	}
}

// ParseTrustedNetworks parses CIDRs and bare IPs.
func ParseTrustedNetworks(networks []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, n := range networks {
		if ip := net.ParseIP(n); ip != nil {
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipnet, err := net.ParseCIDR(n)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", n, err)
		}
		out = append(out, ipnet)
	}
	return out, nil
}

// peerIP returns the peer IP, or "" for transports without one.
func peerIP(remoteAddr net.Addr) string {
	if remoteAddr == nil {
		return ""
	}
	switch addr := remoteAddr.(type) {
	case *net.TCPAddr:
		return addr.IP.String()
	case *net.UnixAddr:
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return ""
	}
	return host
}

// IsTrustedConnection reports whether the peer is in a trusted network.
func (cl *ConnectionLimiter) IsTrustedConnection(remoteAddr net.Addr) bool {
	if len(cl.trustedNets) == 0 {
		return false
	}
	ip := net.ParseIP(peerIP(remoteAddr))
	if ip == nil {
		return false
	}
	for _, network := range cl.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// CanAccept checks the limits without registering a connection.
func (cl *ConnectionLimiter) CanAccept(remoteAddr net.Addr) error {
	if cl.maxConnections > 0 {
		if current := cl.currentTotal.Load(); current >= int64(cl.maxConnections) {
			return fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
		}
	}

	ip := peerIP(remoteAddr)
	if cl.maxPerIP <= 0 || ip == "" || cl.IsTrustedConnection(remoteAddr) {
		return nil
	}

	cl.mu.RLock()
	ipCounter, exists := cl.perIPConnections[ip]
	cl.mu.RUnlock()
	if exists {
		if current := ipCounter.Load(); current >= int64(cl.maxPerIP) {
			return fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
		}
	}
	return nil
}

// Accept registers a connection and returns the function that releases it.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if err := cl.CanAccept(remoteAddr); err != nil {
		return nil, err
	}

	total := cl.currentTotal.Add(1)

	ip := peerIP(remoteAddr)
	var ipCounter *atomic.Int64
	if cl.maxPerIP > 0 && ip != "" && !cl.IsTrustedConnection(remoteAddr) {
		cl.mu.Lock()
		var exists bool
		ipCounter, exists = cl.perIPConnections[ip]
		if !exists {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[ip] = ipCounter
		}
		cl.mu.Unlock()
		perIP := ipCounter.Add(1)
		logger.Debug("Connection limiter: accepted", "server", cl.name, "ip", ip, "total", total, "per_ip", perIP)
	} else {
		logger.Debug("Connection limiter: accepted", "server", cl.name, "total", total)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.currentTotal.Add(-1)
			if ipCounter == nil {
				return
			}
			if ipCounter.Add(-1) <= 0 {
				cl.mu.Lock()
				if ipCounter.Load() <= 0 {
					delete(cl.perIPConnections, ip)
				}
				cl.mu.Unlock()
			}
		})
	}, nil
}

// Current returns the number of registered connections.
func (cl *ConnectionLimiter) Current() int64 {
	return cl.currentTotal.Load()
}

// GetStats returns current connection statistics.
func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := ConnectionStats{
		Server:           cl.name,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		IPConnections:    make(map[string]int64, len(cl.perIPConnections)),
	}
	for ip, counter := range cl.perIPConnections {
		stats.IPConnections[ip] = counter.Load()
	}
	return stats
}

// StartCleanup removes stale per-IP entries until ctx is done.
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	if cl.cleanupInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, ip)
			cleaned++
		}
	}
	if cleaned > 0 {
		logger.Debug("Connection limiter: cleaned up stale IP entries", "server", cl.name, "count", cleaned)
	}
}

// ConnectionStats is a snapshot of a limiter.
type ConnectionStats struct {
	Server           string           `json:"server"`
	TotalConnections int64            `json:"total_connections"`
	MaxConnections   int64            `json:"max_connections"`
	MaxPerIP         int64            `json:"max_per_ip"`
	IPConnections    map[string]int64 `json:"ip_connections,omitempty"`
}
