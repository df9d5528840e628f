package ble

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ScanConfig holds configuration for band scanning.
type ScanConfig struct {
	// MaxDevices is how many bands to keep connected (default 1).
	MaxDevices int
	// ScanInterval is how often to check for missing bands (default 2s).
	ScanInterval time.Duration
	// AutoReconnect restarts scanning as soon as a band disconnects.
	AutoReconnect bool
}

// DefaultScanConfig returns sensible defaults for scanning.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		MaxDevices:    1,
		ScanInterval:  2 * time.Second,
		AutoReconnect: true,
	}
}

// Scanner keeps up to MaxDevices bands connected.
type Scanner struct {
	central *Central
	config  ScanConfig
	// running is read by the disconnect watchers.
	running atomic.Bool
	stop    chan struct{}
}

// NewScanner creates a new Scanner with the given Central and config.
func NewScanner(central *Central, config ScanConfig) *Scanner {
	def := DefaultScanConfig()
	if config.MaxDevices <= 0 {
		config.MaxDevices = def.MaxDevices
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	return &Scanner{
		central: central,
		config:  config,
		stop:    make(chan struct{}),
	}
}

// Start begins the scanning loop. The connection handler, if any, is
// called from here on so that disconnects can trigger a rescan.
func (s *Scanner) Start(onConnection ConnectionHandler) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stop = make(chan struct{})

	s.central.SetConnectionHandler(func(id, name string, connected bool) {
		if onConnection != nil {
			onConnection(id, name, connected)
		}
		if !connected {
			s.onDisconnect(name)
		}
	})

	go s.scanLoop()
}

// onDisconnect triggers an immediate scan instead of waiting for the next tick.
func (s *Scanner) onDisconnect(name string) {
	if !s.running.Load() || !s.config.AutoReconnect {
		return
	}
	log.Infof("Scanner: %s disconnected, initiating reconnection scan...", name)
	go s.checkAndScan()
}

// Stop halts the scanning loop.
func (s *Scanner) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	s.central.StopScanning()
}

func (s *Scanner) scanLoop() {
	log.Infoln("Scanner: Starting scan loop (checking every", s.config.ScanInterval, ")")

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	s.checkAndScan()

	for {
		select {
		case <-s.stop:
			log.Infoln("Scanner: Stopped")
			return
		case <-ticker.C:
			s.checkAndScan()
		}
	}
}

// checkAndScan starts a scan when fewer than MaxDevices bands are connected.
func (s *Scanner) checkAndScan() {
	connected := s.central.ConnectedCount()
	if connected >= s.config.MaxDevices {
		return
	}
	log.Debugf("Scanner: Scanning for bands (%d/%d connected)", connected, s.config.MaxDevices)
	if err := s.central.StartScanning(); err != nil {
		log.Errorf("Scanner: Failed to start scan: %v", err)
	}
}

// WaitForDevices blocks until n bands are connected or ctx ends.
func (s *Scanner) WaitForDevices(ctx context.Context, n int) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for s.central.ConnectedCount() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
