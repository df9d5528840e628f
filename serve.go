package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"emg-bridge/analytics"
	"emg-bridge/ble"
	"emg-bridge/config"
	"emg-bridge/racp"
	"emg-bridge/recorder"
	"emg-bridge/timesync"
	"emg-bridge/web"
	"emg-bridge/wire"
)

func runServe(cmd *cobra.Command, _ []string) error {
	desc := config.NewEMGBridgeDesc()
	if err := desc.Parse(cmd); err != nil {
		return err
	}
	desc.PostParse()
	opt := desc.Opt

	centralCfg, err := opt.CentralConfig()
	if err != nil {
		return err
	}

	log.Infoln("api:", opt.ListenAddr())
	log.Infoln("ble.name_prefix:", opt.BLE.NamePrefix)
	log.Infoln("ble.max_devices:", opt.BLE.MaxDevices)
	log.Infoln("stream.buffer_format:", opt.Stream.BufferFormat)
	log.Infoln("debug:", opt.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := analytics.NewMonitor()
	hub := web.NewHub()
	monitor.SetStateHandler(func(state *analytics.State) {
		hub.BroadcastJSON(state)
	})

	var wg sync.WaitGroup
	record := func(...recorder.Entry) {}
	if opt.Recorder.Enabled {
		f, err := os.OpenFile(opt.Recorder.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open recording: %w", err)
		}
		defer f.Close()
		log.Infoln("recording to", opt.Recorder.Path)

		entries := make(chan recorder.Entry, 4096)
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.NewJSONLWriter(f).Consume(ctx, entries)
		}()
		record = func(es ...recorder.Entry) {
			for _, e := range es {
				select {
				case entries <- e:
				default:
					log.Debugln("recorder: queue full, dropping entry")
				}
			}
		}
	}

	clocks := timesync.NewTable(opt.Moduli())
	central := ble.NewCentral(centralCfg, clocks)
	central.SetHandlers(ble.Handlers{
		OnSamples: func(b ble.Batch) {
			monitor.ProcessBatch(b)
			record(recorder.BatchEntry(b))
		},
		OnRetrievalStarted: monitor.RetrievalStarted,
		OnRetrieval: func(id string, records []racp.Record, err error) {
			monitor.RetrievalFinished(id, records, err)
			record(recorder.RetrievalEntries(id, records, err, time.Now())...)
		},
		OnDecodeError: func(id string, f wire.Format, err error) {
			monitor.RecordDecodeError(id, f, err)
		},
	})
	if err := central.Enable(); err != nil {
		return err
	}

	scanner := ble.NewScanner(central, opt.ScanConfig())
	scanner.Start(monitor.SetConnected)
	defer central.DisconnectAll()
	defer scanner.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scanner.WaitForDevices(ctx, opt.BLE.MaxDevices); err == nil {
			log.Infof("all %d bands connected", opt.BLE.MaxDevices)
		}
	}()

	// Ticker: broadcast statistics every second
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				monitor.BroadcastTick()
			}
		}
	}()

	if !opt.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	lookup := func(id string) (web.Retriever, error) {
		d, err := central.Device(id)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	server := web.NewServer(monitor, lookup, hub, opt.RetrievalTimeout())
	err = server.Run(ctx, opt.ListenAddr())
	stop()
	wg.Wait()
	return err
}
