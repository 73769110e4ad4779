package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/librescoot/groundcontrol/internal/config"
	"github.com/librescoot/groundcontrol/internal/transport"
	"github.com/librescoot/groundcontrol/pkg/cache"
	"github.com/librescoot/groundcontrol/pkg/cmdstate"
	"github.com/librescoot/groundcontrol/pkg/exchange"
	"github.com/librescoot/groundcontrol/pkg/fwt"
	"github.com/librescoot/groundcontrol/pkg/groundcontrol"
	"github.com/librescoot/groundcontrol/pkg/metrics"
	"github.com/librescoot/groundcontrol/pkg/project"
	"github.com/librescoot/groundcontrol/pkg/proto"
	"github.com/librescoot/groundcontrol/pkg/store"
	"github.com/librescoot/groundcontrol/pkg/userclient"
	"github.com/librescoot/groundcontrol/pkg/wireerr"
)

// transportSink adapts a transport.Transport's Write to exchange.Sink.
type transportSink struct {
	t transport.Transport
}

func (s transportSink) Send(framed []byte) {
	if err := s.t.Write(framed); err != nil {
		log.Printf("groundcontrold: write error: %v", err)
	}
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting groundcontrold")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("Device id: %d, transport: %s", cfg.DeviceID, cfg.Transport)

	values, err := cache.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.RedisHash)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer values.Close()
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	m := metrics.New()

	sidecar := store.New(cfg.SidecarPath)

	excCfg := exchange.DefaultConfig()
	excCfg.RetransmitInterval = cfg.RetransmitInterval
	excCfg.MaxRetries = cfg.MaxRetries

	errHandler := &loggingErrorHandler{metrics: m}

	exc := exchange.New(excCfg, cfg.DeviceID, nil, errHandler)

	gc := groundcontrol.New(exc, errHandler)

	var tr transport.Transport
	onData := func(data []byte) { gc.RecvData(data) }
	switch cfg.Transport {
	case config.TransportSerial:
		tr, err = transport.NewSerial(transport.SerialConfig{Device: cfg.Serial, BaudRate: cfg.Baud}, onData)
	case config.TransportUDP:
		tr, err = transport.NewUDP(cfg.UDPAddr, onData)
	}
	if err != nil {
		log.Fatalf("Failed to open transport: %v", err)
	}
	defer tr.Close()
	exc.SetSink(transportSink{t: tr})

	cmdState := cmdstate.New(exc, errHandler, values)
	exc.RegisterClient(proto.CmdTelem, cmdState)

	fwtHandler := &loggingFirmwareHandler{metrics: m}
	fwtClient := fwt.New(exc, fwtHandler, gc, sidecar)
	exc.RegisterClient(proto.Firmware, fwtClient)

	userClient := userclient.New(exc, 64)
	exc.RegisterClient(proto.User, userClient)

	gc.Subscribe(projectLogger{})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Printf("Serving metrics on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	gc.EnableLogging(cfg.Verbose)
	gc.Start()
	log.Printf("groundcontrol started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("Shutting down...")
	gc.Stop()
}

type loggingErrorHandler struct {
	metrics *metrics.Metrics
}

func (h *loggingErrorHandler) OnError(err *wireerr.Error) {
	h.metrics.WireErrors.WithLabelValues(err.Kind.String(), err.Stream).Inc()
	log.Printf("wire error: %v", err)
}

type loggingFirmwareHandler struct {
	metrics *metrics.Metrics
}

func (h *loggingFirmwareHandler) OnDownloadStarted() {
	log.Printf("firmware: download started")
}
func (h *loggingFirmwareHandler) OnSizeReceived(size uint64) {
	log.Printf("firmware: image size %d bytes", size)
}
func (h *loggingFirmwareHandler) OnHashDownloaded(deviceName string, hash []byte) {
	log.Printf("firmware: hash received for %s (%d bytes)", deviceName, len(hash))
}
func (h *loggingFirmwareHandler) OnStartCmdSent() {
	log.Printf("firmware: start command sent")
}
func (h *loggingFirmwareHandler) OnStartCmdPassed() {
	log.Printf("firmware: start command accepted")
}
func (h *loggingFirmwareHandler) OnProgress(received uint64) {
	h.metrics.FirmwareBytesReceived.Set(float64(received))
}
func (h *loggingFirmwareHandler) OnDownloadFinished() {
	log.Printf("firmware: download finished, verifying")
}
func (h *loggingFirmwareHandler) OnFirmwareError(err *wireerr.Error) {
	h.metrics.WireErrors.WithLabelValues(err.Kind.String(), err.Stream).Inc()
	log.Printf("firmware error: %v", err)
}

type projectLogger struct{}

func (projectLogger) SetProject(proj *project.Project, dev project.Device) {
	log.Printf("project updated: %s, device %s@%s", proj.Name, dev.Name, dev.Version)
}
