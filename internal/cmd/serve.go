package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vitalyvb/usbd-dfu/dfu"
	"github.com/vitalyvb/usbd-dfu/internal/log"
	"github.com/vitalyvb/usbd-dfu/internal/server/usb"
	"github.com/vitalyvb/usbd-dfu/memsim"
	"github.com/vitalyvb/usbd-dfu/virtualbus"
)

// Serve exposes a DFU device backed by a simulated memory region over USB-IP.
type Serve struct {
	UsbServerConfig   usb.ServerConfig `embed:"" prefix:"usb."`
	ConnectionTimeout time.Duration    `help:"Management connection timeout" default:"30s" env:"DFUD_CONNECTION_TIMEOUT"`

	Bus                   uint32 `help:"Virtual bus number to expose the device on" default:"1"`
	Layout                string `help:"YAML memory layout file (built-in 128K STM32-style plan when unset)" type:"path"`
	Image                 string `help:"Backing image file, loaded at start and flushed on manifestation" type:"path"`
	TransferSize          uint16 `help:"wTransferSize advertised to the host" default:"1024"`
	ManifestationTolerant bool   `help:"Stay on the bus after manifestation instead of waiting for reset"`
	Vid                   string `help:"idVendor override, hex" placeholder:"0x0483"`
	Pid                   string `help:"idProduct override, hex" placeholder:"0xDF11"`
	Serial                string `help:"iSerialNumber override"`
}

// Run is called by Kong when the serve command is executed.
func (s *Serve) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

func (s *Serve) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.UsbServerConfig.ConnectionTimeout = s.ConnectionTimeout

	layout := memsim.DefaultLayout()
	if s.Layout != "" {
		var err error
		layout, err = memsim.LoadLayout(s.Layout)
		if err != nil {
			return err
		}
	}

	mem, err := memsim.New(layout, memsim.Options{
		TransferSize:          s.TransferSize,
		ManifestationTolerant: s.ManifestationTolerant,
		ImagePath:             s.Image,
		OnManifest: func(digest [32]byte) {
			logger.Info("Firmware manifested", "blake2s", hex.EncodeToString(digest[:]))
		},
		OnReset: func() {
			logger.Info("Bus reset in manifest-wait-reset, new firmware would boot now")
		},
	})
	if err != nil {
		return err
	}

	opts, err := s.deviceOptions()
	if err != nil {
		return err
	}
	cls, err := dfu.New(mem, opts)
	if err != nil {
		return err
	}
	logger.Info("DFU device ready",
		"memmap", layout.MemInfoString(),
		"transferSize", s.TransferSize,
		"tolerant", s.ManifestationTolerant)

	bus, err := virtualbus.NewWithBusId(s.Bus)
	if err != nil {
		return err
	}
	defer bus.Close()
	if _, err := bus.Add(cls); err != nil {
		return err
	}

	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger)
	if err := usbSrv.AddBus(bus); err != nil {
		return err
	}

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()

	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}
	logger.Info("Attach with: usbip attach -r <host> -b "+fmt.Sprintf("%d-1", s.Bus),
		"port", usbSrv.GetListenPort())

	select {
	case <-ctx.Done():
		_ = usbSrv.Close()
		<-usbErrCh
		return nil
	case err := <-usbErrCh:
		return err
	}
}

// deviceOptions translates the identity flags.
func (s *Serve) deviceOptions() (*dfu.Options, error) {
	opts := &dfu.Options{SerialNumber: s.Serial}
	if s.Vid != "" {
		v, err := strconv.ParseUint(s.Vid, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("bad --vid: %w", err)
		}
		vid := uint16(v)
		opts.IDVendor = &vid
	}
	if s.Pid != "" {
		p, err := strconv.ParseUint(s.Pid, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("bad --pid: %w", err)
		}
		pid := uint16(p)
		opts.IDProduct = &pid
	}
	return opts, nil
}
