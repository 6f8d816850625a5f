package usb

import "time"

// ServerConfig represents the serve subcommand configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3240" env:"DFUD_USB_ADDR"`
	ConnectionTimeout time.Duration `kong:"-"`
}
