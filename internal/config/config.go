// Package config defines the top-level CLI grammar for dfud.
package config

import "github.com/vitalyvb/usbd-dfu/internal/cmd"

// LogConfig holds the logging flags shared by all commands.
type LogConfig struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"DFUD_LOG_LEVEL"`
	File    string `help:"Log file path (stdout/stderr when unset)" env:"DFUD_LOG_FILE"`
	RawFile string `help:"Raw USB-IP traffic dump file" env:"DFUD_LOG_RAW_FILE"`
}

// CLI is the root command structure parsed by Kong.
type CLI struct {
	Config string    `help:"Path to configuration file" type:"path"`
	Log    LogConfig `embed:"" prefix:"log."`

	Serve     cmd.Serve         `cmd:"" help:"Expose a DFU device over USB-IP"`
	ConfigCmd cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration utilities"`
}
