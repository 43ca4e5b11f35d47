// Command ip2ser is the multi-client serial-over-TCP concentrator: it
// exclusively owns one serial device and bridges it to any number of
// TCP clients.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"ip2ser/internal/concentrator"
	"ip2ser/internal/telemetry"
)

func main() {
	var (
		devpath   = flag.String("d", "", "serial device (e.g. /dev/ttyS0)")
		port      = flag.Int("p", 2300, "TCP port")
		baud      = flag.Int("b", 115200, "baud rate")
		escapeArg = flag.String("e", "0x1e", "escape character (default 0x1e = Control-^)")
		raw       = flag.Bool("R", false, "raw protocol (default is telnet)")
		rebootCmd = flag.String("r", "", "shell command line to reboot the target")
		debug     = flag.Bool("D", false, "debug mode - verbose logging")
	)
	flag.Parse()

	if *devpath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if *debug {
		telemetry.Log.SetLevel(logrus.DebugLevel)
	}

	escapeByte, err := parseEscapeByte(*escapeArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := concentrator.Config{
		Devpath:    *devpath,
		Port:       *port,
		Baud:       *baud,
		EscapeByte: escapeByte,
		Raw:        *raw,
		RebootCmd:  *rebootCmd,
	}

	sv, err := concentrator.New(cfg)
	if err != nil {
		telemetry.Log.WithError(err).Fatal("can't start")
	}

	err = sv.Serve()
	telemetry.Log.WithError(err).Error("server stopped")
	os.Exit(1)
}

// parseEscapeByte accepts the same notations getopt's strtol(optarg,
// NULL, 0) would: decimal, 0x-prefixed hex, or 0-prefixed octal.
func parseEscapeByte(s string) (byte, error) {
	v, err := strconv.ParseInt(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid escape character %q: %w", s, err)
	}
	if !concentrator.ValidEscapeByte(byte(v)) {
		return 0, fmt.Errorf("escape character 0x%02x is not a renderable control byte", v)
	}
	return byte(v), nil
}
