// Command ip2log is a thin Telnet client that logs one ip2ser session
// to a file: connect, strip Telnet framing, collapse line endings, and
// write everything to disk until the connection closes.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"ip2ser/internal/logclient"
	"ip2ser/internal/telemetry"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ip2log [ options ] <host>[:port] [port]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Options:")
	fmt.Fprintln(os.Stderr, " -f <file>  log to FILE (default: HOST-PORT.txt)")
	fmt.Fprintln(os.Stderr, " -a         append to log file (default: overwrite)")
	fmt.Fprintln(os.Stderr, " -R         raw mode - no character translation")
	fmt.Fprintln(os.Stderr, " -t         enable standard timestamps")
	fmt.Fprintln(os.Stderr, " -tt        enable microsecond timestamps")
	fmt.Fprintln(os.Stderr, " -D         debug mode - verbose logging")
	os.Exit(1)
}

func main() {
	flag.Usage = usage
	var (
		file    = flag.String("f", "", "log file (default HOST-PORT.txt)")
		appendF = flag.Bool("a", false, "append to log file")
		raw     = flag.Bool("R", false, "raw mode")
		ts      = flag.Bool("t", false, "enable standard timestamps")
		tsMicro = flag.Bool("tt", false, "enable microsecond timestamps")
		debug   = flag.Bool("D", false, "debug mode")
	)
	flag.Parse()

	if *debug {
		telemetry.Log.SetLevel(logrus.DebugLevel)
	}

	if flag.NArg() < 1 {
		usage()
	}

	host, port, err := parseTarget(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
	}

	if *file == "" {
		*file = fmt.Sprintf("%s-%d.txt", host, port)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if !*appendF {
		flags |= os.O_TRUNC
	}
	logFd, err := os.OpenFile(*file, flags, 0644)
	if err != nil {
		telemetry.Log.WithError(err).Fatal("can't open log file")
	}
	defer logFd.Close()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		telemetry.Log.WithError(err).Fatal("connect failed")
	}
	defer conn.Close()

	mode := logclient.NoTimestamp
	if *ts {
		mode = logclient.SecondTimestamp
	}
	if *tsMicro {
		mode = logclient.MicroTimestamp
	}

	l := logclient.New(logFd, *raw, mode)
	l.Marker(fmt.Sprintf("Connected to %s:%d", host, port))

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			l.Feed(buf[:n])
		}
		if err != nil {
			break
		}
	}

	l.Marker("Connection closed")
}

// parseTarget accepts "host:port" as a single argument or "host port"
// as two, matching the original's getopt-positional convention.
func parseTarget(args []string) (string, int, error) {
	host := args[0]
	port := 0

	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		p, err := strconv.Atoi(host[idx+1:])
		if err == nil {
			port = p
			host = host[:idx]
		}
	}

	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid port %q", args[1])
		}
		port = p
	}

	if port == 0 {
		return "", 0, fmt.Errorf("no port specified")
	}
	return host, port, nil
}
