// Package telemetry is the concentrator's single structured logger. It
// keeps the operational lines the original ip2ser printed to stdout
// (CONNECT, DISCONNECT, OPENED, CLOSED, CMD) alive as log fields
// instead of raw printf output.
package telemetry

import "github.com/sirupsen/logrus"

// Log is the process-wide logger. Tests may swap its output.
var Log = logrus.New()

// Connect logs a new client admission.
func Connect(fd int, addr string) {
	Log.WithFields(logrus.Fields{"fd": fd, "addr": addr}).Info("CONNECT")
}

// Disconnect logs a client departure.
func Disconnect(fd int) {
	Log.WithFields(logrus.Fields{"fd": fd}).Info("DISCONNECT")
}

// DeviceOpened logs a successful serial device open.
func DeviceOpened(devpath string) {
	Log.WithFields(logrus.Fields{"device": devpath}).Info("OPENED")
}

// DeviceClosed logs a serial device close.
func DeviceClosed(devpath string) {
	Log.WithFields(logrus.Fields{"device": devpath}).Info("CLOSED")
}

// Command logs a dispatched escape-prefix command.
func Command(fd int, arg byte) {
	Log.WithFields(logrus.Fields{"fd": fd, "arg": string(arg)}).Info("CMD")
}
