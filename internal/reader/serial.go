package reader

import (
	"context"
	"io"

	goserial "github.com/goburrow/serial"

	"sensorhub/internal/model"
)

// DialSerial opens a direct serial-line transport for modules configured
// with TransportSerial, generalizing the teacher's internal/utils.OpenSerial
// to this package's Dialer signature.
func DialSerial(ctx context.Context, cfg model.ModuleConfig) (io.ReadWriteCloser, error) {
	sp := cfg.Serial
	if sp.BaudRate == 0 {
		sp.BaudRate = 9600
	}
	if sp.DataBits == 0 {
		sp.DataBits = 8
	}
	if sp.StopBits == 0 {
		sp.StopBits = 1
	}
	if sp.Parity == "" {
		sp.Parity = "N"
	}
	return goserial.Open(&goserial.Config{
		Address:  sp.Address,
		BaudRate: sp.BaudRate,
		DataBits: sp.DataBits,
		StopBits: sp.StopBits,
		Parity:   sp.Parity,
		Timeout:  cfg.ConnectTimeout,
	})
}
