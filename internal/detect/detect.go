package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bigbag/ota-receiver/internal/serial"
	"github.com/bigbag/ota-receiver/internal/uploader"
)

// ErrNoReceiver is returned when no port answers the probe.
var ErrNoReceiver = errors.New("no OTA receiver found")

// probeTimeout bounds the wait for the probe answer. It must cover the
// receiver's settle delay before an ACK.
const probeTimeout = time.Second

// Result represents a detected OTA receiver.
type Result struct {
	Port     string
	BaudRate int
}

// DetectDevice tries to detect an OTA receiver on available ports.
// Returns the first port that answers, or an error.
func DetectDevice(ctx context.Context, baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("%w: no serial ports found", ErrNoReceiver)
	}

	var errs error
	for _, portName := range ports {
		result, err := tryPort(ctx, portName, baudRate)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", portName, err))
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrNoReceiver, errs)
}

// DetectOnPort tries to detect an OTA receiver on a specific port.
func DetectOnPort(ctx context.Context, portName string, baudRate int) (*Result, error) {
	return tryPort(ctx, portName, baudRate)
}

// ListDevices scans all ports and returns every port with a receiver.
func ListDevices(ctx context.Context, baudRate int) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(ctx, portName, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func tryPort(ctx context.Context, portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	port.Flush()

	if err := Probe(ctx, port); err != nil {
		return nil, err
	}

	return &Result{
		Port:     port.PortName(),
		BaudRate: port.BaudRate(),
	}, nil
}

// Probe sends an Abort command over link and expects an ACK. A receiver
// waiting for a command answers it without side effects on an idle session.
func Probe(ctx context.Context, link uploader.Link) error {
	u := uploader.New(link, uploader.WithResponseTimeout(probeTimeout))
	if err := u.Abort(ctx); err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	return nil
}
