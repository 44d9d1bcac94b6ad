package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/ota-receiver/internal/detect"
	"github.com/bigbag/ota-receiver/internal/flash"
	"github.com/bigbag/ota-receiver/internal/ota"
	"github.com/bigbag/ota-receiver/internal/protocol"
	"github.com/bigbag/ota-receiver/internal/serial"
	"github.com/bigbag/ota-receiver/internal/uploader"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag     string
	baudFlag     int
	logLevelFlag string

	baseAddrFlag     uint32
	regionSizeFlag   uint32
	wordSizeFlag     int
	sectorFlag       int
	opTimeoutFlag    time.Duration
	settleFlag       time.Duration
	writeTimeoutFlag time.Duration
	interByteFlag    time.Duration
	strictCRCFlag    bool
	outputFlag       string
	onceFlag         bool

	responseTimeoutFlag time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ota-receiver",
		Short: "Receive and send ETX OTA firmware updates",
		Long: `ota-receiver speaks the ETX OTA protocol over a serial line or TCP.

The receive command plays the device side: it accepts a firmware image
packet by packet and programs it into an emulated application flash region.
The send command plays the host side and uploads a firmware image.

Ports can be serial devices, "tcp:host:port" or "listen:addr".`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (trace, debug, info, warn, error)")

	// Receive command
	receiveCmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive firmware updates",
		Long: `Run the OTA receiver on a port.

Every completed session is verified against the package CRC from the header.
With --output the received image is saved to a file.`,
		Args: cobra.NoArgs,
		RunE: runReceive,
	}
	defaults := flash.DefaultConfig()
	receiveCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port, tcp:host:port or listen:addr")
	receiveCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	receiveCmd.Flags().Uint32Var(&baseAddrFlag, "base-addr", defaults.BaseAddress, "Application flash base address")
	receiveCmd.Flags().Uint32Var(&regionSizeFlag, "region-size", defaults.Size, "Application region size in bytes")
	receiveCmd.Flags().IntVar(&wordSizeFlag, "word-size", defaults.WordSize, "Flash program word size in bytes")
	receiveCmd.Flags().IntVar(&sectorFlag, "sector", defaults.Sector, "Flash sector erased before the first chunk")
	receiveCmd.Flags().DurationVar(&opTimeoutFlag, "op-timeout", defaults.OpTimeout, "Flash erase/program timeout")
	receiveCmd.Flags().DurationVar(&settleFlag, "settle", 200*time.Millisecond, "Delay before each ACK")
	receiveCmd.Flags().DurationVar(&writeTimeoutFlag, "write-timeout", time.Second, "Response transmit timeout")
	receiveCmd.Flags().DurationVar(&interByteFlag, "inter-byte", serial.DefaultInterByteTimeout, "Drop a partial packet after this much silence")
	receiveCmd.Flags().BoolVar(&strictCRCFlag, "strict-crc", false, "Reject command, header and data packets with a bad CRC")
	receiveCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Save each received image to this file")
	receiveCmd.Flags().BoolVar(&onceFlag, "once", false, "Exit after the first completed session")
	receiveCmd.MarkFlagRequired("port")

	// Send command
	sendCmd := &cobra.Command{
		Use:   "send <firmware.bin>",
		Short: "Upload firmware to a receiver",
		Args:  cobra.ExactArgs(1),
		RunE:  runSend,
	}
	sendCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	sendCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	sendCmd.Flags().DurationVar(&responseTimeoutFlag, "timeout", 5*time.Second, "Wait for each ACK")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show receiver info",
		Long:  "Probe ports for an OTA receiver with an Abort command.",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (scan all if not specified)")
	infoCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ota-receiver %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(receiveCmd, sendCmd, infoCmd, versionCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(logLevelFlag)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

// onceLink stops the receiver after the response that follows a completed
// session has been sent.
type onceLink struct {
	*serial.Port
	finished atomic.Bool
	cancel   context.CancelFunc
}

func (l *onceLink) Transmit(ctx context.Context, p []byte) error {
	err := l.Port.Transmit(ctx, p)
	if l.finished.Load() {
		l.cancel()
	}
	return err
}

func runReceive(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	cfg := flash.Config{
		BaseAddress: baseAddrFlag,
		Size:        regionSizeFlag,
		WordSize:    wordSizeFlag,
		Sector:      sectorFlag,
		OpTimeout:   opTimeoutFlag,
	}
	if wordSizeFlag <= 0 || regionSizeFlag%uint32(wordSizeFlag) != 0 {
		return fmt.Errorf("region size %d is not a multiple of word size %d", regionSizeFlag, wordSizeFlag)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if serial.IsListenAddr(portFlag) {
		fmt.Printf("Waiting for a connection on %s...\n", portFlag)
	}
	port, err := serial.Open(portFlag, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()
	port.SetInterByteTimeout(interByteFlag)

	fmt.Printf("Port: %s @ %d baud\n", port.PortName(), baudFlag)
	fmt.Printf("Region: 0x%08X (%d bytes, sector %d)\n", cfg.BaseAddress, cfg.Size, cfg.Sector)

	link := &onceLink{Port: port, cancel: cancel}
	mem := flash.NewMemory(cfg)

	onComplete := func(s ota.Summary) {
		if s.Verified {
			fmt.Printf("Received %d bytes in %d chunks, CRC 0x%08X verified\n", s.PackageSize, s.Chunks, s.PackageCRC)
		} else {
			fmt.Printf("Session ended after %d bytes: %v\n", s.BytesWritten, s.VerifyErr)
		}

		if outputFlag != "" && s.PackageSize > 0 {
			if err := os.WriteFile(outputFlag, mem.Image(int(s.PackageSize)), 0o644); err != nil {
				logger.WithError(err).Error("Failed to save image")
			} else {
				fmt.Printf("Image saved to %s\n", outputFlag)
			}
		}

		if onceFlag {
			link.finished.Store(true)
		}
	}

	recv := ota.New(link, flash.NewWriter(mem, cfg, logger),
		ota.WithLogger(logger),
		ota.WithSettleDelay(settleFlag),
		ota.WithWriteTimeout(writeTimeoutFlag),
		ota.WithCRCCheck(strictCRCFlag),
		ota.WithCompleteHandler(onComplete),
	)

	err = recv.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		fmt.Println("Done!")
		return nil
	default:
		return err
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	firmwarePath := args[0]

	logger, err := newLogger()
	if err != nil {
		return err
	}

	// Read firmware file
	firmware, err := os.ReadFile(firmwarePath)
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}

	fmt.Printf("Firmware: %s (%d bytes, CRC 0x%08X)\n", firmwarePath, len(firmware), protocol.Checksum(firmware))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Find or use specified port
	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting receiver...")
		result, err := detect.DetectDevice(ctx, baudFlag)
		if err != nil {
			return fmt.Errorf("receiver detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found receiver on %s\n", result.Port)
	}

	// Open port
	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud\n", port.PortName(), baudFlag)

	u := uploader.New(port,
		uploader.WithLogger(logger),
		uploader.WithResponseTimeout(responseTimeoutFlag),
	)

	bar := progressbar.NewOptions64(int64(len(firmware)),
		progressbar.OptionSetDescription("Uploading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	u.SetProgressCallback(func(sent, total int) {
		bar.Set(sent)
	})

	if err := u.Upload(ctx, firmware); err != nil {
		return err
	}

	bar.Finish()
	fmt.Println("\nUpload complete!")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if portFlag != "" {
		// Check specific port
		result, err := detect.DetectOnPort(ctx, portFlag, baudFlag)
		if err != nil {
			return fmt.Errorf("no receiver on %s: %w", portFlag, err)
		}
		printReceiverInfo(result)
		return nil
	}

	// Auto-detect
	fmt.Println("Scanning for OTA receivers...")
	receivers, err := detect.ListDevices(ctx, baudFlag)
	if err != nil {
		return err
	}

	if len(receivers) == 0 {
		fmt.Println("No OTA receivers found")
		return nil
	}

	fmt.Printf("Found %d receiver(s):\n\n", len(receivers))
	for i, r := range receivers {
		fmt.Printf("Receiver %d:\n", i+1)
		printReceiverInfo(&r)
		fmt.Println()
	}

	return nil
}

func printReceiverInfo(r *detect.Result) {
	fmt.Printf("  Port:     %s\n", r.Port)
	if r.BaudRate != 0 {
		fmt.Printf("  Baud:     %d\n", r.BaudRate)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
