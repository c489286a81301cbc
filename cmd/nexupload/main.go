// Command nexupload uploads a firmware image (*.tft) to a Nextion display
// over a serial port.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arloliu/go-nextion/logger"
	"github.com/arloliu/go-nextion/nextion"
)

var (
	baudRate   int
	uploadBaud int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "nexupload <device> <firmware.tft>",
	Short: "Upload firmware to a Nextion display",
	Long: `Nexupload flashes a firmware image to a Nextion display over a serial port.

The connection baud rate is probed automatically unless --baud is given.
The transfer itself runs at --upload-baud, falling back to the connection
baud rate when not specified.`,
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runUpload,
}

func init() {
	rootCmd.Flags().IntVarP(&baudRate, "baud", "b", 0, "Connection baud rate (default: probe)")
	rootCmd.Flags().IntVarP(&uploadBaud, "upload-baud", "u", 0, "Upload baud rate (default: connection baud)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// Accept the underscore spelling of the upload baud flag as well.
	rootCmd.Flags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		if name == "upload_baud" {
			name = "upload-baud"
		}

		return pflag.NormalizedName(name)
	})
}

func runUpload(cmd *cobra.Command, args []string) error {
	device, firmware := args[0], args[1]

	if verbose {
		logger.SetLevel(logger.DebugLevel)
	}

	if uploadBaud != 0 && !nextion.IsSupportedBaudRate(uploadBaud) {
		return fmt.Errorf("upload baud rate %d not in supported set %v", uploadBaud, nextion.SupportedBaudRates)
	}

	image, err := os.ReadFile(firmware)
	if err != nil {
		return err
	}

	opts := []nextion.Option{}
	if baudRate != 0 {
		opts = append(opts, nextion.WithBaudRate(baudRate))
	}

	cfg, err := nextion.NewConfig(device, opts...)
	if err != nil {
		return err
	}

	client, err := nextion.NewClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	fmt.Printf("About to upload %d bytes\n", len(image))

	err = client.Upload(ctx, image, uploadBaud, func(sent, total int) {
		fmt.Printf("\rUploaded: %.1f%%", float64(sent)/float64(total)*100)
	})
	fmt.Println()

	if err != nil {
		return err
	}

	fmt.Printf("Successfully uploaded %d bytes\n", len(image))

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
