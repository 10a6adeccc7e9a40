package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/virtmmio/config"
	"github.com/slackhq/virtmmio/mmio"
	"github.com/slackhq/virtmmio/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to a yaml file to load configuration from")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if *configPath != "" {
		if err := c.Load(*configPath); err != nil {
			fmt.Printf("failed to load config: %s", err)
			os.Exit(1)
		}
	}

	if err := probe(c, l); err != nil {
		util.LogWithContextIfNeeded("Failed to probe for devices", err, l)
		os.Exit(1)
	}

	os.Exit(0)
}

func probe(c *config.C, l *logrus.Logger) error {
	path := c.GetString("window.path", "/dev/mem")
	// Defaults cover the virtio-mmio area of QEMU's aarch64 virt machine.
	base := c.GetInt("window.base", 0x0a000000)
	size := c.GetInt("window.size", 32*mmio.SlotStride)

	w, err := mmio.MapWindow(path, int64(base), size)
	if err != nil {
		return util.NewContextualError("Failed to map register window", map[string]any{
			"path": path,
			"base": fmt.Sprintf("%#x", base),
			"size": size,
		}, err)
	}
	defer w.Close()

	devices := mmio.Probe(w)
	if len(devices) == 0 {
		l.Info("No virtio-mmio devices found")
		return nil
	}

	for _, d := range devices {
		l.WithFields(logrus.Fields{
			"offset":  fmt.Sprintf("%#x", d.Offset),
			"type":    d.Type.String(),
			"version": d.Version,
			"vendor":  fmt.Sprintf("%#x", d.VendorID),
		}).Info("Found virtio-mmio device")
	}

	return nil
}
