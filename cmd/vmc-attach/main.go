// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// vmc-attach attaches a terminal to a device served by vmcd.
//
// Input is sent to the device and device output is written to stdout.
// When stdin is a terminal it is switched to raw mode and Ctrl-] ends
// the session. Devices with flow control are driven within the token
// windows the server grants.
//
// --migrate-export writes the device's migration data to a file and
// exits. --migrate-import replays such a file on a vmcd serving the
// same device on another host before the session starts.
//
// Usage:
//
//	vmc-attach [--socket PATH] DEVICE
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/vmcd/lib/channel"
	"github.com/bureau-foundation/vmcd/lib/config"
	"github.com/bureau-foundation/vmcd/lib/migration"
	"github.com/bureau-foundation/vmcd/lib/process"
	"github.com/bureau-foundation/vmcd/lib/version"
)

const dialTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		socketPath string
		exportPath string
		importPath string
		sendTokens uint32
	)
	flagSet := pflag.NewFlagSet("vmc-attach", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", config.DefaultSocketPath(), "vmcd channel socket")
	flagSet.StringVar(&exportPath, "migrate-export", "", "write the device's migration data to this file and exit")
	flagSet.StringVar(&importPath, "migrate-import", "", "restore migration data from this file before attaching")
	flagSet.Uint32Var(&sendTokens, "send-tokens", 0, "initial send window for flow-controlled devices (0: device default)")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("vmc-attach")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	args := flagSet.Args()
	if len(args) != 1 {
		printHelp(flagSet)
		return fmt.Errorf("expected exactly one device name")
	}
	if exportPath != "" && importPath != "" {
		return fmt.Errorf("--migrate-export and --migrate-import are mutually exclusive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var envelope []byte
	if importPath != "" {
		encoded, contents, err := migration.ReadFile(importPath)
		if err != nil {
			return err
		}
		if contents.Device != args[0] {
			return fmt.Errorf("migration file %s holds device %s, not %s", importPath, contents.Device, args[0])
		}
		envelope = encoded
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := channel.Dial(dialCtx, socketPath, channel.Hello{
		Device:     args[0],
		Migrating:  envelope != nil,
		SendTokens: sendTokens,
	})
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	if exportPath != "" {
		encoded, err := exportMigration(client)
		if err != nil {
			return err
		}
		_, err = migration.WriteFile(exportPath, encoded)
		return err
	}
	if envelope != nil {
		if err := importMigration(client, envelope); err != nil {
			return err
		}
	}

	welcome := client.Welcome()
	s := &session{
		link:    client,
		welcome: welcome,
		notify: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "vmc-attach: "+format+"\r\n", args...)
		},
	}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("switching terminal to raw mode: %w", err)
		}
		defer term.Restore(stdin, state)
		s.escape = true
		s.notify("attached to %s %s (escape: Ctrl-])", welcome.Kind, welcome.Device)
	}
	return s.run(ctx, os.Stdin, os.Stdout)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `vmc-attach - attach a terminal to a vmcd device

Usage:
  vmc-attach [flags] DEVICE

Examples:
  # Interactive session with the guest agent channel
  vmc-attach agent0

  # Move a usbredir device's pending state to another host
  vmc-attach --migrate-export usb0.migration usb0
  vmc-attach --socket /run/vmcd/target.sock --migrate-import usb0.migration usb0

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
