package main

import (
	"fmt"

	"github.com/fatih/color"
)

const helpString = `Shared-memory video frame transport

Usage: framepiped [OPTION]... COMMAND [ARG]...

Commands:
  write     Publish a test pattern or camera frames into a channel
  read      Attach to a channel and report what arrives
  inspect   Print a channel's control block
  remove    Tear down a channel regardless of who is attached
  loopback  Run a writer and a reader in this process

Run 'framepiped COMMAND --help' for the options of each command.

Options:
  -B, --backend=SPEC     Channel backend, "shm[:DIR]" or "inproc"
                         (default: shm, segments in /dev/shm)
  -l, --log-level=LEVELS Log levels, e.g. "debug" or "shm=trace,reader=debug"
                         (default: $LOGLEVEL)
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits

Please report bugs to: aloha@lanikailabs.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//   __                                   _
	//  / _| _ __  __ _  _ __ ___    ___  _ __ (_) _ __    ___
	// | |_ | '__|/ _` || '_ ` _ \  / _ \| '_ \| || '_ \  / _ \
	// |  _|| |  | (_| || | | | | ||  __/| |_) | || |_) ||  __/
	// |_|  |_|   \__,_||_| |_| |_| \___|| .__/|_|| .__/  \___|
	//                                   |_|      |_|

	// Line 1
	r.Printf("  __ ")
	y.Printf("     ")
	b.Printf("       ")
	r.Printf("          ")
	y.Printf("      ")
	b.Printf("     ")
	r.Printf(" _ ")
	y.Println("")

	// Line 2
	r.Printf(" / _|")
	y.Printf(" _ __")
	b.Printf("  __ _ ")
	r.Printf(" _ __ ___  ")
	y.Printf("  ___ ")
	b.Printf(" _ __ ")
	r.Printf("(_)")
	y.Printf(" _ __ ")
	b.Println("   ___ ")

	// Line 3
	r.Printf("| |_ ")
	y.Printf("| '__|")
	b.Printf("/ _` |")
	r.Printf("| '_ ` _ \\ ")
	y.Printf(" / _ \\")
	b.Printf("| '_ \\")
	r.Printf("| |")
	y.Printf("| '_ \\ ")
	b.Println(" / _ \\")

	// Line 4
	r.Printf("|  _|")
	y.Printf("| |  ")
	b.Printf("| (_| |")
	r.Printf("| | | | | |")
	y.Printf("|  __/")
	b.Printf("| |_) |")
	r.Printf("| |")
	y.Printf("| |_) |")
	b.Println("|  __/")

	// Line 5
	r.Printf("|_|  ")
	y.Printf("|_|   ")
	b.Printf(" \\__,_|")
	r.Printf("|_| |_| |_|")
	y.Printf(" \\___|")
	b.Printf("| .__/ ")
	r.Printf("|_|")
	y.Printf("| .__/ ")
	b.Println(" \\___|")

	// Line 6
	r.Printf("     ")
	y.Printf("      ")
	b.Printf("       ")
	r.Printf("           ")
	y.Printf("      ")
	b.Printf("|_|    ")
	r.Printf("   ")
	y.Println("|_|")

	fmt.Println(helpString)
}

// version displays information and exits successfully (GNU convention)
func version() {
	fmt.Println("framepiped", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
}
