package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagSTUNAddress  string
	flagTURNAddress  string
	flagTURNUsername string
	flagTURNPassword string
	flagInput        string
	flagPayloadType  string
	flagHelp         bool
	flagVersion      bool
)

func init() {
	flag.StringVarP(&flagSTUNAddress, "stun-server", "s", "stun.l.google.com:19302", "STUN server address")
	flag.StringVarP(&flagTURNAddress, "turn-server", "t", "", "TURN server address")
	flag.StringVarP(&flagTURNUsername, "turn-username", "", "", "TURN server username")
	flag.StringVarP(&flagTURNPassword, "turn-password", "", "", "TURN server password")
	flag.StringVarP(&flagInput, "input", "i", "", "Annex-B H.264 elementary stream to send (default: none)")
	flag.StringVarP(&flagPayloadType, "codec", "c", "H264", "Video codec name (H264 or VP8); accepted but not used, the answer takes the first supported codec in the offer")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Real-time video communication for connected devices

Usage: alohartcd [OPTION]...

This program negotiates a single WebRTC peer connection by exchanging SDP
and ICE candidates on stdin/stdout: paste the remote offer when prompted,
then relay the printed answer and candidates back to the remote peer by
whatever channel you're using. Once connected, it streams the file given by
--input, if any.

Network:
  -s, --stun-server=ADDR   STUN server address (default: stun.l.google.com:19302)
  -t, --turn-server=ADDR   TURN server address (default: none)
      --turn-username=STR TURN server username
      --turn-password=STR TURN server password

Media:
  -i, --input=FILE        Annex-B H.264 elementary stream to send
  -c, --codec=NAME        Video codec name: H264 or VP8 (default: H264). Accepted
                          but not used; the answer takes the first supported
                          codec in the offer

Miscellaneous:
  -h, --help               Prints this help message and exits
  -v, --version             Prints version information and exits

Please report bugs to: aloha@lanikailabs.com
AlohaRTC home page: https://alohartc.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//         _         _                   _
	//   __ _ | |  ___  | |__    __ _  _ __ | |_  ___
	//  / _` || | / _ \ | '_ \  / _` || '__|| __|/ __|
	// | (_| || || (_) || | | || (_| || |   | |_| (__
	//  \__,_||_| \___/ |_| |_| \__,_||_|    \__|\___|

	// Line 1
	r.Printf("        ")
	y.Printf(" _ ")
	b.Printf("       ")
	y.Printf(" _     ")
	r.Printf("       ")
	y.Printf("      ")
	b.Printf(" _  ")
	y.Println("     ")

	// Line 2
	r.Printf("   __ _ ")
	y.Printf("| |")
	b.Printf("  ___  ")
	y.Printf("| |__  ")
	r.Printf("  __ _ ")
	y.Printf(" _ __ ")
	b.Printf("| |_ ")
	y.Println(" ___ ")

	// Line 3
	r.Printf("  / _` |")
	y.Printf("| |")
	b.Printf(" / _ \\ ")
	y.Printf("| '_ \\ ")
	r.Printf(" / _` |")
	y.Printf("| '__|")
	b.Printf("| __|")
	y.Println("/ __|")

	// Line 4
	r.Printf(" | (_| |")
	y.Printf("| |")
	b.Printf("| (_) |")
	y.Printf("| | | |")
	r.Printf("| (_| |")
	y.Printf("| |   ")
	b.Printf("| |_")
	y.Println("| (__ ")

	// Line 5
	r.Printf("  \\__,_|")
	y.Printf("|_|")
	b.Printf(" \\___/ ")
	y.Printf("|_| |_|")
	r.Printf(" \\__,_|")
	y.Printf("|_|   ")
	b.Printf(" \\__|")
	y.Println("\\___|")

	fmt.Println(helpString)
}
