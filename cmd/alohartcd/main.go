package main

//go:generate sh version.sh

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/alohartc"
	"github.com/lanikai/alohartc/internal/ice"
	"github.com/lanikai/alohartc/internal/logging"
)

var log = logging.DefaultLogger.WithTag("alohartcd")

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}

	if flagVersion {
		version()
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
}

// run negotiates one peer connection by reading an SDP offer from stdin and
// writing the answer and local ICE candidates to stdout, then streams
// --input (if given) until ctx is cancelled.
func run(ctx context.Context) error {
	pc := alohartc.NewPeerConnection(ctx)
	defer pc.Close()

	pc.SetStunServer(flagSTUNAddress)
	if flagTURNAddress != "" {
		pc.SetTurnServer(flagTURNAddress, flagTURNUsername, flagTURNPassword)
	}

	pc.OnIceCandidate = func(c *ice.Candidate) {
		fmt.Println("candidate:", c.String())
	}

	offer, err := readOffer()
	if err != nil {
		return err
	}

	answer, err := pc.SetRemoteDescription(offer)
	if err != nil {
		return fmt.Errorf("negotiating answer: %w", err)
	}

	fmt.Println("--- BEGIN SDP ANSWER ---")
	fmt.Println(answer)
	fmt.Println("--- END SDP ANSWER ---")

	go readRemoteCandidates(pc)

	lcand := make(chan ice.Candidate)
	go func() {
		for range lcand {
			// Candidates are also printed by OnIceCandidate above; this
			// drains the channel Connect writes to.
		}
	}()

	log.Info("establishing connection")
	if err := pc.Connect(lcand); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Info("connected")

	if flagInput != "" {
		if err := stream(ctx, pc); err != nil {
			log.Error("stream: %v", err)
		}
	}

	<-ctx.Done()
	return nil
}

// readOffer reads an SDP offer from stdin, terminated by the first blank
// line after it, so it can be pasted interactively ahead of ICE candidate
// lines.
func readOffer() (string, error) {
	fmt.Println("Paste the remote SDP offer, followed by a blank line:")

	var lines []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\r\n") + "\r\n", nil
}

// readRemoteCandidates reads "candidate: <mid> <desc>" lines from stdin
// and feeds them to the ICE agent until stdin closes.
func readRemoteCandidates(pc *alohartc.PeerConnection) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimPrefix(scanner.Text(), "candidate:")
		fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
		if len(fields) != 2 {
			continue
		}
		if err := pc.AddIceCandidate(fields[1], fields[0]); err != nil {
			log.Warn("add remote candidate: %v", err)
		}
	}
}

// stream opens --input and sends it over the negotiated video transceiver.
func stream(ctx context.Context, pc *alohartc.PeerConnection) error {
	tr := pc.VideoTransceiver()
	if tr == nil {
		return fmt.Errorf("no video transceiver negotiated")
	}

	f, err := os.Open(flagInput)
	if err != nil {
		return err
	}
	defer f.Close()

	return tr.SendVideo(ctx.Done(), tr.Codec.PayloadType, f)
}
