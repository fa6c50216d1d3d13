// Package main is the entry point for tsburst.
//
// tsburst reads an MPEG transport stream from a file or network input
// and retransmits it as UDP, SRT, or QUIC datagrams, with optional RTP
// encapsulation and real-time pacing.
package main

import (
	"os"

	"github.com/tsforge/tsburst/cmd/tsburst/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
