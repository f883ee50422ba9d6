// Command fmp4streamd serves one directory of MP4 files as HLS, DASH,
// plain MP4, RTSP, and RTMP ingest, per spec.md §6.
package main

import (
	"fmt"
	"os"

	"github.com/nota-av/fmp4stream/cmd/fmp4streamd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
