// Package banner prints the startup banner.
package banner

import (
	"fmt"
	"io"
)

// Version is the daemon version reported in the banner and logs.
const Version = "0.3.0"

// Print writes the banner to w.
func Print(w io.Writer) {
	banner := `
       _       _
      (_) ___ | |__   __ _ _   _  ___ _   _  ___
      | |/ _ \| '_ \ / _' | | | |/ _ \ | | |/ _ \
      | | (_) | |_) | (_| | |_| |  __/ |_| |  __/
     _/ |\___/|_.__/ \__, |\__,_|\___|\__,_|\___|
    |__/                |_|   v%s - Priority Job Queue
    `
	fmt.Fprintf(w, banner, Version)
	fmt.Fprintln(w, "\n------------------------------------------------")
}
